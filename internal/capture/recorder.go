package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/obdble/internal/device"
	"github.com/srg/obdble/internal/groutine"
	"github.com/srg/obdble/internal/obd"
	"github.com/srg/obdble/internal/platform"
)

// MaxBufferSize guards against a misconfigured ring.
const MaxBufferSize uint32 = 1024 * 1024

// ErrRunning is returned by Start on a running recorder.
var ErrRunning = errors.New("recorder already running")

// Options configures a Recorder. Zero fields take their defaults.
type Options struct {
	// BufferSize is the ring capacity. When the writer falls behind, the
	// oldest events are overwritten.
	BufferSize    uint32        `default:"1024"`
	FlushInterval time.Duration `default:"100ms"`
	Logger        *logrus.Logger
}

// Metrics are lock-free counters.
type Metrics struct {
	Recorded    int64
	Written     int64
	Overwritten int64
	Errors      int64
}

const (
	stateStopped uint32 = iota
	stateRunning
	stateStopping
)

// Recorder captures traffic. Record and the observer methods never block and
// are safe from any goroutine.
type Recorder struct {
	session string
	buffer  mpmc.RichOverlappedRingBuffer[Event]
	enc     *cbor.Encoder
	closer  io.Closer
	opts    Options
	logger  *logrus.Logger

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	state       uint32
	recorded    atomic.Int64
	written     atomic.Int64
	overwritten atomic.Int64
	errors      atomic.Int64
}

// NewRecorder creates a stopped recorder writing to w.
func NewRecorder(w io.Writer, opts Options) (*Recorder, error) {
	defaults.SetDefaults(&opts)
	if opts.BufferSize > MaxBufferSize {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", opts.BufferSize, MaxBufferSize)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	r := &Recorder{
		session: uuid.NewString(),
		buffer:  mpmc.NewOverlappedRingBuffer[Event](opts.BufferSize),
		enc:     newEncoder(w),
		opts:    opts,
		logger:  opts.Logger,
		wake:    make(chan struct{}, 1),
	}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r, nil
}

// Create opens path for appending and returns a started recorder.
func Create(ctx context.Context, path string, opts Options) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	r, err := NewRecorder(f, opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := r.Start(ctx); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// Session identifies this recording.
func (r *Recorder) Session() string { return r.session }

// Start launches the writer goroutine.
func (r *Recorder) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&r.state, stateStopped, stateRunning) {
		return ErrRunning
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	groutine.GoLogged(ctx, r.logger, "capture-writer", r.run)
	r.logger.WithField("session", r.session).Debug("Capture started")
	return nil
}

// Stop flushes what is buffered and waits for the writer to exit.
func (r *Recorder) Stop() error {
	if !atomic.CompareAndSwapUint32(&r.state, stateRunning, stateStopping) {
		if atomic.LoadUint32(&r.state) == stateStopped {
			return nil
		}
	} else {
		close(r.stop)
	}
	<-r.done
	return nil
}

// Close stops the recorder and closes the underlying writer when it is an
// io.Closer.
func (r *Recorder) Close() error {
	if err := r.Stop(); err != nil {
		return err
	}
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// Metrics returns a snapshot of the counters.
func (r *Recorder) Metrics() Metrics {
	return Metrics{
		Recorded:    r.recorded.Load(),
		Written:     r.written.Load(),
		Overwritten: r.overwritten.Load(),
		Errors:      r.errors.Load(),
	}
}

// Record queues an event. Timestamp and session are filled in when unset.
func (r *Recorder) Record(e Event) {
	if atomic.LoadUint32(&r.state) != stateRunning {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Session = r.session

	overwrites, err := r.buffer.EnqueueM(e)
	if err != nil {
		r.errors.Add(1)
		r.logger.WithError(err).Warn("Capture enqueue failed")
		return
	}
	r.overwritten.Add(int64(overwrites))
	r.recorded.Add(1)

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// TransactionSent implements obd.Observer.
func (r *Recorder) TransactionSent(tx *obd.Transaction) {
	r.Record(Event{
		Timestamp: tx.Sent,
		Kind:      KindSent,
		Device:    string(tx.Device),
		TxID:      tx.ID,
		Seq:       tx.Seq,
		Command:   tx.Command,
		Attempt:   tx.Attempts,
	})
}

// TransactionCompleted implements obd.Observer.
func (r *Recorder) TransactionCompleted(tx *obd.Transaction) {
	e := Event{
		Timestamp: tx.Completed,
		Kind:      KindCompleted,
		Device:    string(tx.Device),
		TxID:      tx.ID,
		Seq:       tx.Seq,
		Command:   tx.Command,
		Attempt:   tx.Attempts,
		Raw:       tx.Raw(),
		Lines:     append([]string(nil), tx.Lines...),
		Duration:  tx.Duration(),
	}
	if tx.Value != nil && tx.Value.Known() {
		e.Value = tx.Value.String()
	}
	r.Record(e)
}

// TransactionFailed implements obd.Observer.
func (r *Recorder) TransactionFailed(tx *obd.Transaction, err *device.Error) {
	r.Record(Event{
		Kind:      KindFailed,
		Device:    string(tx.Device),
		TxID:      tx.ID,
		Seq:       tx.Seq,
		Command:   tx.Command,
		Attempt:   tx.Attempts,
		Raw:       tx.Raw(),
		ErrorKind: err.Kind.String(),
		Error:     err.Error(),
	})
}

// DeviceStateChanged records a device state transition.
func (r *Recorder) DeviceStateChanged(id platform.PeripheralID, from, to device.State) {
	r.Record(Event{
		Kind:   KindState,
		Device: string(id),
		From:   from.String(),
		To:     to.String(),
	})
}

// Error records a driver error.
func (r *Recorder) Error(err *device.Error) {
	r.Record(Event{
		Kind:      KindError,
		Device:    string(err.Device),
		ErrorKind: err.Kind.String(),
		Error:     err.Error(),
	})
}

func (r *Recorder) run(ctx context.Context) {
	defer func() {
		r.drain()
		atomic.StoreUint32(&r.state, stateStopped)
		close(r.done)
	}()

	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case <-r.wake:
			r.drain()
		case <-ticker.C:
			r.drain()
		}
	}
}

func (r *Recorder) drain() {
	for !r.buffer.IsEmpty() {
		e, err := r.buffer.Dequeue()
		if err != nil {
			return
		}
		if err := r.enc.Encode(e); err != nil {
			r.errors.Add(1)
			r.logger.WithError(err).Warn("Capture write failed")
			continue
		}
		r.written.Add(1)
	}
}
