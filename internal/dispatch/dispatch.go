// Package dispatch provides the single execution context every piece of driver
// state is mutated on.
//
// Platform callbacks, timeouts and public API calls are all turned into closures
// posted to a Queue. A Queue runs closures one at a time in posting order, so
// code running inside a closure never needs locks.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/obdble/internal/groutine"
)

// DefaultBacklog is the channel capacity of a Serial queue.
const DefaultBacklog = 256

// ErrClosed is returned by Serial.Post after Close.
var ErrClosed = errors.New("dispatch queue closed")

// Queue runs posted closures serially.
type Queue interface {
	// Post schedules fn. It may be called from any goroutine.
	Post(fn func())
	// AfterFunc schedules fn to run on the queue after d.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable scheduled closure.
type Timer interface {
	// Stop cancels the timer. It returns true only for the call that actually
	// prevented fn from running; every later call is a no-op returning false.
	Stop() bool
}

// Serial is a Queue backed by one goroutine.
type Serial struct {
	ch     chan func()
	logger *logrus.Logger

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
}

// NewSerial starts the dispatch goroutine. It exits when ctx is cancelled or
// Close is called.
func NewSerial(ctx context.Context, logger *logrus.Logger) *Serial {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Serial{
		ch:     make(chan func(), DefaultBacklog),
		logger: logger,
		done:   make(chan struct{}),
	}
	groutine.Go(ctx, "obdble-dispatch", s.run)
	return s
}

func (s *Serial) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.closed.Store(true)
			return
		case fn, ok := <-s.ch:
			if !ok {
				return
			}
			s.invoke(fn)
		}
	}
}

// invoke keeps one failing closure from killing the loop.
func (s *Serial) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", r).Error("Dispatched closure panicked")
		}
	}()
	fn()
}

// Post implements Queue. Posting after Close drops fn.
func (s *Serial) Post(fn func()) {
	if err := s.TryPost(fn); err != nil {
		s.logger.WithError(err).Debug("Dropping closure posted to closed queue")
	}
}

// TryPost is Post that reports a closed queue.
func (s *Serial) TryPost(fn func()) (err error) {
	if s.closed.Load() {
		return ErrClosed
	}
	// Close may race with a send; a send on the closed channel panics.
	defer func() {
		if recover() != nil {
			err = ErrClosed
		}
	}()
	select {
	case s.ch <- fn:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// AfterFunc implements Queue.
func (s *Serial) AfterFunc(d time.Duration, fn func()) Timer {
	t := &serialTimer{}
	t.timer = time.AfterFunc(d, func() {
		s.Post(func() {
			if t.state.CompareAndSwap(timerArmed, timerFired) {
				fn()
			}
		})
	})
	return t
}

// Sync posts fn and waits for it to run. It must not be called from the loop.
func (s *Serial) Sync(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := s.TryPost(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop after already posted closures ran.
func (s *Serial) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.ch)
	})
	<-s.done
}

const (
	timerArmed int32 = iota
	timerFired
	timerStopped
)

type serialTimer struct {
	timer *time.Timer
	state atomic.Int32
}

// Stop implements Timer. A timer whose callback was already queued but not yet
// run is also cancelled.
func (t *serialTimer) Stop() bool {
	if !t.state.CompareAndSwap(timerArmed, timerStopped) {
		return false
	}
	t.timer.Stop()
	return true
}
