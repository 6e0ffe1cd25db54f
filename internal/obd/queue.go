// Package obd moves ELM327 command/response transactions over a BLE command
// channel.
//
// A Queue owns every transaction for one device. At most one transaction is
// on the wire at a time; its response accumulates across notifications until
// the adapter prints its prompt. A response that does not arrive in time
// flushes the whole queue and is reported once. A transaction interrupted by a
// disconnect goes back to the head of the line and is resent after the link
// comes back.
package obd

import (
	"fmt"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/obdble/internal/device"
	"github.com/srg/obdble/internal/dispatch"
	"github.com/srg/obdble/internal/platform"
)

// Link is the device side of a queue.
type Link interface {
	// Ready reports whether commands can be written now.
	Ready() bool
	// SetNotify turns response notifications on or off. Repeated calls with
	// the same value are no-ops.
	SetNotify(enabled bool)
	// Write sends one command.
	Write(data []byte)
}

// Observer sees transactions as they move through a queue.
type Observer interface {
	TransactionSent(tx *Transaction)
	TransactionCompleted(tx *Transaction)
	TransactionFailed(tx *Transaction, err *device.Error)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) TransactionSent(*Transaction)                  {}
func (NopObserver) TransactionCompleted(*Transaction)             {}
func (NopObserver) TransactionFailed(*Transaction, *device.Error) {}

// QueueConfig configures a Queue. Zero fields take their defaults.
type QueueConfig struct {
	Timeout time.Duration `default:"10s"`

	// Deliver receives completed transactions that have no completion handler
	// of their own.
	Deliver func(*Transaction)
	// Fail receives timeouts.
	Fail     func(*device.Error)
	Observer Observer
	Logger   *logrus.Logger
}

// Queue serializes transactions for one device. All methods must be called on
// the dispatch loop.
type Queue struct {
	id   platform.PeripheralID
	loop dispatch.Queue
	link Link
	cfg  QueueConfig

	current *Transaction
	pending []*Transaction
}

// NewQueue creates an empty queue.
func NewQueue(id platform.PeripheralID, loop dispatch.Queue, link Link, cfg QueueConfig) *Queue {
	defaults.SetDefaults(&cfg)
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Deliver == nil {
		cfg.Deliver = func(*Transaction) {}
	}
	if cfg.Fail == nil {
		cfg.Fail = func(*device.Error) {}
	}
	return &Queue{id: id, loop: loop, link: link, cfg: cfg}
}

// Timeout is the per-transaction response deadline.
func (q *Queue) Timeout() time.Duration { return q.cfg.Timeout }

// Submit appends tx and sends it right away when the line is free.
func (q *Queue) Submit(tx *Transaction) {
	q.pending = append(q.pending, tx)
	q.log(tx).Debug("Transaction queued")
	q.Pump()
}

// SubmitFront puts tx at the head of the line. It does not preempt the
// transaction already on the wire.
func (q *Queue) SubmitFront(tx *Transaction) {
	q.pending = append([]*Transaction{tx}, q.pending...)
	q.log(tx).Debug("Transaction queued at front")
	q.Pump()
}

// Pump sends the next transaction if nothing is in flight and the link is up.
func (q *Queue) Pump() {
	if q.current != nil || len(q.pending) == 0 || !q.link.Ready() {
		return
	}
	tx := q.pending[0]
	q.pending = q.pending[1:]
	q.send(tx)
}

func (q *Queue) send(tx *Transaction) {
	q.current = tx
	tx.reset()
	tx.Attempts++
	tx.Sent = time.Now()

	q.link.SetNotify(true)
	q.link.Write(tx.Wire())
	tx.timer = q.loop.AfterFunc(q.cfg.Timeout, func() { q.expire(tx) })

	q.log(tx).WithField("attempt", tx.Attempts).Debug("Transaction sent")
	q.cfg.Observer.TransactionSent(tx)
}

// HandleValue feeds response bytes to the transaction in flight.
func (q *Queue) HandleValue(b []byte) {
	tx := q.current
	if tx == nil {
		q.cfg.Logger.WithFields(logrus.Fields{
			"device": q.id,
			"bytes":  len(b),
		}).Debug("Dropping response bytes with nothing in flight")
		return
	}
	if !tx.append(b) {
		return
	}

	tx.CancelTimeout()
	q.current = nil
	tx.finish()

	q.log(tx).WithFields(logrus.Fields{
		"lines":    len(tx.Lines),
		"duration": tx.Duration(),
	}).Debug("Transaction completed")
	q.cfg.Observer.TransactionCompleted(tx)

	if tx.onComplete != nil {
		tx.onComplete(tx)
	} else {
		q.cfg.Deliver(tx)
	}
	q.Pump()
}

func (q *Queue) expire(tx *Transaction) {
	if q.current != tx {
		return
	}
	tx.timer = nil
	q.current = nil

	// Late bytes for the expired command must not leak into the next one.
	q.link.SetNotify(false)
	flushed := len(q.pending)
	q.pending = nil

	err := device.NewError(device.KindCommandTimeout, q.id,
		fmt.Errorf("no prompt for %q within %s", tx.Command, q.cfg.Timeout))
	err.Context = tx
	tx.Err = err

	q.log(tx).WithField("flushed", flushed).Warn("Transaction timed out, queue flushed")
	q.cfg.Observer.TransactionFailed(tx, err)
	q.cfg.Fail(err)
	if tx.onComplete != nil {
		tx.onComplete(tx)
	}
}

// Suspend is called when the link drops. The transaction in flight loses its
// partial response and goes back to the head of the line.
func (q *Queue) Suspend() {
	tx := q.current
	if tx == nil {
		return
	}
	tx.CancelTimeout()
	tx.reset()
	q.current = nil
	q.pending = append([]*Transaction{tx}, q.pending...)
	q.log(tx).Debug("Transaction requeued after disconnect")
}

// DropInternal removes queued transactions that have their own completion
// handler. Consumer transactions keep their order.
func (q *Queue) DropInternal() int {
	kept := q.pending[:0]
	dropped := 0
	for _, tx := range q.pending {
		if tx.Internal() {
			dropped++
			continue
		}
		kept = append(kept, tx)
	}
	q.pending = kept
	return dropped
}

// Flush discards everything, including the transaction in flight, and
// returns how many transactions were dropped.
func (q *Queue) Flush() int {
	n := len(q.pending)
	q.pending = nil
	if q.current != nil {
		q.current.CancelTimeout()
		q.current = nil
		n++
	}
	return n
}

// InFlight is 0 or 1.
func (q *Queue) InFlight() int {
	if q.current != nil {
		return 1
	}
	return 0
}

// Current returns the transaction on the wire, if any.
func (q *Queue) Current() *Transaction { return q.current }

// Len counts transactions waiting to be sent.
func (q *Queue) Len() int { return len(q.pending) }

// Pending returns the waiting commands in send order.
func (q *Queue) Pending() []string {
	out := make([]string, len(q.pending))
	for i, tx := range q.pending {
		out[i] = tx.Command
	}
	return out
}

func (q *Queue) log(tx *Transaction) *logrus.Entry {
	return q.cfg.Logger.WithFields(logrus.Fields{
		"device":  q.id,
		"command": tx.Command,
		"tx":      tx.Seq,
	})
}
