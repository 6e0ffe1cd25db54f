package obd

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/srg/obdble/internal/dispatch"
	"github.com/srg/obdble/internal/obd/pid"
	"github.com/srg/obdble/internal/platform"
)

var seq atomic.Uint64

// Transaction is one command/response exchange with an adapter. Fields other
// than the identity ones are owned by the Queue until the transaction is
// delivered.
type Transaction struct {
	ID      string
	Seq     uint64
	Device  platform.PeripheralID
	Command string

	Created   time.Time
	Sent      time.Time
	Completed time.Time
	// Attempts counts sends, including ones lost to a disconnect.
	Attempts int

	Lines []string
	Value pid.Value
	Err   error

	raw        []byte
	timer      dispatch.Timer
	onComplete func(*Transaction)
}

// NewTransaction prepares command for dev. Surrounding whitespace is trimmed.
func NewTransaction(dev platform.PeripheralID, command string) *Transaction {
	return &Transaction{
		ID:      uuid.NewString(),
		Seq:     seq.Add(1),
		Device:  dev,
		Command: strings.TrimSpace(command),
		Created: time.Now(),
	}
}

// OnComplete routes the result to fn instead of the queue's delivery
// function. Used for transactions the driver issues on its own behalf.
func (tx *Transaction) OnComplete(fn func(*Transaction)) *Transaction {
	tx.onComplete = fn
	return tx
}

// Internal reports whether the transaction has its own completion handler.
func (tx *Transaction) Internal() bool { return tx.onComplete != nil }

// Wire returns the bytes written to the adapter.
func (tx *Transaction) Wire() []byte {
	return []byte(tx.Command + Terminator)
}

// Raw returns the bytes accumulated so far.
func (tx *Transaction) Raw() []byte {
	return append([]byte(nil), tx.raw...)
}

// Response joins the parsed lines.
func (tx *Transaction) Response() string {
	return strings.Join(tx.Lines, "\n")
}

// Duration is the time from first send to completion.
func (tx *Transaction) Duration() time.Duration {
	if tx.Sent.IsZero() || tx.Completed.IsZero() {
		return 0
	}
	return tx.Completed.Sub(tx.Sent)
}

// CancelTimeout stops the response timer. Calling it again, or after the
// timer fired, does nothing.
func (tx *Transaction) CancelTimeout() bool {
	if tx.timer == nil {
		return false
	}
	stopped := tx.timer.Stop()
	tx.timer = nil
	return stopped
}

func (tx *Transaction) append(b []byte) bool {
	tx.raw = append(tx.raw, b...)
	return IsComplete(tx.raw)
}

func (tx *Transaction) reset() {
	tx.raw = nil
	tx.Lines = nil
	tx.Value = nil
	tx.Err = nil
}

func (tx *Transaction) finish() {
	tx.Lines = ParseResponse(tx.raw, tx.Command)
	tx.Value = pid.Decode(tx.Command, tx.Lines)
	tx.Completed = time.Now()
}
