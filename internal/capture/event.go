// Package capture records adapter traffic to a CBOR stream and reads it back.
//
// A Recorder is an obd.Observer. Events are queued without blocking the
// dispatch loop and encoded by a writer goroutine. Each recording carries a
// session id so several captures can be appended to one file and told apart.
package capture

import (
	"fmt"
	"strings"
	"time"
)

// Kind classifies an Event.
type Kind uint8

const (
	KindSent Kind = iota
	KindCompleted
	KindFailed
	KindState
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindSent:
		return "sent"
	case KindCompleted:
		return "completed"
	case KindFailed:
		return "failed"
	case KindState:
		return "state"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one captured record. CBOR encoding uses integer keys.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`
	Session   string    `cbor:"2,keyasint"`
	Kind      Kind      `cbor:"3,keyasint"`
	Device    string    `cbor:"4,keyasint,omitempty"`

	// Transaction fields.
	TxID     string        `cbor:"5,keyasint,omitempty"`
	Seq      uint64        `cbor:"6,keyasint,omitempty"`
	Command  string        `cbor:"7,keyasint,omitempty"`
	Attempt  int           `cbor:"8,keyasint,omitempty"`
	Raw      []byte        `cbor:"9,keyasint,omitempty"`
	Lines    []string      `cbor:"10,keyasint,omitempty"`
	Value    string        `cbor:"11,keyasint,omitempty"`
	Duration time.Duration `cbor:"12,keyasint,omitempty"`

	// State change fields.
	From string `cbor:"13,keyasint,omitempty"`
	To   string `cbor:"14,keyasint,omitempty"`

	// Error fields.
	ErrorKind string `cbor:"15,keyasint,omitempty"`
	Error     string `cbor:"16,keyasint,omitempty"`
}

// Retry reports whether a sent event resends a transaction interrupted by a
// disconnect.
func (e Event) Retry() bool {
	return e.Kind == KindSent && e.Attempt > 1
}

// Format renders the event as one transcript line.
func (e Event) Format() string {
	ts := e.Timestamp.Format("15:04:05.000")
	switch e.Kind {
	case KindSent:
		line := fmt.Sprintf("%s %s > %s", ts, e.Device, e.Command)
		if e.Retry() {
			line += fmt.Sprintf(" (retry %d)", e.Attempt-1)
		}
		return line
	case KindCompleted:
		resp := strings.Join(e.Lines, " | ")
		if resp == "" {
			resp = "(empty)"
		}
		line := fmt.Sprintf("%s %s < %s [%s]", ts, e.Device, resp, e.Duration.Round(time.Millisecond))
		if e.Value != "" {
			line += " " + e.Value
		}
		return line
	case KindFailed:
		return fmt.Sprintf("%s %s ! %s: %s", ts, e.Device, e.Command, e.Error)
	case KindState:
		return fmt.Sprintf("%s %s * %s -> %s", ts, e.Device, e.From, e.To)
	case KindError:
		dev := e.Device
		if dev == "" {
			dev = "-"
		}
		return fmt.Sprintf("%s %s ! %s: %s", ts, dev, e.ErrorKind, e.Error)
	default:
		return fmt.Sprintf("%s %s ? kind %d", ts, e.Device, e.Kind)
	}
}
