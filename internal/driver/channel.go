package driver

import (
	"fmt"
	"sync/atomic"

	"github.com/srg/obdble/internal/device"
	"github.com/srg/obdble/internal/obd"
)

// EventKind tags an Event.
type EventKind int

const (
	EventCompleted EventKind = iota
	EventError
	EventAdded
	EventReady
	EventStatusChanged
	EventRemoved
	EventScanning
)

func (k EventKind) String() string {
	switch k {
	case EventCompleted:
		return "completed"
	case EventError:
		return "error"
	case EventAdded:
		return "added"
	case EventReady:
		return "ready"
	case EventStatusChanged:
		return "status"
	case EventRemoved:
		return "removed"
	case EventScanning:
		return "scanning"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one delegate callback. Only the fields of its kind are set.
type Event struct {
	Kind     EventKind
	Device   DeviceInfo
	From, To device.State
	Tx       *obd.Transaction
	Err      *device.Error
	Scanning bool
}

// ChannelDelegate turns delegate callbacks into a stream of Events for
// consumers that live outside the dispatch loop. When the reader falls behind
// the oldest events are dropped, so the loop never blocks.
type ChannelDelegate struct {
	events *ringChannel[Event]
	closed atomic.Bool
}

var (
	_ Delegate       = (*ChannelDelegate)(nil)
	_ DeviceObserver = (*ChannelDelegate)(nil)
	_ ScanObserver   = (*ChannelDelegate)(nil)
)

// NewChannelDelegate buffers up to capacity events.
func NewChannelDelegate(capacity int) *ChannelDelegate {
	return &ChannelDelegate{events: newRingChannel[Event](capacity)}
}

// Events is closed by Close.
func (c *ChannelDelegate) Events() <-chan Event { return c.events.ch }

// Dropped counts events discarded because the buffer was full.
func (c *ChannelDelegate) Dropped() int64 { return c.events.overwritten.Load() }

// Close ends the stream. It must run on the dispatch loop or after the loop
// stopped; later callbacks are ignored.
func (c *ChannelDelegate) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.events.close()
	}
}

func (c *ChannelDelegate) emit(e Event) {
	if c.closed.Load() {
		return
	}
	c.events.send(e)
}

func (c *ChannelDelegate) TransactionCompleted(tx *obd.Transaction) {
	c.emit(Event{Kind: EventCompleted, Tx: tx})
}

func (c *ChannelDelegate) Error(err *device.Error) {
	c.emit(Event{Kind: EventError, Err: err})
}

func (c *ChannelDelegate) DeviceAdded(info DeviceInfo) {
	c.emit(Event{Kind: EventAdded, Device: info})
}

func (c *ChannelDelegate) DeviceReady(info DeviceInfo) {
	c.emit(Event{Kind: EventReady, Device: info})
}

func (c *ChannelDelegate) DeviceStatusChanged(info DeviceInfo, from, to device.State) {
	c.emit(Event{Kind: EventStatusChanged, Device: info, From: from, To: to})
}

func (c *ChannelDelegate) DeviceRemoved(info DeviceInfo) {
	c.emit(Event{Kind: EventRemoved, Device: info})
}

func (c *ChannelDelegate) ScanningChanged(scanning bool) {
	c.emit(Event{Kind: EventScanning, Scanning: scanning})
}
