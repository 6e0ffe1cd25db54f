package driver

import "sync/atomic"

// ringChannel is a bounded channel that drops its oldest element instead of
// blocking the producer. There must be a single producer.
type ringChannel[T any] struct {
	ch          chan T
	written     atomic.Int64
	overwritten atomic.Int64
}

func newRingChannel[T any](capacity int) *ringChannel[T] {
	if capacity <= 0 {
		panic("driver: ring channel capacity must be > 0")
	}
	return &ringChannel[T]{ch: make(chan T, capacity)}
}

// send inserts v and reports whether an older element was discarded.
func (rc *ringChannel[T]) send(v T) bool {
	dropped := false
	select {
	case rc.ch <- v:
	default:
		select {
		case <-rc.ch:
			rc.overwritten.Add(1)
			dropped = true
		default:
		}
		rc.ch <- v
	}
	rc.written.Add(1)
	return dropped
}

func (rc *ringChannel[T]) close() { close(rc.ch) }
