package testutils

import (
	"sort"
	"sync"
	"time"

	"github.com/srg/obdble/internal/dispatch"
)

// ManualQueue is a dispatch.Queue driven by the test. Posted closures run on
// Drain; timers fire on Advance against a virtual clock.
type ManualQueue struct {
	mu     sync.Mutex
	now    time.Duration
	ready  []func()
	timers []*manualTimer
	seq    int
}

// NewManualQueue creates a queue with the clock at zero.
func NewManualQueue() *ManualQueue {
	return &ManualQueue{}
}

// Post implements dispatch.Queue.
func (q *ManualQueue) Post(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = append(q.ready, fn)
}

// AfterFunc implements dispatch.Queue.
func (q *ManualQueue) AfterFunc(d time.Duration, fn func()) dispatch.Timer {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	t := &manualTimer{at: q.now + d, seq: q.seq, fn: fn}
	q.timers = append(q.timers, t)
	return t
}

// Drain runs posted closures, including ones they post, until none are left.
// It returns how many ran.
func (q *ManualQueue) Drain() int {
	n := 0
	for {
		q.mu.Lock()
		if len(q.ready) == 0 {
			q.mu.Unlock()
			return n
		}
		fn := q.ready[0]
		q.ready = q.ready[1:]
		q.mu.Unlock()

		fn()
		n++
	}
}

// Advance moves the clock forward, firing due timers in deadline order and
// draining after each.
func (q *ManualQueue) Advance(d time.Duration) {
	q.Drain()
	q.mu.Lock()
	target := q.now + d
	q.mu.Unlock()

	for {
		q.mu.Lock()
		t := q.nextDue(target)
		if t == nil {
			q.now = target
			q.mu.Unlock()
			return
		}
		q.now = t.at
		q.mu.Unlock()

		if t.fire() {
			t.fn()
		}
		q.Drain()
	}
}

// nextDue removes and returns the earliest live timer due by target.
func (q *ManualQueue) nextDue(target time.Duration) *manualTimer {
	live := q.timers[:0]
	for _, t := range q.timers {
		if !t.done() {
			live = append(live, t)
		}
	}
	q.timers = live
	sort.SliceStable(q.timers, func(i, j int) bool {
		if q.timers[i].at == q.timers[j].at {
			return q.timers[i].seq < q.timers[j].seq
		}
		return q.timers[i].at < q.timers[j].at
	})
	if len(q.timers) == 0 || q.timers[0].at > target {
		return nil
	}
	t := q.timers[0]
	q.timers = q.timers[1:]
	return t
}

// Now returns the virtual time elapsed.
func (q *ManualQueue) Now() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.now
}

// ActiveTimers counts timers that are neither fired nor stopped.
func (q *ManualQueue) ActiveTimers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.timers {
		if !t.done() {
			n++
		}
	}
	return n
}

type manualTimer struct {
	mu      sync.Mutex
	at      time.Duration
	seq     int
	fn      func()
	fired   bool
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (t *manualTimer) fire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.fired = true
	return true
}

func (t *manualTimer) done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired || t.stopped
}
