package dispatch_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/obdble/internal/dispatch"
)

type SerialTestSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	q      *dispatch.Serial
}

func (s *SerialTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.q = dispatch.NewSerial(s.ctx, logger)
}

func (s *SerialTestSuite) TearDownTest() {
	s.q.Close()
	s.cancel()
}

func (s *SerialTestSuite) TestPostRunsInOrder() {
	// GOAL: Closures run one at a time in posting order
	//
	// TEST SCENARIO: Post 100 closures appending their index → Sync → slice is 0..99

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		s.q.Post(func() { got = append(got, i) })
	}
	s.Require().NoError(s.q.Sync(s.ctx, func() {}))

	s.Require().Len(got, 100, "all closures MUST run")
	for i, v := range got {
		s.Equal(i, v, "closures MUST run in posting order")
	}
}

func (s *SerialTestSuite) TestPanicDoesNotKillLoop() {
	// GOAL: A panicking closure is recovered and later closures still run
	//
	// TEST SCENARIO: Post a panicking closure → Sync another → it runs

	s.q.Post(func() { panic("boom") })
	ran := false
	s.Require().NoError(s.q.Sync(s.ctx, func() { ran = true }))
	s.True(ran, "loop MUST survive a panicking closure")
}

func (s *SerialTestSuite) TestAfterFuncFires() {
	// GOAL: AfterFunc runs its closure on the queue after the delay
	//
	// TEST SCENARIO: Schedule for 10ms → wait → closure ran exactly once

	var mu sync.Mutex
	calls := 0
	done := make(chan struct{})
	s.q.AfterFunc(10*time.Millisecond, func() {
		mu.Lock()
		calls++
		mu.Unlock()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.FailNow("timer MUST fire")
	}
	mu.Lock()
	defer mu.Unlock()
	s.Equal(1, calls)
}

func (s *SerialTestSuite) TestStopIsIdempotent() {
	// GOAL: Only the first Stop cancels; later calls report false and fn never runs
	//
	// TEST SCENARIO: Schedule for 20ms → Stop twice → wait past deadline → not run

	ran := make(chan struct{}, 1)
	t := s.q.AfterFunc(20*time.Millisecond, func() { ran <- struct{}{} })

	s.True(t.Stop(), "first Stop MUST cancel the timer")
	s.False(t.Stop(), "second Stop MUST be a no-op")

	select {
	case <-ran:
		s.Fail("stopped timer MUST NOT fire")
	case <-time.After(60 * time.Millisecond):
	}
}

func (s *SerialTestSuite) TestStopAfterFireReturnsFalse() {
	// GOAL: Stopping a timer that already fired reports false
	//
	// TEST SCENARIO: Schedule for 1ms → wait for it → Stop → false

	done := make(chan struct{})
	t := s.q.AfterFunc(time.Millisecond, func() { close(done) })
	<-done
	s.False(t.Stop(), "Stop after firing MUST return false")
}

func (s *SerialTestSuite) TestTryPostAfterClose() {
	// GOAL: Posting to a closed queue is reported instead of panicking
	//
	// TEST SCENARIO: Close → TryPost → ErrClosed; Sync → ErrClosed

	s.q.Close()
	s.ErrorIs(s.q.TryPost(func() {}), dispatch.ErrClosed)
	s.ErrorIs(s.q.Sync(s.ctx, func() {}), dispatch.ErrClosed)
	s.NotPanics(func() { s.q.Post(func() {}) })
}

func TestSerialTestSuite(t *testing.T) {
	suite.Run(t, new(SerialTestSuite))
}
