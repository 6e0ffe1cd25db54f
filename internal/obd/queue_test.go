package obd_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/obdble/internal/device"
	"github.com/srg/obdble/internal/obd"
	"github.com/srg/obdble/internal/obd/pid"
	"github.com/srg/obdble/internal/testutils"
)

// fakeLink records what the queue does to the wire.
type fakeLink struct {
	ready     bool
	notifying bool
	notifies  []bool
	writes    []string
}

func (l *fakeLink) Ready() bool { return l.ready }
func (l *fakeLink) SetNotify(enabled bool) {
	if l.notifying == enabled {
		return
	}
	l.notifying = enabled
	l.notifies = append(l.notifies, enabled)
}
func (l *fakeLink) Write(data []byte) { l.writes = append(l.writes, string(data)) }

// countingObserver counts observer callbacks.
type countingObserver struct {
	sent, completed, failed int
}

func (o *countingObserver) TransactionSent(*obd.Transaction)                  { o.sent++ }
func (o *countingObserver) TransactionCompleted(*obd.Transaction)             { o.completed++ }
func (o *countingObserver) TransactionFailed(*obd.Transaction, *device.Error) { o.failed++ }

type QueueTestSuite struct {
	suite.Suite
	loop      *testutils.ManualQueue
	link      *fakeLink
	obs       *countingObserver
	queue     *obd.Queue
	delivered []*obd.Transaction
	failures  []*device.Error
}

func (s *QueueTestSuite) SetupTest() {
	s.loop = testutils.NewManualQueue()
	s.link = &fakeLink{ready: true}
	s.obs = &countingObserver{}
	s.delivered = nil
	s.failures = nil
	s.queue = obd.NewQueue("AA", s.loop, s.link, obd.QueueConfig{
		Deliver:  func(tx *obd.Transaction) { s.delivered = append(s.delivered, tx) },
		Fail:     func(err *device.Error) { s.failures = append(s.failures, err) },
		Observer: s.obs,
		Logger:   testutils.DiscardLogger(),
	})
}

func (s *QueueTestSuite) submit(cmds ...string) []*obd.Transaction {
	txs := make([]*obd.Transaction, len(cmds))
	for i, c := range cmds {
		txs[i] = obd.NewTransaction("AA", c)
		s.queue.Submit(txs[i])
		s.LessOrEqual(s.queue.InFlight(), 1, "at most one transaction MUST be in flight")
	}
	return txs
}

// respond completes the transaction in flight with body, split into chunks
// the way BLE notifications arrive.
func (s *QueueTestSuite) respond(cmd, body string) {
	full := cmd + "\r" + body + "\r\r>"
	for i := 0; i < len(full); i += 7 {
		end := min(i+7, len(full))
		s.queue.HandleValue([]byte(full[i:end]))
		s.LessOrEqual(s.queue.InFlight(), 1)
	}
}

func (s *QueueTestSuite) commands(txs []*obd.Transaction) []string {
	out := make([]string, len(txs))
	for i, tx := range txs {
		out[i] = tx.Command
	}
	return out
}

func (s *QueueTestSuite) TestDefaults() {
	s.Equal(10*time.Second, s.queue.Timeout(), "default timeout MUST be 10s")
}

func (s *QueueTestSuite) TestFIFOOneAtATime() {
	// GOAL: Transactions go out strictly in submission order, one at a time
	//
	// TEST SCENARIO: submit A, B, C → only A written → answer A → B written → ... → delivered A, B, C

	s.submit("ATI", "010C", "0105")
	s.Equal([]string{"ATI\r\n"}, s.link.writes, "only the first command MUST be written")
	s.Equal(1, s.queue.InFlight())
	s.Equal([]string{"010C", "0105"}, s.queue.Pending())
	s.True(s.link.notifying, "notifications MUST be on before the first write")

	s.respond("ATI", "ELM327 v1.5")
	s.Equal([]string{"ATI\r\n", "010C\r\n"}, s.link.writes)
	s.respond("010C", "41 0C 1A F8")
	s.respond("0105", "41 05 7B")

	s.Equal([]string{"ATI", "010C", "0105"}, s.commands(s.delivered), "delivery MUST be FIFO")
	s.Equal(0, s.queue.InFlight())
	s.Zero(s.queue.Len())
	s.Equal(0, s.loop.ActiveTimers(), "completed transactions MUST leave no timer behind")
	s.Equal(3, s.obs.sent)
	s.Equal(3, s.obs.completed)
	s.Equal([]bool{true}, s.link.notifies, "enabling notifications MUST be idempotent")

	rpm, ok := s.delivered[1].Value.(pid.Quantity)
	s.Require().True(ok)
	s.Equal(1726.0, rpm.Value)
	s.Equal([]string{"41 0C 1A F8"}, s.delivered[1].Lines)
	s.Equal(1, s.delivered[1].Attempts)
}

func (s *QueueTestSuite) TestAccumulatesUntilPrompt() {
	// GOAL: A response split across notifications is only complete at the prompt
	//
	// TEST SCENARIO: send → two chunks without prompt → nothing delivered → prompt chunk → delivered

	s.submit("0100")
	s.queue.HandleValue([]byte("0100\r41 00 BE"))
	s.queue.HandleValue([]byte(" 1F B8 13\r"))
	s.Empty(s.delivered, "MUST NOT deliver before the prompt")
	s.Equal(1, s.queue.InFlight())

	s.queue.HandleValue([]byte("\r>"))
	s.Require().Len(s.delivered, 1)
	sp, ok := s.delivered[0].Value.(pid.SupportedPIDs)
	s.Require().True(ok)
	s.True(sp.IsSupported(1))
	s.False(sp.IsSupported(2))
	s.Equal("0100\r41 00 BE 1F B8 13\r\r>", string(s.delivered[0].Raw()))
}

func (s *QueueTestSuite) TestWaitsForLink() {
	s.link.ready = false
	s.submit("ATZ")
	s.Empty(s.link.writes, "MUST NOT write while the link is down")
	s.Equal(0, s.queue.InFlight())

	s.link.ready = true
	s.queue.Pump()
	s.Equal([]string{"ATZ\r\n"}, s.link.writes)
}

func (s *QueueTestSuite) TestCutTheLineOnDisconnect() {
	// GOAL: A transaction interrupted by a disconnect is retried before anything submitted after it
	//
	// TEST SCENARIO: submit A, B, C → partial answer to A → disconnect → reconnect →
	// A resent with a clean buffer → responses → delivered A, B, C

	txs := s.submit("010C", "010D", "0105")
	s.queue.HandleValue([]byte("010C\r41 0C"))

	s.link.ready = false
	s.queue.Suspend()
	s.Equal(0, s.queue.InFlight())
	s.Equal([]string{"010C", "010D", "0105"}, s.queue.Pending(), "A MUST be back at the head of the line")
	s.Equal(0, s.loop.ActiveTimers(), "suspended transaction MUST NOT keep its timer")

	// The old deadline passing while disconnected must not report anything.
	s.loop.Advance(time.Minute)
	s.Empty(s.failures)

	s.link.ready = true
	s.queue.Pump()
	s.Equal("010C\r\n", s.link.writes[len(s.link.writes)-1], "A MUST be resent first")
	s.Equal(2, txs[0].Attempts)

	s.respond("010C", "41 0C 0F A0")
	s.respond("010D", "41 0D 32")
	s.respond("0105", "41 05 7B")

	s.Equal([]string{"010C", "010D", "0105"}, s.commands(s.delivered), "order MUST be A, B, C")
	s.Equal([]string{"41 0C 0F A0"}, s.delivered[0].Lines, "partial bytes from before the disconnect MUST be discarded")
}

func (s *QueueTestSuite) TestTimeoutFlushesQueue() {
	// GOAL: A missing prompt flushes the whole queue and is reported exactly once
	//
	// TEST SCENARIO: submit A, B, C → no answer → advance past timeout →
	// one commandTimeout carrying A, queue empty, notifications off, nothing delivered

	txs := s.submit("010C", "010D", "0105")
	s.queue.HandleValue([]byte("010C\r41"))

	s.loop.Advance(9 * time.Second)
	s.Empty(s.failures, "MUST NOT time out early")

	s.loop.Advance(time.Second)
	s.Require().Len(s.failures, 1, "timeout MUST be reported once")
	err := s.failures[0]
	s.True(errors.Is(err, device.ErrCommandTimeout))
	s.Equal(txs[0], err.Context, "error MUST carry the timed-out transaction")
	s.Equal(err, txs[0].Err)

	s.Equal(0, s.queue.InFlight())
	s.Zero(s.queue.Len(), "queued transactions MUST be flushed too")
	s.False(s.link.notifying, "notifications MUST be turned off")
	s.Empty(s.delivered)
	s.Equal(1, s.obs.failed)

	// Late bytes for the dead transaction go nowhere.
	s.queue.HandleValue([]byte(" 0C 1A F8\r\r>"))
	s.Empty(s.delivered)

	s.loop.Advance(time.Hour)
	s.Len(s.failures, 1, "no further reports MUST follow")

	// The queue is usable again.
	s.submit("ATZ")
	s.True(s.link.notifying)
	s.respond("ATZ", "ELM327 v1.5")
	s.Len(s.delivered, 1)
}

func (s *QueueTestSuite) TestCancelTimeoutIdempotent() {
	// GOAL: Cancelling a transaction's timer twice is a no-op the second time
	//
	// TEST SCENARIO: send → cancel → true; cancel again → false; advance → no report

	txs := s.submit("010C")
	s.True(txs[0].CancelTimeout(), "first cancel MUST stop the timer")
	s.False(txs[0].CancelTimeout(), "second cancel MUST be a no-op")

	s.loop.Advance(time.Minute)
	s.Empty(s.failures)

	s.respond("010C", "41 0C 1A F8")
	s.Len(s.delivered, 1)
	s.False(txs[0].CancelTimeout())
}

func (s *QueueTestSuite) TestInternalTransactions() {
	// GOAL: Transactions with their own handler bypass Deliver, and can be dropped in bulk
	//
	// TEST SCENARIO: internal ATZ in flight → consumer 010C and internal ATE1 queued →
	// DropInternal removes ATE1 only → ATZ completes to its handler

	var internal []string
	own := func(tx *obd.Transaction) { internal = append(internal, tx.Command) }

	s.queue.Submit(obd.NewTransaction("AA", "ATZ").OnComplete(own))
	s.queue.Submit(obd.NewTransaction("AA", "010C"))
	s.queue.SubmitFront(obd.NewTransaction("AA", "ATE1").OnComplete(own))
	s.Equal([]string{"ATE1", "010C"}, s.queue.Pending(), "SubmitFront MUST NOT preempt the wire")

	s.Equal(1, s.queue.DropInternal())
	s.Equal([]string{"010C"}, s.queue.Pending())

	s.respond("ATZ", "ELM327 v1.5")
	s.Equal([]string{"ATZ"}, internal)
	s.Empty(s.delivered)

	s.respond("010C", "41 0C 1A F8")
	s.Equal([]string{"010C"}, s.commands(s.delivered))
}

func (s *QueueTestSuite) TestInternalTimeoutReachesHandler() {
	var got *obd.Transaction
	s.queue.Submit(obd.NewTransaction("AA", "ATZ").OnComplete(func(tx *obd.Transaction) { got = tx }))
	s.loop.Advance(10 * time.Second)

	s.Require().NotNil(got)
	s.Equal(device.KindCommandTimeout, device.KindOf(got.Err))
	s.Len(s.failures, 1)
}

func (s *QueueTestSuite) TestFlush() {
	s.submit("010C", "010D")
	s.Equal(2, s.queue.Flush())
	s.Equal(0, s.queue.InFlight())
	s.Equal(0, s.loop.ActiveTimers())
	s.Nil(s.queue.Current())

	s.loop.Advance(time.Minute)
	s.Empty(s.failures, "flushed transactions MUST NOT time out")
}

func (s *QueueTestSuite) TestStrayBytesIgnored() {
	s.NotPanics(func() { s.queue.HandleValue([]byte("STOPPED\r>")) })
	s.Empty(s.delivered)
}

func TestQueueTestSuite(t *testing.T) {
	suite.Run(t, new(QueueTestSuite))
}
