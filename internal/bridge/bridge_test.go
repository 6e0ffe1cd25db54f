package bridge

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/obdble/internal/device"
	"github.com/srg/obdble/internal/driver"
	"github.com/srg/obdble/internal/obd"
	"github.com/srg/obdble/internal/platform"
	"github.com/srg/obdble/internal/scanner"
	"github.com/srg/obdble/internal/testutils"
)

const adapter platform.PeripheralID = "AA:BB:CC:00:00:02"

// fakePTY stands in for the terminal: type feeds the read callback, out
// collects what the bridge wrote back.
type fakePTY struct {
	mu     sync.Mutex
	out    strings.Builder
	cb     ReadCallback
	closed bool
}

func (f *fakePTY) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	f.out.Write(p)
	return len(p), nil
}

func (f *fakePTY) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePTY) TTYName() string                 { return "/dev/pts/fake" }
func (f *fakePTY) SetReadCallback(cb ReadCallback) { f.cb = cb }
func (f *fakePTY) Stats() Stats                    { return Stats{} }

func (f *fakePTY) typed(s string) { f.cb([]byte(s)) }

func (f *fakePTY) output() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.String()
}

// relay forwards driver results to the bridge, as the CLI does.
type relay struct {
	bridge *Bridge
	errors []*device.Error
}

func (r *relay) TransactionCompleted(tx *obd.Transaction) { r.bridge.TransactionCompleted(tx) }
func (r *relay) Error(err *device.Error) {
	r.errors = append(r.errors, err)
	r.bridge.Error(err)
}

type BridgeTestSuite struct {
	suite.Suite
	loop    *testutils.ManualQueue
	central *testutils.FakeCentral
	drv     *driver.Driver
	term    *fakePTY
	bridge  *Bridge
	relay   *relay
}

func (s *BridgeTestSuite) SetupTest() {
	s.loop = testutils.NewManualQueue()
	s.central = testutils.NewFakeCentral()
	s.central.Responder = testutils.ELM327Responder("2.1", map[string]string{
		"010C": "41 0C 1A F8",
		"0105": "41 05 7B",
	})
	s.relay = &relay{}

	drv, err := driver.New(s.loop, scanner.BLE{Central: s.central}, nil, s.relay,
		driver.Config{Logger: testutils.DiscardLogger()})
	s.Require().NoError(err)
	s.drv = drv

	s.term = &fakePTY{}
	s.bridge = newBridge(s.drv, adapter, s.term, testutils.DiscardLogger())
	s.relay.bridge = s.bridge
}

func (s *BridgeTestSuite) operational() {
	s.central.AddPeripheral(adapter, testutils.FFF0Profile("OBDII"))
	s.drv.SetScanning(true)
	s.loop.Drain()
	s.central.Advertise(adapter)
	s.loop.Drain()
	info, ok := s.drv.Device(adapter)
	s.Require().True(ok)
	s.Require().True(info.Operational, "adapter MUST be operational before bridging")
}

func (s *BridgeTestSuite) TestCommandRoundTrip() {
	// GOAL: A line typed on the terminal reaches the adapter and the raw reply comes back
	//
	// TEST SCENARIO: "010C\r" typed → written to adapter → echo, data and prompt on the terminal
	s.operational()

	s.term.typed("01")
	s.term.typed("0C\r\n")
	s.loop.Drain()

	s.Equal("010C\r41 0C 1A F8\r\r>", s.term.output())
	s.Equal(0, s.bridge.Pending())
	s.Contains(s.central.WrittenCommands(), "010C")
}

func (s *BridgeTestSuite) TestEmptyLineRepeatsLastCommand() {
	s.operational()

	s.term.typed("0105\r")
	s.loop.Drain()
	s.term.typed("\r")
	s.loop.Drain()

	s.Equal(strings.Repeat("0105\r41 05 7B\r\r>", 2), s.term.output())
}

func (s *BridgeTestSuite) TestEmptyLineWithoutHistoryPrompts() {
	s.term.typed("\r")
	s.Equal(">", s.term.output())
	s.Equal(0, s.bridge.Pending())
}

func (s *BridgeTestSuite) TestNotReadyIsAnsweredWithError() {
	// GOAL: A command for an adapter that is not ready still gets a prompt back
	//
	// TEST SCENARIO: no device discovered → "010C\r" → notReady → "?" reply
	s.term.typed("010C\r")
	s.loop.Drain()

	s.Equal(ErrorReply, s.term.output())
	s.Require().Len(s.relay.errors, 1)
	s.Equal(device.KindNotReady, s.relay.errors[0].Kind)
	s.Equal(0, s.bridge.Pending())
}

func (s *BridgeTestSuite) TestTimeoutAnswersEveryOutstandingCommand() {
	s.operational()
	s.central.Responder = func(platform.PeripheralID, string) []string { return nil }

	s.term.typed("010C\r0105\r")
	s.loop.Drain()
	s.Equal(2, s.bridge.Pending())

	s.loop.Advance(15 * time.Second)
	s.Equal(strings.Repeat(ErrorReply, 2), s.term.output(), "a flushed queue MUST answer every bridge command")
	s.Equal(0, s.bridge.Pending())
}

func (s *BridgeTestSuite) TestForeignResultsIgnored() {
	s.operational()

	tx := s.drv.Submit(adapter, "010C")
	s.loop.Drain()

	s.False(s.bridge.TransactionCompleted(tx))
	s.False(s.bridge.Error(device.NewError(device.KindNotReady, adapter, errors.New("other"))))
	s.Equal("", s.term.output())
}

func (s *BridgeTestSuite) TestClose() {
	s.NoError(s.bridge.Close())
	s.NoError(s.bridge.Close(), "Close MUST be idempotent")
	s.True(s.term.closed)
	s.Nil(s.term.cb, "Close MUST detach the read callback")
}

func TestBridgeTestSuite(t *testing.T) {
	suite.Run(t, new(BridgeTestSuite))
}

type stubSubmitter struct {
	mu       sync.Mutex
	commands []string
}

func (s *stubSubmitter) Submit(id platform.PeripheralID, command string) *obd.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, command)
	return obd.NewTransaction(id, command)
}

func (s *stubSubmitter) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func TestOpenRealPTY(t *testing.T) {
	// GOAL: A serial tool opening the slave device reaches the bridge
	//
	// TEST SCENARIO: open PTY with symlink → write "ATZ\r" to slave → command submitted → Close removes symlink
	link := filepath.Join(t.TempDir(), "obd")
	sub := &stubSubmitter{}
	b, err := Open(sub, adapter, Options{SymlinkPath: link, Logger: testutils.DiscardLogger()})
	if err != nil {
		t.Skipf("PTY not available: %v", err)
	}

	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, b.TTYName(), target)
	assert.Equal(t, link, b.Symlink())

	tty, err := os.OpenFile(b.TTYName(), os.O_RDWR, 0)
	require.NoError(t, err)
	defer tty.Close()
	_, err = tty.Write([]byte("ATZ\r"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(sub.seen()) == 1
	}, 2*time.Second, 10*time.Millisecond, "typed command MUST be submitted")
	assert.Equal(t, []string{"ATZ"}, sub.seen())
	assert.EqualValues(t, 4, b.Stats().ReadBytes)

	require.NoError(t, b.Close())
	_, err = os.Lstat(link)
	assert.True(t, os.IsNotExist(err), "Close MUST remove the symlink")
}
