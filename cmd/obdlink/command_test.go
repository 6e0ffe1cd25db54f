package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/obdble/internal/capture"
	"github.com/srg/obdble/internal/device"
	"github.com/srg/obdble/internal/platform"
	"github.com/srg/obdble/internal/platform/goble"
	"github.com/srg/obdble/internal/testutils"
)

// Test adapter addresses
const (
	TestAdapterAddress = "AA:BB:CC:00:00:01"
	TestOtherAddress   = "AA:BB:CC:00:00:09"
)

// syncBuffer is a bytes.Buffer safe for a command running on another goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite runs the real cobra commands against a FakeCentral that
// advertises every registered adapter as soon as a scan starts.
type CommandTestSuite struct {
	suite.Suite
	central      *testutils.FakeCentral
	originalOpen func(context.Context, goble.Options) (platform.Central, error)
	stderr       *syncBuffer
}

func (s *CommandTestSuite) SetupSuite() {
	s.originalOpen = openCentral
}

func (s *CommandTestSuite) TearDownSuite() {
	openCentral = s.originalOpen
}

func (s *CommandTestSuite) SetupTest() {
	s.central = testutils.NewFakeCentral()
	s.central.AdvertiseOnScan = true
	s.central.Responder = testutils.ELM327Responder("2.1", map[string]string{
		"010C": "41 0C 1A F8",
		"0105": "41 05 7B",
	})
	s.central.AddPeripheral(TestAdapterAddress, testutils.FFF0Profile("OBDII"))
	openCentral = func(context.Context, goble.Options) (platform.Central, error) {
		return s.central, nil
	}
	s.stderr = &syncBuffer{}

	// Reset flags to defaults
	scanDuration = 10 * time.Second
	scanFormat = ""
	queryAddress = ""
	queryWait = 30 * time.Second
	queryFormat = ""
	bridgeAddress = ""
	bridgeLink = ""
	bridgeWait = 30 * time.Second
	replaySession = ""
	replayDevice = ""
	replayFormat = "text"
	replaySessions = false
	for _, name := range []string{"log-level", "config", "capture"} {
		s.Require().NoError(rootCmd.PersistentFlags().Set(name, ""))
	}
	s.Require().NoError(rootCmd.PersistentFlags().Set("verbose", "false"))
}

// ExecuteCommand runs rootCmd with args and returns stdout and the error.
func (s *CommandTestSuite) ExecuteCommand(ctx context.Context, args ...string) (string, error) {
	out := &syncBuffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(s.stderr)
	rootCmd.SetArgs(args)
	// Subcommands keep the first context they were run with.
	for _, c := range rootCmd.Commands() {
		c.SetContext(ctx)
	}
	err := rootCmd.ExecuteContext(ctx)
	return out.String(), err
}

func (s *CommandTestSuite) TestScanJSON() {
	// GOAL: scan lists a handshaken adapter with its vendor and firmware
	//
	// TEST SCENARIO: one FFF0 adapter advertises → probed and handshaken → JSON listing shows it operational
	out, err := s.ExecuteCommand(context.Background(), "scan", "--duration", "300ms", "--format", "json")
	s.Require().NoError(err, "scan MUST succeed\nstderr: %s", s.stderr.String())

	testutils.NewJSONAsserter(s.T()).Assert(out, fmt.Sprintf(`[
		{
			"address": %q,
			"name": "OBDII",
			"rssi": -60,
			"obd": true,
			"state": "ready",
			"firmware": "2.1",
			"operational": true
		}
	]`, TestAdapterAddress))
}

func (s *CommandTestSuite) TestScanTableWithoutAdapters() {
	s.central = testutils.NewFakeCentral()

	out, err := s.ExecuteCommand(context.Background(), "scan", "-d", "100ms")
	s.Require().NoError(err)
	s.Equal("No adapters discovered\n", out)
}

func (s *CommandTestSuite) TestScanRejectsBadArguments() {
	_, err := s.ExecuteCommand(context.Background(), "scan", "-d", "0s")
	s.ErrorContains(err, "invalid duration")

	_, err = s.ExecuteCommand(context.Background(), "scan", "-d", "1s", "-f", "xml")
	s.ErrorContains(err, "output_format")
}

func (s *CommandTestSuite) TestScanBluetoothOff() {
	s.central.SetPower(platform.PowerOff)

	_, err := s.ExecuteCommand(context.Background(), "scan", "-d", "2s")
	s.Require().Error(err)
	var derr *device.Error
	s.Require().True(errors.As(err, &derr), "error MUST be a device error, got %v", err)
	s.Equal(device.KindBluetoothUnavailable, derr.Kind)
}

func (s *CommandTestSuite) TestQueryTable() {
	// GOAL: query sends commands in order and prints decoded values
	//
	// TEST SCENARIO: adapter ready → 010C and 0105 → one row each with value and raw line
	out, err := s.ExecuteCommand(context.Background(), "query", "010C", "0105", "-w", "5s")
	s.Require().NoError(err, "query MUST succeed\nstderr: %s", s.stderr.String())

	lines := strings.Split(strings.TrimSpace(out), "\n")
	s.Require().Len(lines, 2)
	s.Contains(lines[0], "010C")
	s.Contains(lines[0], "1726 rpm")
	s.Contains(lines[0], "41 0C 1A F8")
	s.Contains(lines[1], "0105")
	s.Contains(lines[1], "41 05 7B")

	writes := s.central.WrittenCommands()
	s.Require().GreaterOrEqual(len(writes), 2)
	s.Equal([]string{"010C", "0105"}, writes[len(writes)-2:], "commands MUST be written in submission order")
}

func (s *CommandTestSuite) TestQueryJSON() {
	out, err := s.ExecuteCommand(context.Background(), "query", "010C", "ATRV", "--format", "json", "-w", "5s")
	s.Require().NoError(err, "stderr: %s", s.stderr.String())

	testutils.NewJSONAsserter(s.T()).
		WithOptions(testutils.WithIgnoredFields("duration_ns")).
		Assert(out, `[
			{"command": "010C", "lines": ["41 0C 1A F8"], "value": "engine speed: 1726 rpm"},
			{"command": "ATRV", "lines": ["12.6V"]}
		]`)
}

func (s *CommandTestSuite) TestQueryUnknownAddressTimesOut() {
	_, err := s.ExecuteCommand(context.Background(), "query", "010C", "-a", TestOtherAddress, "-w", "300ms")
	s.ErrorIs(err, ErrNoAdapter)
	s.Contains(FormatUserError(err), "in range")
}

func (s *CommandTestSuite) TestQueryRequiresCommand() {
	_, err := s.ExecuteCommand(context.Background(), "query")
	s.Error(err)
}

func (s *CommandTestSuite) TestCaptureAndReplay() {
	// GOAL: --capture records query traffic that replay prints back
	//
	// TEST SCENARIO: query with --capture → replay text shows command and decoded value → replay json and --sessions agree
	path := filepath.Join(s.T().TempDir(), "trip.cbor")

	_, err := s.ExecuteCommand(context.Background(), "--capture", path, "query", "010C", "-w", "5s")
	s.Require().NoError(err, "stderr: %s", s.stderr.String())
	s.Require().NoError(rootCmd.PersistentFlags().Set("capture", ""))

	out, err := s.ExecuteCommand(context.Background(), "replay", path)
	s.Require().NoError(err)
	s.Contains(out, TestAdapterAddress+" > 010C")
	s.Contains(out, "< 41 0C 1A F8")
	s.Contains(out, "engine speed: 1726 rpm")
	s.Contains(out, "* ", "state changes MUST be captured")

	out, err = s.ExecuteCommand(context.Background(), "replay", path, "--sessions")
	s.Require().NoError(err)
	sessions := strings.Fields(out)
	s.Require().Len(sessions, 1)

	out, err = s.ExecuteCommand(context.Background(), "replay", path, "--session", sessions[0], "--device", TestOtherAddress, "-f", "json")
	s.Require().NoError(err)
	s.JSONEq("[]", out, "device filter MUST exclude other adapters")
}

func (s *CommandTestSuite) TestReplayErrors() {
	_, err := s.ExecuteCommand(context.Background(), "replay", filepath.Join(s.T().TempDir(), "missing.cbor"))
	s.Error(err)

	_, err = s.ExecuteCommand(context.Background(), "replay", "x.cbor", "-f", "yaml")
	s.ErrorContains(err, "invalid format")
}

func (s *CommandTestSuite) TestBridge() {
	// GOAL: the bridge command exposes the adapter on a PTY until interrupted
	//
	// TEST SCENARIO: bridge starts → "010C\r" written to the slave → raw reply read back → cancel exits cleanly
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	link := filepath.Join(s.T().TempDir(), "obd")

	out := &syncBuffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(s.stderr)
	rootCmd.SetArgs([]string{"bridge", "--link", link, "-w", "5s"})
	for _, c := range rootCmd.Commands() {
		c.SetContext(ctx)
	}
	done := make(chan error, 1)
	go func() { done <- rootCmd.ExecuteContext(ctx) }()

	var ttyName string
	ok := s.Eventually(func() bool {
		select {
		case err := <-done:
			done <- err
			return true
		default:
		}
		for _, line := range strings.Split(out.String(), "\n") {
			if name, found := strings.CutPrefix(line, "PTY: "); found {
				ttyName = name
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	s.Require().True(ok)
	if ttyName == "" {
		err := <-done
		s.T().Skipf("PTY not available: %v", err)
	}

	target, err := os.Readlink(link)
	s.Require().NoError(err)
	s.Equal(ttyName, target)

	tty, err := os.OpenFile(ttyName, os.O_RDWR, 0)
	s.Require().NoError(err)
	reply := &syncBuffer{}
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := tty.Read(buf)
			if n > 0 {
				_, _ = reply.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	_, err = tty.Write([]byte("010C\r"))
	s.Require().NoError(err)
	s.Eventually(func() bool {
		return reply.String() == "010C\r41 0C 1A F8\r\r>"
	}, 5*time.Second, 10*time.Millisecond, "slave MUST receive the raw adapter reply, got %q", reply.String())
	_ = tty.Close()

	cancel()
	select {
	case err := <-done:
		s.NoError(err, "interrupt MUST be a clean exit")
	case <-time.After(5 * time.Second):
		s.Fail("bridge did not exit after cancel")
	}
	_, err = os.Lstat(link)
	s.True(os.IsNotExist(err), "exit MUST remove the symlink")
}

func TestCommandTestSuite(t *testing.T) {
	suite.Run(t, new(CommandTestSuite))
}

func TestLoadConfig(t *testing.T) {
	newCmd := func() *cobra.Command {
		cmd := &cobra.Command{Use: "t"}
		cmd.Flags().String("log-level", "", "")
		cmd.Flags().BoolP("verbose", "V", false, "")
		cmd.Flags().StringP("config", "c", "", "")
		cmd.Flags().String("capture", "", "")
		return cmd
	}

	t.Run("quiet by default", func(t *testing.T) {
		cfg, logger, err := loadConfig(newCmd())
		require.NoError(t, err)
		assert.Equal(t, "error", cfg.LogLevel)
		assert.Equal(t, "error", logger.GetLevel().String())
	})

	t.Run("verbose", func(t *testing.T) {
		cmd := newCmd()
		require.NoError(t, cmd.Flags().Set("verbose", "true"))
		cfg, _, err := loadConfig(cmd)
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("log level wins over verbose", func(t *testing.T) {
		cmd := newCmd()
		require.NoError(t, cmd.Flags().Set("verbose", "true"))
		require.NoError(t, cmd.Flags().Set("log-level", "warn"))
		cfg, _, err := loadConfig(cmd)
		require.NoError(t, err)
		assert.Equal(t, "warn", cfg.LogLevel)
	})

	t.Run("invalid log level", func(t *testing.T) {
		cmd := newCmd()
		require.NoError(t, cmd.Flags().Set("log-level", "loud"))
		_, _, err := loadConfig(cmd)
		assert.ErrorContains(t, err, "invalid log level")
	})

	t.Run("config file and capture override", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "obdlink.yaml")
		require.NoError(t, os.WriteFile(path, []byte("log_level: info\noutput_format: json\ncapture_path: a.cbor\n"), 0o600))
		cmd := newCmd()
		require.NoError(t, cmd.Flags().Set("config", path))
		require.NoError(t, cmd.Flags().Set("capture", "b.cbor"))
		cfg, _, err := loadConfig(cmd)
		require.NoError(t, err)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, "json", cfg.OutputFormat)
		assert.Equal(t, "b.cbor", cfg.CapturePath)
	})

	t.Run("bad config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "obdlink.yaml")
		require.NoError(t, os.WriteFile(path, []byte("rssi: 1\n"), 0o600))
		cmd := newCmd()
		require.NoError(t, cmd.Flags().Set("config", path))
		_, _, err := loadConfig(cmd)
		assert.Error(t, err)
	})
}

func TestFormatUserError(t *testing.T) {
	id := platform.PeripheralID(TestAdapterAddress)
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"plain", errors.New("boom"), "boom"},
		{"no adapter", fmt.Errorf("wait: %w", ErrNoAdapter), "in range"},
		{"bluetooth", device.NewError(device.KindBluetoothUnavailable, "", errors.New("off")), "turn the radio on"},
		{"firmware", device.NewError(device.KindUnsupportedFirmware, id, errors.New("1.4")), "too old"},
		{"timeout", device.NewError(device.KindCommandTimeout, id, errors.New("010C")), "did not answer"},
		{"connect", device.NewError(device.KindConnectionFailed, id, errors.New("refused")), TestAdapterAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, FormatUserError(tt.err), tt.contains)
		})
	}
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}

func TestWriteResults(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeResults(&buf, []queryResult{
		{Command: "010C", Lines: []string{"41 0C 1A F8"}, Value: "engine speed: 1726 rpm"},
		{Command: "ATRV", Lines: []string{"12.6V"}},
		{Command: "0105", Error: "flushed"},
	}))

	testutils.NewTextAsserter(t).Assert(buf.String(), `010C  engine speed: 1726 rpm  41 0C 1A F8
ATRV  12.6V
0105  flushed
`)
}

func TestCaptureSessionsHelper(t *testing.T) {
	events := []capture.Event{{Session: "a"}, {Session: "b"}, {Session: "a"}}
	assert.Equal(t, []string{"a", "b"}, capture.Sessions(events))
}
