package capture_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/obdble/internal/capture"
	"github.com/srg/obdble/internal/device"
	"github.com/srg/obdble/internal/obd"
	"github.com/srg/obdble/internal/testutils"
)

type link struct{}

func (link) Ready() bool    { return true }
func (link) SetNotify(bool) {}
func (link) Write([]byte)   {}

type RecorderTestSuite struct {
	suite.Suite
	buf   *bytes.Buffer
	rec   *capture.Recorder
	loop  *testutils.ManualQueue
	queue *obd.Queue
}

func (s *RecorderTestSuite) SetupTest() {
	s.buf = &bytes.Buffer{}
	rec, err := capture.NewRecorder(s.buf, capture.Options{Logger: testutils.DiscardLogger()})
	s.Require().NoError(err)
	s.rec = rec
	s.Require().NoError(s.rec.Start(context.Background()))

	s.loop = testutils.NewManualQueue()
	s.queue = obd.NewQueue("AA", s.loop, link{}, obd.QueueConfig{
		Deliver:  func(*obd.Transaction) {},
		Fail:     s.rec.Error,
		Observer: s.rec,
		Logger:   testutils.DiscardLogger(),
	})
}

func (s *RecorderTestSuite) events() []capture.Event {
	s.Require().NoError(s.rec.Stop())
	events, err := capture.NewReader(bytes.NewReader(s.buf.Bytes()), capture.Filter{}).All()
	s.Require().NoError(err)
	return events
}

func kinds(events []capture.Event) []capture.Kind {
	out := make([]capture.Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func (s *RecorderTestSuite) TestTransactionLifecycle() {
	// GOAL: Every step of a transaction is captured in order with its payload
	//
	// TEST SCENARIO: 010C answered → A sent/completed; 010D silent → sent/failed + timeout error
	s.queue.Submit(obd.NewTransaction("AA", "010C"))
	s.queue.HandleValue([]byte("010C\r41 0C 1A F8\r\r>"))
	s.queue.Submit(obd.NewTransaction("AA", "010D"))
	s.loop.Advance(10 * time.Second)

	events := s.events()
	s.Equal([]capture.Kind{
		capture.KindSent, capture.KindCompleted,
		capture.KindSent, capture.KindFailed, capture.KindError,
	}, kinds(events))

	for _, e := range events {
		s.Equal(s.rec.Session(), e.Session, "every event MUST carry the session id")
		s.Equal("AA", e.Device)
		s.False(e.Timestamp.IsZero())
	}

	done := events[1]
	s.Equal("010C", done.Command)
	s.Equal([]string{"41 0C 1A F8"}, done.Lines)
	s.Equal([]byte("010C\r41 0C 1A F8\r\r>"), done.Raw)
	s.Equal("engine speed: 1726 rpm", done.Value)
	s.Equal(events[0].TxID, done.TxID)

	s.Equal("commandTimeout", events[3].ErrorKind)
	s.Equal("010D", events[3].Command)

	m := s.rec.Metrics()
	s.EqualValues(5, m.Recorded)
	s.EqualValues(5, m.Written)
	s.Zero(m.Errors)
}

func (s *RecorderTestSuite) TestRetryAfterDisconnect() {
	s.queue.Submit(obd.NewTransaction("AA", "0100"))
	s.queue.Suspend()
	s.queue.Pump()

	events := s.events()
	s.Require().Len(events, 2)
	s.False(events[0].Retry())
	s.True(events[1].Retry(), "a resend MUST be visible as a retry")
	s.Contains(events[1].Format(), "(retry 1)")
}

func (s *RecorderTestSuite) TestStateAndErrors() {
	s.rec.DeviceStateChanged("AA", device.StateConnecting, device.StateDiscoveringServices)
	s.rec.Error(device.NewError(device.KindBluetoothUnavailable, "", errors.New("radio is powered_off")))

	events := s.events()
	s.Require().Len(events, 2)
	s.Equal("connecting", events[0].From)
	s.Equal("discoveringServices", events[0].To)
	s.Equal("bluetoothUnavailable", events[1].ErrorKind)
	s.Empty(events[1].Device)
}

func (s *RecorderTestSuite) TestLifecycle() {
	s.ErrorIs(s.rec.Start(context.Background()), capture.ErrRunning)
	s.NoError(s.rec.Stop())
	s.NoError(s.rec.Stop(), "Stop MUST be idempotent")

	s.rec.Record(capture.Event{Kind: capture.KindState})
	s.Zero(s.rec.Metrics().Recorded, "events after Stop MUST be ignored")

	s.NoError(s.rec.Start(context.Background()), "a stopped recorder MUST restart")
	s.rec.Record(capture.Event{Kind: capture.KindState, Device: "BB"})
	s.Len(s.events(), 1)
}

func TestRecorderTestSuite(t *testing.T) {
	suite.Run(t, new(RecorderTestSuite))
}

func TestBufferLimit(t *testing.T) {
	_, err := capture.NewRecorder(io.Discard, capture.Options{BufferSize: capture.MaxBufferSize + 1})
	assert.Error(t, err)
}

func TestFileRoundTripAndFilter(t *testing.T) {
	// GOAL: Captures appended to one file stay separable by session and device
	//
	// TEST SCENARIO: two sessions appended → read all → two sessions; filter by device and kind
	path := filepath.Join(t.TempDir(), "trip.cbor")
	ctx := context.Background()

	first, err := capture.Create(ctx, path, capture.Options{Logger: testutils.DiscardLogger()})
	require.NoError(t, err)
	first.DeviceStateChanged("AA", device.StateUninitialized, device.StateConnecting)
	first.Error(device.NewError(device.KindNotReady, "AA", errors.New("handshake not complete")))
	require.NoError(t, first.Close())

	second, err := capture.Create(ctx, path, capture.Options{Logger: testutils.DiscardLogger()})
	require.NoError(t, err)
	second.DeviceStateChanged("BB", device.StateUninitialized, device.StateConnecting)
	require.NoError(t, second.Close())

	r, err := capture.Open(path, capture.Filter{})
	require.NoError(t, err)
	all, err := r.All()
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Len(t, all, 3)
	assert.Equal(t, []string{first.Session(), second.Session()}, capture.Sessions(all))

	r, err = capture.Open(path, capture.Filter{Device: "AA", Kinds: []capture.Kind{capture.KindError}})
	require.NoError(t, err)
	defer r.Close()
	e, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "notReady", e.ErrorKind)
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)

	_, err = capture.Open(filepath.Join(t.TempDir(), "missing.cbor"), capture.Filter{})
	assert.Error(t, err)
}

func TestCorruptStream(t *testing.T) {
	_, err := capture.NewReader(strings.NewReader("\xff\xff\xff"), capture.Filter{}).Next()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestEventCodec(t *testing.T) {
	in := capture.Event{
		Timestamp: time.Date(2024, 3, 1, 10, 0, 0, 123456789, time.UTC),
		Session:   "s",
		Kind:      capture.KindCompleted,
		Device:    "AA",
		Command:   "0105",
		Lines:     []string{"41 05 7B"},
		Duration:  42 * time.Millisecond,
	}
	data, err := capture.EncodeEvent(in)
	require.NoError(t, err)
	out, err := capture.DecodeEvent(data)
	require.NoError(t, err)
	assert.True(t, in.Timestamp.Equal(out.Timestamp), "timestamps MUST keep nanoseconds")
	assert.Equal(t, in.Lines, out.Lines)
	assert.Equal(t, in.Duration, out.Duration)
}

func TestTranscript(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	events := []capture.Event{
		{Timestamp: ts, Kind: capture.KindState, Device: "AA", From: "ready", To: "disconnected"},
		{Timestamp: ts, Kind: capture.KindSent, Device: "AA", Command: "010C", Attempt: 1},
		{Timestamp: ts, Kind: capture.KindCompleted, Device: "AA", Lines: []string{"41 0C 1A F8"}, Duration: 85 * time.Millisecond, Value: "engine speed: 1726 rpm"},
		{Timestamp: ts, Kind: capture.KindCompleted, Device: "AA"},
		{Timestamp: ts, Kind: capture.KindFailed, Device: "AA", Command: "010D", Error: "commandTimeout"},
		{Timestamp: ts, Kind: capture.KindError, ErrorKind: "bluetoothUnavailable", Error: "radio is powered_off"},
	}

	var out bytes.Buffer
	require.NoError(t, capture.WriteTranscript(&out, events))

	testutils.NewTextAsserter(t).Assert(out.String(), `
10:00:00.000 AA * ready -> disconnected
10:00:00.000 AA > 010C
10:00:00.000 AA < 41 0C 1A F8 [85ms] engine speed: 1726 rpm
10:00:00.000 AA < (empty) [0s]
10:00:00.000 AA ! 010D: commandTimeout
10:00:00.000 - ! bluetoothUnavailable: radio is powered_off
`)
}
