package elm327

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/srg/obdble/internal/device"
	"github.com/srg/obdble/internal/obd"
	"github.com/srg/obdble/internal/platform"
)

// Policy decides what happens to a handshaken adapter after a reconnect.
type Policy string

const (
	// PolicyResume keeps the adapter operational across reconnects.
	PolicyResume Policy = "resume"
	// PolicyRehandshake repeats the handshake after every reconnect.
	PolicyRehandshake Policy = "rehandshake"
)

// ParsePolicy accepts "resume" and "rehandshake". Empty means resume.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyResume:
		return PolicyResume, nil
	case PolicyRehandshake:
		return PolicyRehandshake, nil
	}
	return "", fmt.Errorf("unknown reconnect policy %q", s)
}

// Submitter is the part of obd.Queue the handshake needs.
type Submitter interface {
	SubmitFront(tx *obd.Transaction)
}

// Phase is the progress of a handshake.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseReset
	PhaseEcho
	PhaseDone
	PhaseRejected
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseReset:
		return "reset"
	case PhaseEcho:
		return "echo"
	case PhaseDone:
		return "done"
	case PhaseRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Outcome receives the result of a handshake.
type Outcome interface {
	// Operational fires once the adapter accepted both steps.
	Operational(version string)
	// Rejected fires when the firmware is too old or unidentifiable. The
	// adapter must not be used again this session.
	Rejected(err *device.Error)
	// Aborted fires when a step timed out or got an unusable reply. The
	// handshake can be restarted.
	Aborted(err error)
}

// Handshake resets the adapter (ATZ), checks the firmware version it
// reports, then enables echo (ATE1). Both commands cut the line so they run
// before anything already queued.
type Handshake struct {
	id         platform.PeripheralID
	queue      Submitter
	minVersion string
	outcome    Outcome
	logger     *logrus.Logger

	phase   Phase
	version string
	// generation invalidates completions of a handshake that was restarted.
	generation int
}

// NewHandshake creates an idle handshake. An empty minVersion selects
// DefaultMinVersion.
func NewHandshake(id platform.PeripheralID, queue Submitter, minVersion string, outcome Outcome, logger *logrus.Logger) *Handshake {
	if logger == nil {
		logger = logrus.New()
	}
	if minVersion == "" {
		minVersion = DefaultMinVersion
	}
	return &Handshake{
		id:         id,
		queue:      queue,
		minVersion: minVersion,
		outcome:    outcome,
		logger:     logger,
	}
}

func (h *Handshake) Phase() Phase       { return h.phase }
func (h *Handshake) Version() string    { return h.version }
func (h *Handshake) Operational() bool  { return h.phase == PhaseDone }
func (h *Handshake) Running() bool      { return h.phase == PhaseReset || h.phase == PhaseEcho }
func (h *Handshake) MinVersion() string { return h.minVersion }

// Start begins the handshake. It does nothing while one is running or after
// a rejection.
func (h *Handshake) Start() {
	if h.Running() || h.phase == PhaseRejected {
		return
	}
	h.generation++
	h.phase = PhaseReset
	h.log().Debug("Handshake started")
	h.submit(Reset, h.handleReset)
}

// Reset returns an operational or aborted handshake to idle so Start runs it
// again. Commands already queued for the old run are ignored when they
// complete.
func (h *Handshake) Reset() {
	if h.phase == PhaseRejected {
		return
	}
	h.generation++
	h.phase = PhaseIdle
}

func (h *Handshake) submit(cmd string, next func(*obd.Transaction)) {
	gen := h.generation
	tx := obd.NewTransaction(h.id, cmd).OnComplete(func(tx *obd.Transaction) {
		if gen != h.generation {
			h.log().WithField("command", tx.Command).Debug("Ignoring stale handshake reply")
			return
		}
		next(tx)
	})
	h.queue.SubmitFront(tx)
}

func (h *Handshake) handleReset(tx *obd.Transaction) {
	if tx.Err != nil {
		h.abort(tx.Err)
		return
	}

	// An adapter that can't say which firmware it runs is treated like one
	// running firmware that is too old.
	version, err := ParseVersion(tx.Lines)
	if err != nil {
		h.reject(tx.Response(), err)
		return
	}
	h.version = version

	if CompareVersions(version, h.minVersion) < 0 {
		h.reject(version, fmt.Errorf("firmware %s is older than %s", version, h.minVersion))
		return
	}

	h.phase = PhaseEcho
	h.log().WithField("version", version).Debug("Adapter firmware accepted")
	h.submit(Echo(true), h.handleEcho)
}

func (h *Handshake) handleEcho(tx *obd.Transaction) {
	if tx.Err != nil {
		h.abort(tx.Err)
		return
	}
	for _, l := range tx.Lines {
		if strings.Contains(strings.ToUpper(l), "OK") {
			h.phase = PhaseDone
			h.log().WithField("version", h.version).Info("Adapter operational")
			h.outcome.Operational(h.version)
			return
		}
	}
	derr := device.NewError(device.KindMalformedResponse, h.id,
		fmt.Errorf("%s answered %q", tx.Command, tx.Response()))
	derr.Context = tx
	h.abort(derr)
}

func (h *Handshake) reject(reported string, cause error) {
	h.phase = PhaseRejected
	derr := device.NewError(device.KindUnsupportedFirmware, h.id, cause)
	derr.Context = reported
	h.log().WithField("reported", reported).Warn("Adapter firmware rejected")
	h.outcome.Rejected(derr)
}

func (h *Handshake) abort(err error) {
	h.phase = PhaseIdle
	h.log().WithError(err).Warn("Handshake aborted")
	h.outcome.Aborted(err)
}

func (h *Handshake) log() *logrus.Entry {
	return h.logger.WithFields(logrus.Fields{
		"device": h.id,
		"phase":  h.phase,
	})
}
