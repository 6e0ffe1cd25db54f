// Package bridge exposes a ready OBD adapter as a pseudo-terminal, so serial
// ELM327 tools can talk to a BLE adapter as if it were on a serial port.
//
// Each carriage-return terminated line typed on the terminal is submitted as
// one transaction; the adapter's raw response, prompt included, is written
// back. An empty line repeats the previous command, like a real ELM327.
package bridge

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/obdble/internal/device"
	"github.com/srg/obdble/internal/obd"
	"github.com/srg/obdble/internal/platform"
)

// ErrorReply is written back for a command that failed without a response.
const ErrorReply = "?\r\r>"

// Submitter queues commands for a device. driver.Driver implements it.
type Submitter interface {
	Submit(id platform.PeripheralID, command string) *obd.Transaction
}

// Options configures a Bridge. Zero fields take their defaults.
type Options struct {
	ReadBufferSize  int           `default:"1024"`
	WriteBufferSize int           `default:"4096"`
	PollTimeout     time.Duration `default:"50ms"`
	// SymlinkPath, when set, gets a symlink to the slave device.
	SymlinkPath string
	Logger      *logrus.Logger
}

// Bridge relays between a PTY and one device. Results must be fed in through
// TransactionCompleted and Error; both are safe from any goroutine.
type Bridge struct {
	id      platform.PeripheralID
	drv     Submitter
	pty     PTY
	symlink string
	logger  *logrus.Logger

	mu      sync.Mutex
	line    []byte
	last    string
	pending map[string]*obd.Transaction
	closed  bool
}

// Open creates a PTY for the device.
func Open(drv Submitter, id platform.PeripheralID, opts Options) (*Bridge, error) {
	defaults.SetDefaults(&opts)
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	p, err := openPTY(opts.ReadBufferSize, opts.WriteBufferSize, opts.PollTimeout, opts.Logger)
	if err != nil {
		return nil, err
	}

	b := newBridge(drv, id, p, opts.Logger)
	if opts.SymlinkPath != "" {
		if err := os.Symlink(p.TTYName(), opts.SymlinkPath); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("failed to create tty symlink %s -> %s: %w", opts.SymlinkPath, p.TTYName(), err)
		}
		b.symlink = opts.SymlinkPath
	}
	b.logger.WithFields(logrus.Fields{
		"device":  id,
		"tty":     p.TTYName(),
		"symlink": b.symlink,
	}).Info("Bridge ready")
	return b, nil
}

func newBridge(drv Submitter, id platform.PeripheralID, p PTY, logger *logrus.Logger) *Bridge {
	b := &Bridge{
		id:      id,
		drv:     drv,
		pty:     p,
		logger:  logger,
		pending: make(map[string]*obd.Transaction),
	}
	p.SetReadCallback(b.handleInput)
	return b
}

// TTYName is the path serial tools should open.
func (b *Bridge) TTYName() string { return b.pty.TTYName() }

// Symlink is the symlink path, or empty.
func (b *Bridge) Symlink() string { return b.symlink }

// Stats reports the PTY byte counters.
func (b *Bridge) Stats() Stats { return b.pty.Stats() }

// Pending counts submitted commands still waiting for a result.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bridge) handleInput(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, c := range data {
		switch c {
		case '\r':
			b.submitLine()
		case '\n':
		default:
			b.line = append(b.line, c)
		}
	}
}

// submitLine runs with mu held.
func (b *Bridge) submitLine() {
	cmd := strings.TrimSpace(string(b.line))
	b.line = b.line[:0]
	if cmd == "" {
		if b.last == "" {
			b.write(">")
			return
		}
		cmd = b.last
	}
	b.last = cmd

	tx := b.drv.Submit(b.id, cmd)
	b.pending[tx.ID] = tx
	b.logger.WithFields(logrus.Fields{
		"device":  b.id,
		"command": cmd,
		"tx":      tx.Seq,
	}).Debug("Bridge submitted command")
}

// TransactionCompleted writes the raw response of a bridge transaction and
// reports whether tx was one.
func (b *Bridge) TransactionCompleted(tx *obd.Transaction) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[tx.ID]; !ok {
		return false
	}
	delete(b.pending, tx.ID)
	raw := tx.Raw()
	if len(raw) == 0 {
		b.write(ErrorReply)
		return true
	}
	b.write(string(raw))
	return true
}

// Error answers a failed bridge transaction with ErrorReply and reports
// whether err concerned the bridge. A timeout flushes the device's queue, so
// every outstanding command is answered.
func (b *Bridge) Error(err *device.Error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, ok := err.Context.(*obd.Transaction)
	if !ok || err.Device != b.id {
		return false
	}
	if _, mine := b.pending[tx.ID]; !mine {
		if err.Kind == device.KindCommandTimeout {
			b.failAll(err)
		}
		return false
	}
	if err.Kind == device.KindCommandTimeout {
		b.failAll(err)
		return true
	}
	delete(b.pending, tx.ID)
	b.logger.WithError(err).WithField("command", tx.Command).Debug("Bridge command failed")
	b.write(ErrorReply)
	return true
}

// failAll runs with mu held.
func (b *Bridge) failAll(err error) {
	for id := range b.pending {
		delete(b.pending, id)
		b.write(ErrorReply)
	}
	if err != nil {
		b.logger.WithError(err).Debug("Bridge commands flushed")
	}
}

// write runs with mu held.
func (b *Bridge) write(s string) {
	if b.closed {
		return
	}
	if _, err := b.pty.Write([]byte(s)); err != nil {
		b.logger.WithError(err).Warn("Bridge write failed")
	}
}

// Close removes the symlink and closes the PTY.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.pty.SetReadCallback(nil)
	var errs []error
	if b.symlink != "" {
		if err := os.Remove(b.symlink); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove tty symlink: %w", err))
		}
	}
	if err := b.pty.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY: %w", err))
	}
	return errors.Join(errs...)
}
