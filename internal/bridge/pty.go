package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/obdble/internal/groutine"
)

// ReadCallback receives bytes written by the program on the slave side. It
// runs on a background goroutine and must not retain data.
type ReadCallback func(data []byte)

// PTY is the master side of a pseudo-terminal.
type PTY interface {
	io.WriteCloser
	// TTYName is the slave path, e.g. /dev/pts/5.
	TTYName() string
	// SetReadCallback installs cb, or removes it when nil.
	SetReadCallback(cb ReadCallback)
	Stats() Stats
}

// Stats are cumulative byte counters.
type Stats struct {
	ReadBytes    uint64
	WriteBytes   uint64
	DroppedRead  uint64
	DroppedWrite uint64
}

// ringPTY moves bytes between the master fd and two ring buffers so neither
// Write nor the read callback ever blocks on the terminal. When a ring is full
// the excess is dropped and counted.
type ringPTY struct {
	master, slave *os.File
	name          string
	logger        *logrus.Logger
	pollMs        int

	in  *ringbuffer.RingBuffer
	out *ringbuffer.RingBuffer

	cb     atomic.Value
	notify chan struct{}
	flush  chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	readBytes, writeBytes     atomic.Uint64
	droppedRead, droppedWrite atomic.Uint64
}

func openPTY(readCap, writeCap int, poll time.Duration, logger *logrus.Logger) (*ringPTY, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to create PTY: %w", err)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, fmt.Errorf("failed to set %s to raw mode: %w", slave.Name(), err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, fmt.Errorf("failed to set PTY master non-blocking: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ringPTY{
		master: master,
		slave:  slave,
		name:   slave.Name(),
		logger: logger,
		pollMs: int(poll / time.Millisecond),
		in:     ringbuffer.New(readCap),
		out:    ringbuffer.New(writeCap),
		notify: make(chan struct{}, 1),
		flush:  make(chan struct{}, 1),
		cancel: cancel,
	}
	if p.pollMs <= 0 {
		p.pollMs = 50
	}

	p.wg.Add(3)
	groutine.GoLogged(ctx, logger, "pty-read-loop", p.readLoop)
	groutine.GoLogged(ctx, logger, "pty-write-loop", p.writeLoop)
	groutine.GoLogged(ctx, logger, "pty-dispatcher", p.dispatch)
	return p, nil
}

func (p *ringPTY) TTYName() string { return p.name }

// Write queues data for the slave. It returns the number of bytes accepted;
// fewer than len(data) means the ring was full.
func (p *ringPTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	n, err := p.out.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return n, err
	}
	if n < len(data) {
		p.droppedWrite.Add(uint64(len(data) - n))
		p.logger.WithFields(logrus.Fields{
			"tty":     p.name,
			"dropped": len(data) - n,
		}).Warn("PTY write buffer overflow")
	}
	select {
	case p.flush <- struct{}{}:
	default:
	}
	return n, nil
}

func (p *ringPTY) SetReadCallback(cb ReadCallback) {
	if p.closed.Load() {
		return
	}
	p.cb.Store(cb)
	p.wake()
}

func (p *ringPTY) Stats() Stats {
	return Stats{
		ReadBytes:    p.readBytes.Load(),
		WriteBytes:   p.writeBytes.Load(),
		DroppedRead:  p.droppedRead.Load(),
		DroppedWrite: p.droppedWrite.Load(),
	}
}

// Close stops the loops and closes both ends.
func (p *ringPTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	err := errors.Join(p.master.Close(), p.slave.Close())

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Duration(p.pollMs)*time.Millisecond*3 + time.Second):
		p.logger.WithField("tty", p.name).Warn("PTY loops did not exit in time")
	}
	return err
}

func (p *ringPTY) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *ringPTY) readLoop(ctx context.Context) {
	defer p.wg.Done()
	fds := []unix.PollFd{{Fd: int32(p.master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for ctx.Err() == nil {
		ready, err := unix.Poll(fds, p.pollMs)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithError(err).Debug("PTY read poll failed")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := p.master.Read(buf)
		if n > 0 {
			written, _ := p.in.Write(buf[:n])
			if written < n {
				p.droppedRead.Add(uint64(n - written))
			}
			p.readBytes.Add(uint64(written))
			p.wake()
		}
		switch {
		case err == nil, errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed), errors.Is(err, io.EOF):
			return
		default:
			p.logger.WithError(err).Warn("PTY read loop exiting")
			return
		}
	}
}

func (p *ringPTY) writeLoop(ctx context.Context) {
	defer p.wg.Done()
	fds := []unix.PollFd{{Fd: int32(p.master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for {
		n, _ := p.out.TryRead(buf)
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-p.flush:
			}
			continue
		}
		for off := 0; off < n; {
			w, err := p.master.Write(buf[off:n])
			if w > 0 {
				off += w
				p.writeBytes.Add(uint64(w))
			}
			switch {
			case err == nil, errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				_, _ = unix.Poll(fds, p.pollMs)
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
				return
			default:
				p.logger.WithError(err).Warn("PTY write loop exiting")
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (p *ringPTY) dispatch(ctx context.Context) {
	defer p.wg.Done()
	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.notify:
		}
		for {
			cb, _ := p.cb.Load().(ReadCallback)
			if cb == nil {
				break
			}
			n, _ := p.in.TryRead(buf)
			if n == 0 {
				break
			}
			cb(buf[:n])
		}
	}
}
