package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/obdble/internal/capture"
	"github.com/srg/obdble/internal/device"
	"github.com/srg/obdble/internal/dispatch"
	"github.com/srg/obdble/internal/driver"
	"github.com/srg/obdble/internal/obd"
	"github.com/srg/obdble/internal/platform"
	"github.com/srg/obdble/internal/platform/goble"
	"github.com/srg/obdble/internal/scanner"
	"github.com/srg/obdble/pkg/config"
)

// eventBacklog bounds the driver events buffered for the command loop.
const eventBacklog = 256

// openCentral is replaced in tests.
var openCentral = func(ctx context.Context, opts goble.Options) (platform.Central, error) {
	return goble.Open(ctx, opts)
}

// session is one running driver with its event stream and optional capture.
type session struct {
	cfg      *config.Config
	logger   *logrus.Logger
	central  platform.Central
	loop     *dispatch.Serial
	drv      *driver.Driver
	events   *driver.ChannelDelegate
	recorder *capture.Recorder
}

func openSession(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*session, error) {
	s := &session{cfg: cfg, logger: logger}

	registry, err := cfg.Registry(logger)
	if err != nil {
		return nil, err
	}

	var observer obd.Observer
	if cfg.CapturePath != "" {
		s.recorder, err = capture.Create(ctx, cfg.CapturePath, capture.Options{Logger: logger})
		if err != nil {
			return nil, err
		}
		observer = s.recorder
		logger.WithFields(logrus.Fields{
			"path":    cfg.CapturePath,
			"session": s.recorder.Session(),
		}).Info("Recording adapter traffic")
	}

	s.central, err = openCentral(ctx, goble.Options{ConnectTimeout: cfg.ConnectTimeout, Logger: logger})
	if err != nil {
		s.close()
		return nil, fmt.Errorf("failed to open BLE central: %w", err)
	}

	s.loop = dispatch.NewSerial(ctx, logger)
	s.events = driver.NewChannelDelegate(eventBacklog)
	s.drv, err = driver.New(s.loop, scanner.BLE{Central: s.central}, registry, s.events, cfg.DriverConfig(logger, observer))
	if err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// next returns the next driver event. State changes and errors are recorded
// when capturing.
func (s *session) next(ctx context.Context) (driver.Event, error) {
	select {
	case <-ctx.Done():
		return driver.Event{}, ctx.Err()
	case ev, ok := <-s.events.Events():
		if !ok {
			return driver.Event{}, io.EOF
		}
		if s.recorder != nil {
			switch ev.Kind {
			case driver.EventStatusChanged:
				s.recorder.DeviceStateChanged(ev.Device.ID, ev.From, ev.To)
			case driver.EventError:
				s.recorder.Error(ev.Err)
			}
		}
		return ev, nil
	}
}

// waitReady scans until an OBD adapter is ready. With an address only that
// device counts. Bluetooth being unavailable ends the wait at once.
func (s *session) waitReady(ctx context.Context, address string, timeout time.Duration) (driver.DeviceInfo, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	s.drv.SetScanning(true)
	defer s.drv.SetScanning(false)

	for {
		ev, err := s.next(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			return driver.DeviceInfo{}, ErrNoAdapter
		}
		if err != nil {
			return driver.DeviceInfo{}, err
		}
		switch ev.Kind {
		case driver.EventReady:
			if ev.Device.OBD && (address == "" || string(ev.Device.ID) == address) {
				s.logger.WithFields(logrus.Fields{
					"device":  ev.Device.ID,
					"vendor":  ev.Device.Vendor,
					"version": ev.Device.Version,
				}).Info("Adapter ready")
				return ev.Device, nil
			}
		case driver.EventError:
			if ev.Err.Kind == device.KindBluetoothUnavailable {
				return driver.DeviceInfo{}, ev.Err
			}
		}
	}
}

func (s *session) close() {
	if s.drv != nil {
		for _, info := range s.drv.Devices() {
			s.drv.Disconnect(info.ID)
		}
		s.drv.SetScanning(false)
	}
	if s.loop != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.loop.Sync(ctx, func() {})
		cancel()
		s.loop.Close()
	}
	if s.events != nil {
		s.events.Close()
	}
	if c, ok := s.central.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.logger.WithError(err).Debug("Closing BLE central failed")
		}
	}
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			s.logger.WithError(err).Warn("Closing capture failed")
		}
	}
}
