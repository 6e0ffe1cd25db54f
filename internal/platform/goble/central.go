// Package goble implements platform.Central on top of github.com/go-ble/ble.
//
// go-ble exposes blocking calls. Each connected peripheral gets a worker
// goroutine that runs its GATT operations one at a time, and every outcome is
// reported through the platform.Handler.
package goble

import (
	"context"
	"errors"
	"sync"
	"time"

	ble "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/obdble/internal/groutine"
	"github.com/srg/obdble/internal/platform"
)

// DefaultConnectTimeout bounds a single dial.
const DefaultConnectTimeout = 15 * time.Second

// radio is the part of ble.Device the central uses.
type radio interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Stop() error
}

// gattClient is the part of ble.Client the central uses.
type gattClient interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// dialFunc connects to a peripheral.
type dialFunc func(ctx context.Context, id platform.PeripheralID) (gattClient, error)

// Options configures a Central.
type Options struct {
	ConnectTimeout time.Duration
	Logger         *logrus.Logger
}

// Central drives the host radio.
type Central struct {
	ctx    context.Context
	logger *logrus.Logger
	opts   Options

	radio radio
	dial  dialFunc

	mu          sync.Mutex
	state       platform.PowerState
	handler     platform.Handler
	scanCancel  context.CancelFunc
	peripherals map[platform.PeripheralID]*peripheral
}

// Open opens the radio with DeviceFactory. A radio that is switched off is
// not an error: the central reports PowerOff and refuses to scan.
func Open(ctx context.Context, opts Options) (*Central, error) {
	c := newCentral(ctx, opts)

	dev, err := DeviceFactory()
	switch err = NormalizeError(err); {
	case err == nil:
		c.radio = dev
		c.state = platform.PowerOn
		c.dial = func(ctx context.Context, id platform.PeripheralID) (gattClient, error) {
			cl, err := dev.Dial(ctx, ble.NewAddr(string(id)))
			if err != nil {
				return nil, err
			}
			return cl, nil
		}
	case errors.Is(err, ErrBluetoothOff):
		c.state = platform.PowerOff
	case errors.Is(err, ErrUnsupportedRadio):
		c.state = platform.PowerUnsupported
	default:
		return nil, err
	}

	c.logger.WithField("state", c.state).Debug("BLE central opened")
	return c, nil
}

func newCentral(ctx context.Context, opts Options) *Central {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	return &Central{
		ctx:         ctx,
		logger:      opts.Logger,
		opts:        opts,
		state:       platform.PowerUnknown,
		peripherals: make(map[platform.PeripheralID]*peripheral),
	}
}

// State implements platform.Central.
func (c *Central) State() platform.PowerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetHandler implements platform.Central. The current radio state is
// reported to the new handler right away.
func (c *Central) SetHandler(h platform.Handler) {
	c.mu.Lock()
	c.handler = h
	state := c.state
	c.mu.Unlock()
	if h != nil {
		h.StateChanged(state)
	}
}

func (c *Central) h() platform.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler == nil {
		return nopHandler{}
	}
	return c.handler
}

// StartScan implements platform.Central. Only peripherals advertising one of
// serviceFilter are reported when it is not empty.
func (c *Central) StartScan(serviceFilter []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != platform.PowerOn {
		return ErrBluetoothOff
	}
	if c.scanCancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(c.ctx)
	c.scanCancel = cancel
	filter := append([]string(nil), serviceFilter...)

	groutine.GoLogged(ctx, c.logger, "ble-scan", func(ctx context.Context) {
		err := c.radio.Scan(ctx, true, func(a ble.Advertisement) {
			adv := convertAdvertisement(a)
			if !advertises(adv, filter) {
				return
			}
			c.h().Discovered(platform.PeripheralID(a.Addr().String()), a.RSSI(), adv)
		})
		if err = NormalizeError(err); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.WithError(err).Warn("BLE scan stopped")
			if errors.Is(err, ErrBluetoothOff) {
				c.setState(platform.PowerOff)
			}
		}
	})
	c.logger.WithField("filter", filter).Debug("BLE scan started")
	return nil
}

// StopScan implements platform.Central.
func (c *Central) StopScan() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scanCancel == nil {
		return nil
	}
	c.scanCancel()
	c.scanCancel = nil
	c.logger.Debug("BLE scan stopped")
	return nil
}

func (c *Central) setState(s platform.PowerState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	if s != platform.PowerOn && c.scanCancel != nil {
		c.scanCancel()
		c.scanCancel = nil
	}
	c.mu.Unlock()
	c.h().StateChanged(s)
}

// Connect implements platform.Central.
func (c *Central) Connect(id platform.PeripheralID) {
	c.mu.Lock()
	if c.state != platform.PowerOn {
		c.mu.Unlock()
		c.h().ConnectFailed(id, ErrBluetoothOff)
		return
	}
	if _, ok := c.peripherals[id]; ok {
		c.mu.Unlock()
		c.h().ConnectFailed(id, ErrAlreadyConnected)
		return
	}
	p := newPeripheral(c, id)
	c.peripherals[id] = p
	c.mu.Unlock()

	p.start()
}

// Disconnect implements platform.Central.
func (c *Central) Disconnect(id platform.PeripheralID) {
	if p, ok := c.peripheral(id); ok {
		p.cancel(nil)
	}
}

// DiscoverServices implements platform.Central.
func (c *Central) DiscoverServices(id platform.PeripheralID) {
	p, ok := c.peripheral(id)
	if !ok {
		c.h().ServicesDiscovered(id, nil, ErrNotConnected)
		return
	}
	p.do(p.discoverServices)
}

// DiscoverCharacteristics implements platform.Central.
func (c *Central) DiscoverCharacteristics(id platform.PeripheralID, service string) {
	p, ok := c.peripheral(id)
	if !ok {
		c.h().CharacteristicsDiscovered(id, service, nil, ErrNotConnected)
		return
	}
	p.do(func() { p.discoverCharacteristics(service) })
}

// ReadValue implements platform.Central.
func (c *Central) ReadValue(ref platform.CharacteristicRef) {
	p, ok := c.peripheral(ref.Peripheral)
	if !ok {
		c.h().ValueUpdated(ref, nil, ErrNotConnected)
		return
	}
	p.do(func() { p.read(ref) })
}

// WriteValue implements platform.Central.
func (c *Central) WriteValue(ref platform.CharacteristicRef, data []byte, withResponse bool) {
	p, ok := c.peripheral(ref.Peripheral)
	if !ok {
		c.logger.WithField("ref", ref).Warn("Write to disconnected peripheral dropped")
		return
	}
	buf := append([]byte(nil), data...)
	p.do(func() { p.write(ref, buf, withResponse) })
}

// SetNotify implements platform.Central.
func (c *Central) SetNotify(ref platform.CharacteristicRef, enabled bool) {
	p, ok := c.peripheral(ref.Peripheral)
	if !ok {
		return
	}
	p.do(func() { p.setNotify(ref, enabled) })
}

// Close disconnects everything and releases the radio.
func (c *Central) Close() error {
	_ = c.StopScan()

	c.mu.Lock()
	ps := make([]*peripheral, 0, len(c.peripherals))
	for _, p := range c.peripherals {
		ps = append(ps, p)
	}
	c.mu.Unlock()

	for _, p := range ps {
		p.cancel(ErrCentralClosed)
		<-p.done
	}
	if c.radio != nil {
		return NormalizeError(c.radio.Stop())
	}
	return nil
}

func (c *Central) peripheral(id platform.PeripheralID) (*peripheral, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peripherals[id]
	return p, ok
}

func (c *Central) release(p *peripheral) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peripherals[p.id] == p {
		delete(c.peripherals, p.id)
	}
}

type nopHandler struct{}

func (nopHandler) StateChanged(platform.PowerState)                                                          {}
func (nopHandler) Discovered(platform.PeripheralID, int, platform.Advertisement)                             {}
func (nopHandler) Connected(platform.PeripheralID)                                                           {}
func (nopHandler) ConnectFailed(platform.PeripheralID, error)                                                {}
func (nopHandler) Disconnected(platform.PeripheralID, error)                                                 {}
func (nopHandler) ServicesDiscovered(platform.PeripheralID, []string, error)                                 {}
func (nopHandler) CharacteristicsDiscovered(platform.PeripheralID, string, []platform.Characteristic, error) {}
func (nopHandler) ValueUpdated(platform.CharacteristicRef, []byte, error)                                    {}
