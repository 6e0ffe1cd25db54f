// Package driver ties the BLE platform, vendor classification, the device
// state machine, the ELM327 handshake and the transaction queue together.
//
// Every platform callback and every public call is marshalled onto one
// dispatch.Queue; nothing below this package takes a lock.
package driver

import (
	"errors"
	"fmt"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/obdble/internal/device"
	"github.com/srg/obdble/internal/dispatch"
	"github.com/srg/obdble/internal/elm327"
	"github.com/srg/obdble/internal/obd"
	"github.com/srg/obdble/internal/platform"
	"github.com/srg/obdble/internal/scanner"
	"github.com/srg/obdble/internal/vendor"
)

var (
	// ErrNoDelegate is returned by New without a delegate.
	ErrNoDelegate = errors.New("driver needs a delegate")
	// ErrUnsupportedInterface is returned by New for transports other than BLE.
	ErrUnsupportedInterface = errors.New("unsupported interface")
)

// Config tunes a Driver. Zero fields take their defaults.
type Config struct {
	MinRSSI        int           `default:"-90"`
	MaxRSSI        int           `default:"-20"`
	CommandTimeout time.Duration `default:"10s"`
	MinFirmware    string        `default:"1.5"`
	Policy         elm327.Policy `default:"resume"`
	// ScanServiceFilter asks the platform to report only peripherals
	// advertising a service some vendor lists.
	ScanServiceFilter bool

	Logger *logrus.Logger
	// Observer sees every transaction of every device. Optional.
	Observer obd.Observer
}

// Driver is the consumer-facing core. Public methods may be called from any
// goroutine.
type Driver struct {
	loop     dispatch.Queue
	central  platform.Central
	registry *vendor.Registry
	filter   *scanner.Filter
	cfg      Config
	logger   *logrus.Logger

	delegate Delegate
	devices  DeviceObserver
	scans    ScanObserver

	// Owned by the loop.
	entries     map[platform.PeripheralID]*entry
	ignored     map[platform.PeripheralID]bool
	power       platform.PowerState
	scanning    bool
	scanPending bool

	// Snapshot for readers off the loop.
	snapshot *hashmap.Map[platform.PeripheralID, DeviceInfo]
}

// New creates a driver for iface and installs itself as the platform handler.
// The delegate may also implement DeviceObserver and ScanObserver.
func New(loop dispatch.Queue, iface scanner.Interface, registry *vendor.Registry, delegate Delegate, cfg Config) (*Driver, error) {
	if delegate == nil {
		return nil, ErrNoDelegate
	}

	var central platform.Central
	switch v := iface.(type) {
	case scanner.BLE:
		central = v.Central
	case scanner.Unsupported:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedInterface, v.Name)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedInterface, iface)
	}
	if central == nil {
		return nil, fmt.Errorf("%w: ble without a central", ErrUnsupportedInterface)
	}

	defaults.SetDefaults(&cfg)
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Observer == nil {
		cfg.Observer = obd.NopObserver{}
	}
	if _, err := elm327.ParsePolicy(string(cfg.Policy)); err != nil {
		return nil, err
	}
	if !elm327.ValidVersion(cfg.MinFirmware) {
		return nil, fmt.Errorf("invalid minimum firmware version %q", cfg.MinFirmware)
	}
	if registry == nil {
		registry = vendor.Default(cfg.Logger)
	}

	d := &Driver{
		loop:     loop,
		central:  central,
		registry: registry,
		filter:   scanner.NewFilter(cfg.MinRSSI, cfg.MaxRSSI, cfg.Logger),
		cfg:      cfg,
		logger:   cfg.Logger,
		delegate: delegate,
		devices:  NopObserver{},
		scans:    NopObserver{},
		entries:  make(map[platform.PeripheralID]*entry),
		ignored:  make(map[platform.PeripheralID]bool),
		power:    central.State(),
		snapshot: hashmap.New[platform.PeripheralID, DeviceInfo](),
	}
	if o, ok := delegate.(DeviceObserver); ok {
		d.devices = o
	}
	if o, ok := delegate.(ScanObserver); ok {
		d.scans = o
	}
	central.SetHandler(handler{d})
	return d, nil
}

// Registry returns the vendor registry the driver classifies with.
func (d *Driver) Registry() *vendor.Registry { return d.registry }

// SetScanning starts or stops discovery. Starting while the radio is off is
// refused with a bluetoothUnavailable error. Starting before the radio
// reported any state is deferred until it does.
func (d *Driver) SetScanning(on bool) {
	d.loop.Post(func() { d.setScanning(on) })
}

func (d *Driver) setScanning(on bool) {
	if !on {
		d.scanPending = false
		if d.scanning {
			if err := d.central.StopScan(); err != nil {
				d.logger.WithError(err).Warn("Failed to stop scan")
			}
			d.setScanState(false)
		}
		return
	}

	switch d.power {
	case platform.PowerOn:
	case platform.PowerUnknown:
		d.logger.Debug("Radio state unknown, deferring scan")
		d.scanPending = true
		return
	default:
		d.reportError(device.NewError(device.KindBluetoothUnavailable, "",
			fmt.Errorf("radio is %s", d.power)))
		return
	}
	if d.scanning {
		return
	}

	var filter []string
	if d.cfg.ScanServiceFilter {
		filter = d.registry.ScanServices()
	}
	if err := d.central.StartScan(filter); err != nil {
		d.reportError(device.NewError(device.KindBluetoothUnavailable, "", err))
		return
	}
	d.setScanState(true)
}

func (d *Driver) setScanState(on bool) {
	if d.scanning == on {
		return
	}
	d.scanning = on
	d.logger.WithField("scanning", on).Info("Scanning changed")
	d.scans.ScanningChanged(on)
}

// Connect reconnects a claimed device.
func (d *Driver) Connect(id platform.PeripheralID) {
	d.loop.Post(func() {
		e, ok := d.claimed(id)
		if !ok {
			d.logger.WithField("device", id).Warn("Connect requested for unknown device")
			return
		}
		if err := e.dev.Connect(); err != nil {
			d.logger.WithFields(logrus.Fields{
				"device": id,
				"error":  err,
			}).Debug("Connect ignored")
		}
	})
}

// Disconnect drops the link to a device. Queued transactions are kept.
func (d *Driver) Disconnect(id platform.PeripheralID) {
	d.loop.Post(func() {
		if e, ok := d.entries[id]; ok {
			e.dev.Disconnect()
		}
	})
}

// Submit queues command for device id and returns the transaction that will
// be delivered through the delegate. A device that has not finished its
// handshake yet rejects the command with a notReady error.
func (d *Driver) Submit(id platform.PeripheralID, command string) *obd.Transaction {
	tx := obd.NewTransaction(id, command)
	d.loop.Post(func() { d.submit(tx) })
	return tx
}

func (d *Driver) submit(tx *obd.Transaction) {
	e, ok := d.claimed(tx.Device)
	var reason string
	switch {
	case !ok:
		reason = "unknown device"
	case e.queue == nil:
		reason = "device does not speak ELM327"
	case !e.accepting():
		reason = "handshake not complete"
	}
	if reason != "" {
		err := device.NewError(device.KindNotReady, tx.Device, errors.New(reason))
		err.Context = tx
		tx.Err = err
		d.reportError(err)
		return
	}
	e.queue.Submit(tx)
}

// Devices returns the devices vendors claimed. Safe to call from any
// goroutine.
func (d *Driver) Devices() []DeviceInfo {
	out := make([]DeviceInfo, 0, d.snapshot.Len())
	d.snapshot.Range(func(_ platform.PeripheralID, info DeviceInfo) bool {
		out = append(out, info)
		return true
	})
	return out
}

// Device returns one claimed device. Safe to call from any goroutine.
func (d *Driver) Device(id platform.PeripheralID) (DeviceInfo, bool) {
	return d.snapshot.Get(id)
}

func (d *Driver) claimed(id platform.PeripheralID) (*entry, bool) {
	e, ok := d.entries[id]
	if !ok || e.matcher == nil {
		return nil, false
	}
	return e, true
}

func (d *Driver) reportError(err *device.Error) {
	d.logger.WithFields(logrus.Fields{
		"kind":   err.Kind,
		"device": err.Device,
		"error":  err.Err,
	}).Warn("Driver error")
	d.delegate.Error(err)
}

func (d *Driver) handleStateChanged(state platform.PowerState) {
	prev := d.power
	d.power = state
	d.logger.WithFields(logrus.Fields{
		"from": prev,
		"to":   state,
	}).Info("Radio state changed")

	if state == platform.PowerOn {
		if d.scanPending {
			d.scanPending = false
			d.setScanning(true)
		}
		return
	}
	if d.scanning || d.scanPending {
		d.scanPending = false
		d.setScanState(false)
		d.reportError(device.NewError(device.KindBluetoothUnavailable, "",
			fmt.Errorf("radio is %s", state)))
	}
}

func (d *Driver) handleDiscovered(id platform.PeripheralID, rssi int, adv platform.Advertisement) {
	if d.ignored[id] {
		return
	}
	if d.filter.Accept(id, rssi, adv) != scanner.Accepted {
		return
	}

	if e, ok := d.entries[id]; ok {
		e.dev.UpdateAdvertisement(rssi, adv)
		e.publish()
		return
	}

	e := &entry{drv: d}
	e.dev = device.New(id, d.central, e, d.logger)
	e.dev.UpdateAdvertisement(rssi, adv)
	d.entries[id] = e

	d.logger.WithFields(logrus.Fields{
		"device": id,
		"name":   adv.LocalName,
		"rssi":   rssi,
	}).Debug("Candidate discovered")

	// Matchers that only look at advertisements can claim right away; the
	// rest get another chance as GATT services resolve.
	e.classify()
	if err := e.dev.Connect(); err != nil {
		d.logger.WithError(err).Debug("Candidate connect failed")
	}
}

// forget drops an entry and keeps the peripheral out for the session.
func (d *Driver) forget(e *entry) {
	id := e.dev.ID()
	delete(d.entries, id)
	d.ignored[id] = true
	if info, ok := d.snapshot.Get(id); ok {
		d.snapshot.Del(id)
		d.devices.DeviceRemoved(info)
	}
}

func (d *Driver) entryFor(id platform.PeripheralID) (*entry, bool) {
	e, ok := d.entries[id]
	if !ok {
		d.logger.WithField("device", id).Debug("Callback for unknown peripheral")
	}
	return e, ok
}

// handler adapts platform callbacks onto the loop.
type handler struct{ d *Driver }

func (h handler) StateChanged(state platform.PowerState) {
	h.d.loop.Post(func() { h.d.handleStateChanged(state) })
}

func (h handler) Discovered(id platform.PeripheralID, rssi int, adv platform.Advertisement) {
	h.d.loop.Post(func() { h.d.handleDiscovered(id, rssi, adv) })
}

func (h handler) Connected(id platform.PeripheralID) {
	h.d.loop.Post(func() {
		if e, ok := h.d.entryFor(id); ok {
			e.dev.HandleConnected()
		}
	})
}

func (h handler) ConnectFailed(id platform.PeripheralID, err error) {
	h.d.loop.Post(func() {
		if e, ok := h.d.entryFor(id); ok {
			e.dev.HandleConnectFailed(err)
		}
	})
}

func (h handler) Disconnected(id platform.PeripheralID, err error) {
	h.d.loop.Post(func() {
		if e, ok := h.d.entryFor(id); ok {
			e.dev.HandleDisconnected(err)
		}
	})
}

func (h handler) ServicesDiscovered(id platform.PeripheralID, services []string, err error) {
	h.d.loop.Post(func() {
		if e, ok := h.d.entryFor(id); ok {
			e.dev.HandleServicesDiscovered(services, err)
		}
	})
}

func (h handler) CharacteristicsDiscovered(id platform.PeripheralID, service string, chars []platform.Characteristic, err error) {
	h.d.loop.Post(func() {
		if e, ok := h.d.entryFor(id); ok {
			e.dev.HandleCharacteristicsDiscovered(service, chars, err)
		}
	})
}

func (h handler) ValueUpdated(ref platform.CharacteristicRef, value []byte, err error) {
	v := append([]byte(nil), value...)
	h.d.loop.Post(func() {
		if e, ok := h.d.entryFor(ref.Peripheral); ok {
			e.dev.HandleValueUpdated(ref, v, err)
		}
	})
}
