package driver

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/srg/obdble/internal/device"
	"github.com/srg/obdble/internal/elm327"
	"github.com/srg/obdble/internal/obd"
	"github.com/srg/obdble/internal/platform"
	"github.com/srg/obdble/internal/vendor"
)

// entry is the driver's record of one peripheral. Until a vendor claims it the
// device is only probed and never surfaced. It implements device.Hooks and
// elm327.Outcome.
type entry struct {
	drv *Driver
	dev *device.Device

	matcher vendor.Matcher
	link    *obd.DeviceLink
	queue   *obd.Queue
	hs      *elm327.Handshake

	// operatedOnce keeps consumer submissions flowing while a reconnected
	// adapter repeats its handshake.
	operatedOnce bool
}

func (e *entry) logger() *logrus.Entry {
	return e.drv.logger.WithField("device", e.dev.ID())
}

func (e *entry) accepting() bool {
	return e.hs != nil && (e.hs.Operational() || e.operatedOnce)
}

func (e *entry) info() DeviceInfo {
	info := DeviceInfo{
		ID:    e.dev.ID(),
		Name:  e.dev.Name(),
		RSSI:  e.dev.RSSI(),
		State: e.dev.State(),
		Type:  e.dev.Type(),
	}
	if e.matcher != nil {
		info.Vendor = e.matcher.Name()
		info.OBD = e.matcher.OBD()
	}
	info.Operational = e.dev.Ready()
	if e.hs != nil {
		info.Version = e.hs.Version()
		info.Operational = info.Operational && e.hs.Operational()
	}
	return info
}

// publish refreshes the snapshot of a claimed device.
func (e *entry) publish() DeviceInfo {
	info := e.info()
	if e.matcher != nil {
		e.drv.snapshot.Set(info.ID, info)
	}
	return info
}

// classify offers the device to the registry. It returns true once claimed.
func (e *entry) classify() bool {
	if e.matcher != nil {
		return true
	}
	m, binding, ok := e.drv.registry.Classify(e.dev)
	if !ok {
		return false
	}
	if err := e.dev.SetType(m.Type()); err != nil {
		e.logger().WithError(err).Warn("Vendor claim ignored")
		return false
	}
	e.dev.Bind(binding)
	e.matcher = m

	d := e.drv
	if m.OBD() {
		e.link = obd.NewDeviceLink(e.dev, d.central)
		e.queue = obd.NewQueue(e.dev.ID(), d.loop, e.link, obd.QueueConfig{
			Timeout:  d.cfg.CommandTimeout,
			Deliver:  d.delegate.TransactionCompleted,
			Fail:     d.reportError,
			Observer: d.cfg.Observer,
			Logger:   d.logger,
		})
		e.hs = elm327.NewHandshake(e.dev.ID(), e.queue, d.cfg.MinFirmware, e, d.logger)
	}

	e.logger().WithFields(logrus.Fields{
		"vendor": m.Name(),
		"type":   m.Type(),
		"read":   binding.Read.UUID,
		"write":  binding.Write.UUID,
	}).Info("Device claimed")
	d.devices.DeviceAdded(e.publish())
	return true
}

// ready runs when GATT discovery completed for a claimed device.
func (e *entry) ready() {
	if e.hs == nil {
		e.drv.devices.DeviceReady(e.publish())
		return
	}
	if e.hs.Operational() {
		e.logger().Debug("Resuming operational adapter")
		e.drv.devices.DeviceReady(e.publish())
		e.queue.Pump()
		return
	}
	// Start is a no-op for a handshake interrupted by a disconnect; its
	// requeued command is at the head of the line.
	e.hs.Start()
	e.queue.Pump()
}

func (e *entry) remove() {
	if e.queue != nil {
		if n := e.queue.Flush(); n > 0 {
			e.logger().WithField("dropped", n).Debug("Queue flushed on removal")
		}
	}
	e.dev.Remove()
	e.drv.forget(e)
}

// StateChanged implements device.Hooks.
func (e *entry) StateChanged(_ *device.Device, from, to device.State) {
	info := e.publish()
	if e.matcher != nil {
		e.drv.devices.DeviceStatusChanged(info, from, to)
	}
}

// ConnectedPostInit implements device.Hooks.
func (e *entry) ConnectedPostInit(*device.Device) {
	e.logger().Debug("Connected, discovering services")
}

// DisconnectedPostInit implements device.Hooks.
func (e *entry) DisconnectedPostInit(_ *device.Device, err error) {
	if e.matcher == nil {
		e.logger().WithError(err).Debug("Unclaimed candidate disconnected")
		e.drv.forget(e)
		return
	}

	e.logger().WithError(err).Info("Device disconnected")
	if e.queue == nil {
		return
	}
	e.link.Reset()
	e.queue.Suspend()
	if e.drv.cfg.Policy == elm327.PolicyRehandshake {
		dropped := e.queue.DropInternal()
		e.hs.Reset()
		e.logger().WithField("dropped", dropped).Debug("Handshake will repeat after reconnect")
	}
}

// ServiceResolved implements device.Hooks.
func (e *entry) ServiceResolved(*device.Device, device.ServiceHandle) {
	e.classify()
}

// DiscoveryComplete implements device.Hooks.
func (e *entry) DiscoveryComplete(*device.Device) {
	if !e.classify() {
		e.logger().WithField("services", e.dev.ResolvedServices()).Debug("No vendor claimed device")
		e.dev.Remove()
		e.drv.forget(e)
		return
	}
	e.ready()
}

// ValueUpdated implements device.Hooks.
func (e *entry) ValueUpdated(_ *device.Device, ph device.PropertyHandle, value []byte) {
	if e.queue == nil {
		return
	}
	p, ok := e.dev.Property(ph)
	if !ok {
		return
	}
	svc, _ := e.dev.Service(p.Service)
	read := e.dev.Binding().Read
	if !platform.SameUUID(p.UUID, read.UUID) || !platform.SameUUID(svc.UUID, read.Service) {
		return
	}
	e.queue.HandleValue(value)
}

// Failed implements device.Hooks.
func (e *entry) Failed(_ *device.Device, err *device.Error) {
	if e.matcher == nil {
		e.logger().WithError(err).Debug("Probing unclaimed candidate failed")
		e.dev.Remove()
		e.drv.forget(e)
		return
	}
	e.drv.reportError(err)
}

// Operational implements elm327.Outcome.
func (e *entry) Operational(string) {
	e.operatedOnce = true
	e.drv.devices.DeviceReady(e.publish())
}

// Rejected implements elm327.Outcome.
func (e *entry) Rejected(err *device.Error) {
	e.drv.reportError(err)
	e.remove()
}

// Aborted implements elm327.Outcome. Timeouts were already reported by the
// queue.
func (e *entry) Aborted(err error) {
	var derr *device.Error
	if errors.As(err, &derr) && derr.Kind != device.KindCommandTimeout {
		e.drv.reportError(derr)
	}
	e.dev.Disconnect()
}
