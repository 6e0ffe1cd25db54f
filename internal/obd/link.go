package obd

import (
	"github.com/srg/obdble/internal/device"
	"github.com/srg/obdble/internal/platform"
)

// DeviceLink is a Link over a device's bound command channel.
type DeviceLink struct {
	dev       *device.Device
	central   platform.Central
	notifying bool
}

// NewDeviceLink creates a link for dev.
func NewDeviceLink(dev *device.Device, central platform.Central) *DeviceLink {
	return &DeviceLink{dev: dev, central: central}
}

// Ready implements Link.
func (l *DeviceLink) Ready() bool {
	return l.dev.Ready() && !l.dev.Binding().IsZero()
}

// SetNotify implements Link.
func (l *DeviceLink) SetNotify(enabled bool) {
	if l.notifying == enabled {
		return
	}
	l.notifying = enabled
	l.central.SetNotify(l.dev.Binding().Read, enabled)
}

// Write implements Link. A with-response write is used when the
// characteristic supports it, otherwise a write without response.
func (l *DeviceLink) Write(data []byte) {
	ref := l.dev.Binding().Write
	withResponse := true
	if ph, ok := l.dev.PropertyByRef(ref); ok {
		if p, ok := l.dev.Property(ph); ok && !p.Flags().Writable() && p.Flags().WritableNR() {
			withResponse = false
		}
	}
	l.central.WriteValue(ref, data, withResponse)
}

// Reset forgets the notification state. The platform drops subscriptions on
// disconnect.
func (l *DeviceLink) Reset() {
	l.notifying = false
}
