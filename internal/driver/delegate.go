package driver

import (
	"github.com/srg/obdble/internal/device"
	"github.com/srg/obdble/internal/obd"
	"github.com/srg/obdble/internal/platform"
)

// Delegate receives the results every consumer has to handle. Methods run on
// the dispatch loop and must not block.
type Delegate interface {
	TransactionCompleted(tx *obd.Transaction)
	Error(err *device.Error)
}

// DeviceObserver is implemented by delegates that track devices.
type DeviceObserver interface {
	// DeviceAdded fires when a vendor claims a device.
	DeviceAdded(info DeviceInfo)
	// DeviceReady fires when a device accepts commands. For OBD adapters
	// that is after the handshake, not after GATT discovery.
	DeviceReady(info DeviceInfo)
	DeviceStatusChanged(info DeviceInfo, from, to device.State)
	DeviceRemoved(info DeviceInfo)
}

// ScanObserver is implemented by delegates that track scanning.
type ScanObserver interface {
	ScanningChanged(scanning bool)
}

// NopObserver implements the optional delegate interfaces with no-ops.
type NopObserver struct{}

func (NopObserver) DeviceAdded(DeviceInfo)                                     {}
func (NopObserver) DeviceReady(DeviceInfo)                                     {}
func (NopObserver) DeviceStatusChanged(DeviceInfo, device.State, device.State) {}
func (NopObserver) DeviceRemoved(DeviceInfo)                                   {}
func (NopObserver) ScanningChanged(bool)                                       {}

// DeviceInfo is a point-in-time copy of a device's consumer-visible state.
type DeviceInfo struct {
	ID          platform.PeripheralID
	Name        string
	RSSI        int
	State       device.State
	Type        device.Type
	Vendor      string
	OBD         bool
	Version     string
	Operational bool
}

// DisplayName returns the advertised name, or the address when there is none.
func (i DeviceInfo) DisplayName() string {
	if i.Name == "" {
		return string(i.ID)
	}
	return i.Name
}
