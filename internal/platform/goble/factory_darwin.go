//go:build darwin

package goble

import (
	ble "github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// DeviceFactory opens the host radio. Tests replace it.
//
//nolint:revive // name mirrors the platform packages' NewDevice
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}
