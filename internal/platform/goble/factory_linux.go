//go:build linux

package goble

import (
	ble "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// DeviceFactory opens the host radio. Tests replace it.
var DeviceFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}
