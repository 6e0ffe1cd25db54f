//go:build !darwin && !linux

package goble

import (
	ble "github.com/go-ble/ble"
)

// DeviceFactory opens the host radio. Tests replace it.
var DeviceFactory = func() (ble.Device, error) {
	return nil, ErrUnsupportedRadio
}
