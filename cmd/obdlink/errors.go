package main

import (
	"errors"
	"fmt"

	"github.com/srg/obdble/internal/device"
)

// Command-level errors
var (
	// ErrNoAdapter means no OBD adapter became ready before the deadline.
	ErrNoAdapter = errors.New("no OBD adapter became ready")
	// ErrAdapterLost means the adapter was removed while a command ran.
	ErrAdapterLost = errors.New("adapter lost")
)

// FormatUserError turns driver errors into a hint a user can act on.
func FormatUserError(err error) string {
	var derr *device.Error
	if !errors.As(err, &derr) {
		if errors.Is(err, ErrNoAdapter) {
			return fmt.Sprintf("%v (is the adapter powered and in range?)", err)
		}
		return err.Error()
	}
	switch derr.Kind {
	case device.KindBluetoothUnavailable:
		return "Bluetooth is unavailable: turn the radio on and check permissions"
	case device.KindUnsupportedFirmware:
		return fmt.Sprintf("adapter firmware is too old: %v", derr.Err)
	case device.KindCommandTimeout:
		return fmt.Sprintf("adapter did not answer in time: %v", derr.Err)
	case device.KindConnectionFailed:
		return fmt.Sprintf("could not connect to %s: %v", derr.Device, derr.Err)
	default:
		return derr.Error()
	}
}
