package device

import (
	"errors"
	"fmt"

	"github.com/srg/obdble/internal/platform"
)

// ErrorKind classifies driver errors delivered to consumers.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindBluetoothUnavailable
	KindConnectionFailed
	KindServiceDiscovery
	KindCharacteristicDiscovery
	KindCommandTimeout
	KindUnsupportedFirmware
	KindMalformedResponse
	KindNotReady
)

func (k ErrorKind) String() string {
	switch k {
	case KindBluetoothUnavailable:
		return "bluetoothUnavailable"
	case KindConnectionFailed:
		return "connectionFailed"
	case KindServiceDiscovery:
		return "serviceDiscoveryError"
	case KindCharacteristicDiscovery:
		return "characteristicDiscoveryError"
	case KindCommandTimeout:
		return "commandTimeout"
	case KindUnsupportedFirmware:
		return "unsupportedFirmwareVersion"
	case KindMalformedResponse:
		return "malformedResponse"
	case KindNotReady:
		return "notReady"
	default:
		return "unknown"
	}
}

// Error is the error type reported through the driver's error callback.
// Context carries kind-specific data, e.g. the timed-out transaction for
// KindCommandTimeout or the reported version for KindUnsupportedFirmware.
type Error struct {
	Kind    ErrorKind
	Device  platform.PeripheralID
	Context any
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Kind.String()
	if e.Device != "" {
		msg = fmt.Sprintf("%s (device %s)", msg, e.Device)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is lets errors.Is match any *Error of the same kind, so the sentinels below
// work regardless of device and cause.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is.
var (
	ErrBluetoothUnavailable    = &Error{Kind: KindBluetoothUnavailable}
	ErrConnectionFailed        = &Error{Kind: KindConnectionFailed}
	ErrServiceDiscovery        = &Error{Kind: KindServiceDiscovery}
	ErrCharacteristicDiscovery = &Error{Kind: KindCharacteristicDiscovery}
	ErrCommandTimeout          = &Error{Kind: KindCommandTimeout}
	ErrUnsupportedFirmware     = &Error{Kind: KindUnsupportedFirmware}
	ErrMalformedResponse       = &Error{Kind: KindMalformedResponse}
	ErrNotReady                = &Error{Kind: KindNotReady}
)

// Programming errors returned synchronously on the dispatch loop.
var (
	ErrTypeAlreadySet    = errors.New("device type already set")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// NewError builds an *Error for a device.
func NewError(kind ErrorKind, id platform.PeripheralID, cause error) *Error {
	return &Error{Kind: kind, Device: id, Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind
	}
	return KindUnknown
}
