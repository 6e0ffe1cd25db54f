package device

// State is the connection state of a Device.
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateDiscoveringServices
	StateDiscoveringCharacteristics
	StateReady
	StateDisconnected
	// StateRemoved is terminal: the device was dropped by the driver.
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateDiscoveringServices:
		return "discoveringServices"
	case StateDiscoveringCharacteristics:
		return "discoveringCharacteristics"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Connected reports whether a link to the peripheral is up.
func (s State) Connected() bool {
	switch s {
	case StateDiscoveringServices, StateDiscoveringCharacteristics, StateReady:
		return true
	}
	return false
}

// Resolution is the commit state of a discovered service or property.
type Resolution int

const (
	// Pending entries are in the holding pen.
	Pending Resolution = iota
	Resolved
)

func (r Resolution) String() string {
	if r == Resolved {
		return "resolved"
	}
	return "pending"
}

// Type is the vendor tag assigned when a vendor claims a device.
type Type string

// TypeUntested marks a device no vendor has claimed yet.
const TypeUntested Type = ""
