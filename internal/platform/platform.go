// Package platform describes the BLE radio capability the driver consumes.
//
// The driver never talks to a radio stack directly. It issues fire-and-forget
// commands through Central and learns about results through the Handler
// callback surface. Implementations may call Handler methods from any
// goroutine; the driver marshals them onto its dispatch queue.
package platform

import (
	"strings"
)

// PeripheralID is the stable identity of a remote peripheral (its address).
type PeripheralID string

// PowerState is the radio power state reported by the platform.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PowerOff
	PowerOn
	PowerUnsupported
)

func (s PowerState) String() string {
	switch s {
	case PowerOff:
		return "powered_off"
	case PowerOn:
		return "powered_on"
	case PowerUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Properties are characteristic capability flags.
type Properties uint8

const (
	PropRead Properties = 1 << iota
	PropWrite
	PropWriteWithoutResponse
	PropNotify
	PropIndicate
	PropEncrypted
)

func (p Properties) Readable() bool    { return p&PropRead != 0 }
func (p Properties) Writable() bool    { return p&PropWrite != 0 }
func (p Properties) WritableNR() bool  { return p&PropWriteWithoutResponse != 0 }
func (p Properties) Notifiable() bool  { return p&PropNotify != 0 }
func (p Properties) Indicatable() bool { return p&PropIndicate != 0 }
func (p Properties) Encrypted() bool   { return p&PropEncrypted != 0 }

// String renders flags the way the CLI prints them, e.g. "read,write,notify".
func (p Properties) String() string {
	names := []struct {
		flag Properties
		name string
	}{
		{PropRead, "read"},
		{PropWrite, "write"},
		{PropWriteWithoutResponse, "write-nr"},
		{PropNotify, "notify"},
		{PropIndicate, "indicate"},
		{PropEncrypted, "encrypted"},
	}
	var parts []string
	for _, n := range names {
		if p&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ",")
}

// ParseProperties is the inverse of Properties.String. Unknown names are ignored.
func ParseProperties(s string) Properties {
	var p Properties
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "read":
			p |= PropRead
		case "write":
			p |= PropWrite
		case "write-nr", "writenr", "write-without-response":
			p |= PropWriteWithoutResponse
		case "notify":
			p |= PropNotify
		case "indicate":
			p |= PropIndicate
		case "encrypted":
			p |= PropEncrypted
		}
	}
	return p
}

// Advertisement is the subset of advertising data the driver looks at.
type Advertisement struct {
	LocalName        string
	Connectable      bool
	Services         []string
	ManufacturerData []byte
	TxPower          *int
}

// Characteristic is a characteristic reported by discovery.
type Characteristic struct {
	UUID       string
	Properties Properties
}

// CharacteristicRef addresses a characteristic on a connected peripheral.
type CharacteristicRef struct {
	Peripheral PeripheralID
	Service    string
	UUID       string
}

func (r CharacteristicRef) String() string {
	return string(r.Peripheral) + "/" + r.Service + "/" + r.UUID
}

// Central is the command side of the platform capability. Every method returns
// immediately; outcomes arrive through the Handler.
type Central interface {
	State() PowerState
	SetHandler(h Handler)

	StartScan(serviceFilter []string) error
	StopScan() error

	Connect(id PeripheralID)
	Disconnect(id PeripheralID)

	DiscoverServices(id PeripheralID)
	DiscoverCharacteristics(id PeripheralID, service string)

	ReadValue(ref CharacteristicRef)
	WriteValue(ref CharacteristicRef, data []byte, withResponse bool)
	SetNotify(ref CharacteristicRef, enabled bool)
}

// Handler is the callback side of the platform capability.
type Handler interface {
	StateChanged(state PowerState)
	Discovered(id PeripheralID, rssi int, adv Advertisement)

	Connected(id PeripheralID)
	ConnectFailed(id PeripheralID, err error)
	Disconnected(id PeripheralID, err error)

	ServicesDiscovered(id PeripheralID, services []string, err error)
	CharacteristicsDiscovered(id PeripheralID, service string, chars []Characteristic, err error)
	ValueUpdated(ref CharacteristicRef, value []byte, err error)
}

// NormalizeUUID lowercases a UUID, drops punctuation and any 0x prefix, and reduces
// Bluetooth SIG base UUIDs (0000xxxx-0000-1000-8000-00805f9b34fb) to their
// 16-bit short form.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.Trim(strings.TrimSpace(uuid), "{}"))
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")
	const sigSuffix = "00001000800000805f9b34fb"
	if len(u) == 32 && strings.HasSuffix(u, sigSuffix) && strings.HasPrefix(u, "0000") {
		return u[4:8]
	}
	return u
}

// SameUUID compares UUIDs after normalization.
func SameUUID(a, b string) bool {
	return NormalizeUUID(a) == NormalizeUUID(b)
}
