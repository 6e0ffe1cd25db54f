package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/obdble/internal/platform"
)

// CharacteristicConfig describes a characteristic of a fake peripheral.
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g. "read,write,notify"
	Value      []byte `json:"value,omitempty"`
	// ReadError makes the initial read fail.
	ReadError string `json:"read_error,omitempty"`
}

// ServiceConfig describes a service of a fake peripheral.
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// PeripheralProfile is the GATT layout a FakeCentral serves for one peripheral.
type PeripheralProfile struct {
	Name        string          `json:"name,omitempty"`
	RSSI        int             `json:"rssi,omitempty"`
	Services    []ServiceConfig `json:"services"`
	Advertised  []string        `json:"advertised,omitempty"`
	NotConnect  bool            `json:"not_connectable,omitempty"`
	ConnectFail string          `json:"connect_error,omitempty"`
}

// PeripheralDeviceBuilder builds a PeripheralProfile.
type PeripheralDeviceBuilder struct {
	profile PeripheralProfile
}

// NewPeripheralDeviceBuilder creates an empty profile builder.
func NewPeripheralDeviceBuilder() *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{profile: PeripheralProfile{RSSI: -60}}
}

// WithName sets the advertised local name.
func (b *PeripheralDeviceBuilder) WithName(name string) *PeripheralDeviceBuilder {
	b.profile.Name = name
	return b
}

// WithRSSI sets the advertised signal strength.
func (b *PeripheralDeviceBuilder) WithRSSI(rssi int) *PeripheralDeviceBuilder {
	b.profile.RSSI = rssi
	return b
}

// WithAdvertisedServices lists services in the advertisement.
func (b *PeripheralDeviceBuilder) WithAdvertisedServices(uuids ...string) *PeripheralDeviceBuilder {
	b.profile.Advertised = append(b.profile.Advertised, uuids...)
	return b
}

// WithService adds a service.
func (b *PeripheralDeviceBuilder) WithService(uuid string) *PeripheralDeviceBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service.
func (b *PeripheralDeviceBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralDeviceBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics,
		CharacteristicConfig{UUID: uuid, Properties: properties, Value: value})
	return b
}

// WithConnectError makes connection attempts fail.
func (b *PeripheralDeviceBuilder) WithConnectError(msg string) *PeripheralDeviceBuilder {
	b.profile.ConnectFail = msg
	return b
}

// FromJSON replaces the profile with one decoded from JSON.
func (b *PeripheralDeviceBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)
	var p PeripheralProfile
	if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
		panic(fmt.Sprintf("PeripheralDeviceBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	if p.RSSI == 0 {
		p.RSSI = -60
	}
	b.profile = p
	return b
}

// Build returns the profile.
func (b *PeripheralDeviceBuilder) Build() *PeripheralProfile {
	p := b.profile
	return &p
}

// Advertisement derives the advertisement a peripheral with this profile sends.
func (p *PeripheralProfile) Advertisement() platform.Advertisement {
	return platform.Advertisement{
		LocalName:   p.Name,
		Connectable: !p.NotConnect,
		Services:    append([]string(nil), p.Advertised...),
	}
}

// ServiceUUIDs lists the profile's services.
func (p *PeripheralProfile) ServiceUUIDs() []string {
	out := make([]string, len(p.Services))
	for i, s := range p.Services {
		out[i] = s.UUID
	}
	return out
}

// Service finds a service by UUID.
func (p *PeripheralProfile) Service(uuid string) (ServiceConfig, bool) {
	for _, s := range p.Services {
		if platform.SameUUID(s.UUID, uuid) {
			return s, true
		}
	}
	return ServiceConfig{}, false
}

// PlatformCharacteristics converts a service's characteristics for discovery callbacks.
func (s ServiceConfig) PlatformCharacteristics() []platform.Characteristic {
	out := make([]platform.Characteristic, len(s.Characteristics))
	for i, c := range s.Characteristics {
		out[i] = platform.Characteristic{UUID: c.UUID, Properties: platform.ParseProperties(c.Properties)}
	}
	return out
}

// Characteristic finds a characteristic by UUID.
func (s ServiceConfig) Characteristic(uuid string) (CharacteristicConfig, bool) {
	for _, c := range s.Characteristics {
		if platform.SameUUID(c.UUID, uuid) {
			return c, true
		}
	}
	return CharacteristicConfig{}, false
}

// OBDLinkProfile is an OBDLink-style adapter: one characteristic for both
// directions.
func OBDLinkProfile(name string) *PeripheralProfile {
	return NewPeripheralDeviceBuilder().
		WithName(name).
		WithService("E7810A71-73AE-499D-8C15-FAA9AEF0C3F2").
		WithCharacteristic("BEF8D6C9-9C21-4C9E-B632-BD58C1009F9F", "write,write-nr,notify", nil).
		WithService("180A").
		WithCharacteristic("2A29", "read", []byte("OBD Solutions")).
		Build()
}

// FFF0Profile is a generic Chinese clone: FFF1 notifies, FFF2 takes writes.
func FFF0Profile(name string) *PeripheralProfile {
	return NewPeripheralDeviceBuilder().
		WithName(name).
		WithService("FFF0").
		WithCharacteristic("FFF1", "read,notify", []byte{0}).
		WithCharacteristic("FFF2", "write-nr", nil).
		Build()
}
