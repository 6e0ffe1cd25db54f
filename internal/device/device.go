package device

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/obdble/internal/platform"
)

// ServiceHandle indexes a Device's service arena.
type ServiceHandle int

// PropertyHandle indexes a Device's property arena.
type PropertyHandle int

// Service is a discovered GATT service.
type Service struct {
	UUID       string
	Resolution Resolution
	Properties []PropertyHandle
}

// Property is a discovered characteristic. Its capability flags are fixed at
// discovery time.
type Property struct {
	UUID       string
	Service    ServiceHandle
	Resolution Resolution
	Value      []byte

	flags platform.Properties
}

// Flags returns the capability flags reported at discovery.
func (p Property) Flags() platform.Properties { return p.flags }

// Binding names the characteristics a vendor uses as its command channel.
type Binding struct {
	Read  platform.CharacteristicRef
	Write platform.CharacteristicRef
}

// IsZero reports whether no binding was made.
func (b Binding) IsZero() bool {
	return b.Read.UUID == "" && b.Write.UUID == ""
}

// Hooks lets higher layers react to the state machine without it knowing
// about them. All methods run on the dispatch loop.
type Hooks interface {
	StateChanged(d *Device, from, to State)
	ConnectedPostInit(d *Device)
	DisconnectedPostInit(d *Device, err error)
	ServiceResolved(d *Device, svc ServiceHandle)
	DiscoveryComplete(d *Device)
	ValueUpdated(d *Device, prop PropertyHandle, value []byte)
	Failed(d *Device, err *Error)
}

// NopHooks implements Hooks with no-ops. Embed it to override only some hooks.
type NopHooks struct{}

func (NopHooks) StateChanged(*Device, State, State)           {}
func (NopHooks) ConnectedPostInit(*Device)                    {}
func (NopHooks) DisconnectedPostInit(*Device, error)          {}
func (NopHooks) ServiceResolved(*Device, ServiceHandle)       {}
func (NopHooks) DiscoveryComplete(*Device)                    {}
func (NopHooks) ValueUpdated(*Device, PropertyHandle, []byte) {}
func (NopHooks) Failed(*Device, *Error)                       {}

// Device drives one peripheral from connection through GATT discovery to
// readiness. It is not safe for concurrent use; every method must be called on
// the dispatch loop.
type Device struct {
	id         platform.PeripheralID
	name       string
	rssi       int
	advertised []string

	state   State
	typ     Type
	binding Binding

	services   []Service
	properties []Property

	central platform.Central
	hooks   Hooks
	logger  *logrus.Logger
}

// New creates an uninitialized device.
func New(id platform.PeripheralID, central platform.Central, hooks Hooks, logger *logrus.Logger) *Device {
	if logger == nil {
		logger = logrus.New()
	}
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &Device{
		id:      id,
		central: central,
		hooks:   hooks,
		logger:  logger,
	}
}

func (d *Device) ID() platform.PeripheralID { return d.id }
func (d *Device) Name() string              { return d.name }
func (d *Device) RSSI() int                 { return d.rssi }
func (d *Device) State() State              { return d.state }
func (d *Device) Type() Type                { return d.typ }
func (d *Device) Binding() Binding          { return d.binding }
func (d *Device) Ready() bool               { return d.state == StateReady }

// SetHooks replaces the hooks. Used by the driver when a vendor claims the device.
func (d *Device) SetHooks(h Hooks) {
	if h == nil {
		h = NopHooks{}
	}
	d.hooks = h
}

// DisplayName returns the advertised name, or the address when there is none.
func (d *Device) DisplayName() string {
	if d.name == "" {
		return string(d.id)
	}
	return d.name
}

// UpdateAdvertisement records the latest advertising data.
func (d *Device) UpdateAdvertisement(rssi int, adv platform.Advertisement) {
	d.rssi = rssi
	if adv.LocalName != "" {
		d.name = adv.LocalName
	}
	for _, s := range adv.Services {
		n := platform.NormalizeUUID(s)
		if !containsUUID(d.advertised, n) {
			d.advertised = append(d.advertised, n)
		}
	}
}

// AdvertisedServices returns normalized service UUIDs seen in advertisements.
func (d *Device) AdvertisedServices() []string {
	return append([]string(nil), d.advertised...)
}

// SetType assigns the vendor tag. It succeeds exactly once.
func (d *Device) SetType(t Type) error {
	if t == TypeUntested {
		return fmt.Errorf("%w: empty type", ErrInvalidTransition)
	}
	if d.typ != TypeUntested {
		return fmt.Errorf("%w: %s is already %q", ErrTypeAlreadySet, d.id, d.typ)
	}
	d.typ = t
	return nil
}

// Bind records the vendor's command channel.
func (d *Device) Bind(b Binding) {
	d.binding = b
}

// Connect starts (or restarts) the connection sequence.
func (d *Device) Connect() error {
	switch d.state {
	case StateUninitialized, StateDisconnected:
	default:
		return fmt.Errorf("%w: connect from %s", ErrInvalidTransition, d.state)
	}
	d.setState(StateConnecting)
	d.central.Connect(d.id)
	return nil
}

// Disconnect asks the platform to drop the link. The state changes when the
// platform confirms.
func (d *Device) Disconnect() {
	switch d.state {
	case StateConnecting, StateDiscoveringServices, StateDiscoveringCharacteristics, StateReady:
		d.central.Disconnect(d.id)
	}
}

// Remove makes the device terminal and drops the link.
func (d *Device) Remove() {
	if d.state == StateRemoved {
		return
	}
	wasConnected := d.state.Connected() || d.state == StateConnecting
	d.setState(StateRemoved)
	if wasConnected {
		d.central.Disconnect(d.id)
	}
}

// HandleConnected processes the platform's connection confirmation.
func (d *Device) HandleConnected() {
	if d.state != StateConnecting {
		d.logger.WithFields(logrus.Fields{
			"device": d.id,
			"state":  d.state,
		}).Debug("Ignoring connected callback")
		return
	}

	// Every connection runs a fresh discovery; type and binding survive.
	d.services = nil
	d.properties = nil

	d.setState(StateDiscoveringServices)
	d.hooks.ConnectedPostInit(d)
	d.central.DiscoverServices(d.id)
}

// HandleConnectFailed processes a failed connection attempt.
func (d *Device) HandleConnectFailed(err error) {
	if d.state != StateConnecting {
		return
	}
	d.setState(StateDisconnected)
	d.hooks.Failed(d, NewError(KindConnectionFailed, d.id, err))
}

// HandleServicesDiscovered places each unseen service in the holding pen and
// asks for its characteristics.
func (d *Device) HandleServicesDiscovered(uuids []string, err error) {
	if d.state != StateDiscoveringServices && d.state != StateDiscoveringCharacteristics {
		d.logger.WithFields(logrus.Fields{
			"device": d.id,
			"state":  d.state,
		}).Debug("Ignoring services callback")
		return
	}
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"device": d.id,
			"error":  err,
		}).Warn("Service discovery failed")
		d.hooks.Failed(d, NewError(KindServiceDiscovery, d.id, err))
		return
	}

	var fresh []string
	for _, raw := range uuids {
		uuid := platform.NormalizeUUID(raw)
		if _, ok := d.serviceByUUID(uuid); ok {
			continue
		}
		d.services = append(d.services, Service{UUID: uuid, Resolution: Pending})
		fresh = append(fresh, uuid)
	}

	d.logger.WithFields(logrus.Fields{
		"device":   d.id,
		"services": len(d.services),
		"new":      len(fresh),
	}).Debug("Services discovered")

	d.setState(StateDiscoveringCharacteristics)
	for _, uuid := range fresh {
		d.central.DiscoverCharacteristics(d.id, uuid)
	}
	d.maybeReady()
}

// HandleCharacteristicsDiscovered attaches properties to their service.
// Readable properties stay pending until their first value arrives.
func (d *Device) HandleCharacteristicsDiscovered(service string, chars []platform.Characteristic, err error) {
	if d.state != StateDiscoveringCharacteristics {
		d.logger.WithFields(logrus.Fields{
			"device":  d.id,
			"service": service,
			"state":   d.state,
		}).Debug("Ignoring characteristics callback")
		return
	}
	sh, ok := d.serviceByUUID(platform.NormalizeUUID(service))
	if !ok {
		d.logger.WithFields(logrus.Fields{
			"device":  d.id,
			"service": service,
		}).Warn("Characteristics reported for unknown service")
		return
	}
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"device":  d.id,
			"service": service,
			"error":   err,
		}).Warn("Characteristic discovery failed")
		d.hooks.Failed(d, NewError(KindCharacteristicDiscovery, d.id, err))
		return
	}

	svcUUID := d.services[sh].UUID
	var reads []platform.CharacteristicRef
	for _, c := range chars {
		uuid := platform.NormalizeUUID(c.UUID)
		if _, exists := d.propertyIn(sh, uuid); exists {
			continue
		}
		prop := Property{
			UUID:       uuid,
			Service:    sh,
			Resolution: Resolved,
			flags:      c.Properties,
		}
		if c.Properties.Readable() {
			prop.Resolution = Pending
			reads = append(reads, platform.CharacteristicRef{Peripheral: d.id, Service: svcUUID, UUID: uuid})
		}
		ph := PropertyHandle(len(d.properties))
		d.properties = append(d.properties, prop)
		d.services[sh].Properties = append(d.services[sh].Properties, ph)
	}

	for _, ref := range reads {
		d.central.ReadValue(ref)
	}
	d.maybeResolveService(sh)
}

// HandleValueUpdated stores a characteristic value. The first value of a
// pending property resolves it; later values go to the ValueUpdated hook.
func (d *Device) HandleValueUpdated(ref platform.CharacteristicRef, value []byte, err error) {
	ph, ok := d.PropertyByRef(ref)
	if !ok {
		d.logger.WithFields(logrus.Fields{
			"device": d.id,
			"char":   ref.UUID,
		}).Debug("Value for unknown characteristic")
		return
	}
	prop := &d.properties[ph]

	if prop.Resolution == Pending {
		if err != nil {
			// A failed read still resolves the entry; readiness must not hang on it.
			d.logger.WithFields(logrus.Fields{
				"device": d.id,
				"char":   ref.UUID,
				"error":  err,
			}).Warn("Initial characteristic read failed")
		} else {
			prop.Value = append([]byte(nil), value...)
		}
		prop.Resolution = Resolved
		d.maybeResolveService(prop.Service)
		return
	}

	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"device": d.id,
			"char":   ref.UUID,
			"error":  err,
		}).Warn("Characteristic value update failed")
		return
	}
	prop.Value = append([]byte(nil), value...)
	d.hooks.ValueUpdated(d, ph, prop.Value)
}

// HandleDisconnected processes a link loss or a requested disconnect.
func (d *Device) HandleDisconnected(err error) {
	switch d.state {
	case StateDisconnected, StateUninitialized:
		return
	case StateRemoved:
		d.logger.WithField("device", d.id).Debug("Removed device disconnected")
		return
	}
	d.setState(StateDisconnected)
	d.hooks.DisconnectedPostInit(d, err)
}

func (d *Device) maybeResolveService(sh ServiceHandle) {
	svc := &d.services[sh]
	if svc.Resolution == Resolved {
		return
	}
	for _, ph := range svc.Properties {
		if d.properties[ph].Resolution == Pending {
			return
		}
	}
	svc.Resolution = Resolved
	d.logger.WithFields(logrus.Fields{
		"device":     d.id,
		"service":    svc.UUID,
		"properties": len(svc.Properties),
	}).Debug("Service resolved")
	d.hooks.ServiceResolved(d, sh)
	d.maybeReady()
}

func (d *Device) maybeReady() {
	if d.state != StateDiscoveringCharacteristics {
		return
	}
	if d.PendingServices() > 0 || d.PendingProperties() > 0 {
		return
	}
	d.setState(StateReady)
	d.hooks.DiscoveryComplete(d)
}

func (d *Device) setState(s State) {
	if d.state == s {
		return
	}
	from := d.state
	d.state = s
	d.logger.WithFields(logrus.Fields{
		"device": d.id,
		"from":   from,
		"to":     s,
	}).Debug("Device state changed")
	d.hooks.StateChanged(d, from, s)
}

// PendingServices counts services still in the holding pen.
func (d *Device) PendingServices() int {
	n := 0
	for _, s := range d.services {
		if s.Resolution == Pending {
			n++
		}
	}
	return n
}

// PendingProperties counts properties still in a holding pen.
func (d *Device) PendingProperties() int {
	n := 0
	for _, p := range d.properties {
		if p.Resolution == Pending {
			n++
		}
	}
	return n
}

// Services returns a copy of the service arena in discovery order.
func (d *Device) Services() []Service {
	out := make([]Service, len(d.services))
	for i, s := range d.services {
		s.Properties = append([]PropertyHandle(nil), s.Properties...)
		out[i] = s
	}
	return out
}

// ResolvedServices returns resolved service UUIDs in discovery order.
func (d *Device) ResolvedServices() []string {
	var out []string
	for _, s := range d.services {
		if s.Resolution == Resolved {
			out = append(out, s.UUID)
		}
	}
	return out
}

// Service returns the service behind a handle.
func (d *Device) Service(h ServiceHandle) (Service, bool) {
	if int(h) < 0 || int(h) >= len(d.services) {
		return Service{}, false
	}
	return d.services[h], true
}

// Property returns the property behind a handle.
func (d *Device) Property(h PropertyHandle) (Property, bool) {
	if int(h) < 0 || int(h) >= len(d.properties) {
		return Property{}, false
	}
	return d.properties[h], true
}

// ResolvedProperty looks up a resolved characteristic within a resolved service.
func (d *Device) ResolvedProperty(service, char string) (platform.Properties, bool) {
	sh, ok := d.serviceByUUID(platform.NormalizeUUID(service))
	if !ok || d.services[sh].Resolution != Resolved {
		return 0, false
	}
	ph, ok := d.propertyIn(sh, platform.NormalizeUUID(char))
	if !ok {
		return 0, false
	}
	return d.properties[ph].flags, true
}

// HasResolvedService reports whether a service left the holding pen.
func (d *Device) HasResolvedService(uuid string) bool {
	sh, ok := d.serviceByUUID(platform.NormalizeUUID(uuid))
	return ok && d.services[sh].Resolution == Resolved
}

// PropertyByRef resolves a characteristic reference to a handle.
func (d *Device) PropertyByRef(ref platform.CharacteristicRef) (PropertyHandle, bool) {
	sh, ok := d.serviceByUUID(platform.NormalizeUUID(ref.Service))
	if !ok {
		return 0, false
	}
	return d.propertyIn(sh, platform.NormalizeUUID(ref.UUID))
}

func (d *Device) serviceByUUID(uuid string) (ServiceHandle, bool) {
	for i, s := range d.services {
		if s.UUID == uuid {
			return ServiceHandle(i), true
		}
	}
	return 0, false
}

func (d *Device) propertyIn(sh ServiceHandle, uuid string) (PropertyHandle, bool) {
	for _, ph := range d.services[sh].Properties {
		if d.properties[ph].UUID == uuid {
			return ph, true
		}
	}
	return 0, false
}

func containsUUID(list []string, uuid string) bool {
	for _, u := range list {
		if u == uuid {
			return true
		}
	}
	return false
}
