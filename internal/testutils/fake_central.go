package testutils

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/srg/obdble/internal/platform"
)

// Write records one WriteValue call.
type Write struct {
	Ref          platform.CharacteristicRef
	Data         []byte
	WithResponse bool
}

// Responder produces the notification chunks an adapter sends back for a
// written command. Returning nil simulates silence.
type Responder func(id platform.PeripheralID, command string) []string

// FakeCentral is a platform.Central for tests. It records every call and,
// with AutoRespond, plays back the GATT layout of registered profiles through
// the handler synchronously.
type FakeCentral struct {
	mu sync.Mutex

	state       platform.PowerState
	handler     platform.Handler
	profiles    map[platform.PeripheralID]*PeripheralProfile
	connected   map[platform.PeripheralID]bool
	notifying   map[platform.CharacteristicRef]bool
	calls       []string
	writes      []Write
	scanning    bool
	scanFilters [][]string

	AutoRespond bool
	// AdvertiseOnScan makes StartScan advertise every registered peripheral.
	AdvertiseOnScan bool
	Responder       Responder
	ScanErr         error
}

// NewFakeCentral creates a powered-on central with AutoRespond enabled.
func NewFakeCentral() *FakeCentral {
	return &FakeCentral{
		state:       platform.PowerOn,
		profiles:    make(map[platform.PeripheralID]*PeripheralProfile),
		connected:   make(map[platform.PeripheralID]bool),
		notifying:   make(map[platform.CharacteristicRef]bool),
		AutoRespond: true,
	}
}

// AddPeripheral registers a profile served for id.
func (f *FakeCentral) AddPeripheral(id platform.PeripheralID, p *PeripheralProfile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[id] = p
}

// Advertise delivers a discovery event for a registered peripheral.
func (f *FakeCentral) Advertise(id platform.PeripheralID) {
	f.mu.Lock()
	p, ok := f.profiles[id]
	f.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("Advertise: no profile for %s", id))
	}
	f.h().Discovered(id, p.RSSI, p.Advertisement())
}

// SetPower changes the radio state and tells the handler, if one is set.
func (f *FakeCentral) SetPower(s platform.PowerState) {
	f.mu.Lock()
	f.state = s
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h.StateChanged(s)
	}
}

// DropLink simulates a link loss.
func (f *FakeCentral) DropLink(id platform.PeripheralID, err error) {
	f.mu.Lock()
	delete(f.connected, id)
	f.clearNotify(id)
	f.mu.Unlock()
	f.h().Disconnected(id, err)
}

// Notify delivers a notification on ref.
func (f *FakeCentral) Notify(ref platform.CharacteristicRef, data string) {
	f.h().ValueUpdated(ref, []byte(data), nil)
}

func (f *FakeCentral) h() platform.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handler == nil {
		panic("FakeCentral: no handler set")
	}
	return f.handler
}

func (f *FakeCentral) record(format string, args ...interface{}) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

// Calls returns the recorded calls, e.g. "connect AA" or "write AA/fff0/fff2 ATZ".
func (f *FakeCentral) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallsWithPrefix filters Calls.
func (f *FakeCentral) CallsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Writes returns recorded writes.
func (f *FakeCentral) Writes() []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Write(nil), f.writes...)
}

// WrittenCommands returns written payloads with the line terminator removed.
func (f *FakeCentral) WrittenCommands() []string {
	var out []string
	for _, w := range f.Writes() {
		out = append(out, strings.TrimRight(string(w.Data), "\r\n"))
	}
	return out
}

// Notifying reports whether notifications are on for ref.
func (f *FakeCentral) Notifying(ref platform.CharacteristicRef) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notifying[ref]
}

// Scanning reports whether a scan is running.
func (f *FakeCentral) Scanning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanning
}

// ScanFilters returns the service filters of every StartScan call.
func (f *FakeCentral) ScanFilters() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.scanFilters...)
}

// Connected reports whether id is connected.
func (f *FakeCentral) Connected(id platform.PeripheralID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[id]
}

// State implements platform.Central.
func (f *FakeCentral) State() platform.PowerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// SetHandler implements platform.Central.
func (f *FakeCentral) SetHandler(h platform.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

// StartScan implements platform.Central.
func (f *FakeCentral) StartScan(serviceFilter []string) error {
	f.mu.Lock()
	f.record("scan start")
	if f.ScanErr != nil {
		err := f.ScanErr
		f.mu.Unlock()
		return err
	}
	f.scanning = true
	f.scanFilters = append(f.scanFilters, append([]string(nil), serviceFilter...))
	var ids []platform.PeripheralID
	if f.AdvertiseOnScan {
		for id := range f.profiles {
			ids = append(ids, id)
		}
	}
	f.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		f.Advertise(id)
	}
	return nil
}

// StopScan implements platform.Central.
func (f *FakeCentral) StopScan() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("scan stop")
	f.scanning = false
	return nil
}

// Connect implements platform.Central.
func (f *FakeCentral) Connect(id platform.PeripheralID) {
	f.mu.Lock()
	f.record("connect %s", id)
	p, ok := f.profiles[id]
	auto := f.AutoRespond
	if auto && ok && p.ConnectFail == "" {
		f.connected[id] = true
	}
	f.mu.Unlock()

	if !auto {
		return
	}
	switch {
	case !ok:
		f.h().ConnectFailed(id, errors.New("unknown peripheral"))
	case p.ConnectFail != "":
		f.h().ConnectFailed(id, errors.New(p.ConnectFail))
	default:
		f.h().Connected(id)
	}
}

// Disconnect implements platform.Central.
func (f *FakeCentral) Disconnect(id platform.PeripheralID) {
	f.mu.Lock()
	f.record("disconnect %s", id)
	was := f.connected[id]
	delete(f.connected, id)
	f.clearNotify(id)
	auto := f.AutoRespond
	f.mu.Unlock()

	if auto && was {
		f.h().Disconnected(id, nil)
	}
}

// DiscoverServices implements platform.Central.
func (f *FakeCentral) DiscoverServices(id platform.PeripheralID) {
	f.mu.Lock()
	f.record("services %s", id)
	p, ok := f.profiles[id]
	auto := f.AutoRespond
	f.mu.Unlock()

	if auto && ok {
		f.h().ServicesDiscovered(id, p.ServiceUUIDs(), nil)
	}
}

// DiscoverCharacteristics implements platform.Central.
func (f *FakeCentral) DiscoverCharacteristics(id platform.PeripheralID, service string) {
	f.mu.Lock()
	f.record("characteristics %s %s", id, service)
	p, ok := f.profiles[id]
	auto := f.AutoRespond
	f.mu.Unlock()

	if !auto || !ok {
		return
	}
	svc, found := p.Service(service)
	if !found {
		f.h().CharacteristicsDiscovered(id, service, nil, errors.New("no such service"))
		return
	}
	f.h().CharacteristicsDiscovered(id, service, svc.PlatformCharacteristics(), nil)
}

// ReadValue implements platform.Central.
func (f *FakeCentral) ReadValue(ref platform.CharacteristicRef) {
	f.mu.Lock()
	f.record("read %s", ref)
	p, ok := f.profiles[ref.Peripheral]
	auto := f.AutoRespond
	f.mu.Unlock()

	if !auto || !ok {
		return
	}
	svc, _ := p.Service(ref.Service)
	c, found := svc.Characteristic(ref.UUID)
	switch {
	case !found:
		f.h().ValueUpdated(ref, nil, errors.New("no such characteristic"))
	case c.ReadError != "":
		f.h().ValueUpdated(ref, nil, errors.New(c.ReadError))
	default:
		f.h().ValueUpdated(ref, c.Value, nil)
	}
}

// WriteValue implements platform.Central. With a Responder, the response
// chunks arrive on every characteristic of the peripheral that has
// notifications on.
func (f *FakeCentral) WriteValue(ref platform.CharacteristicRef, data []byte, withResponse bool) {
	f.mu.Lock()
	f.record("write %s %s", ref, strings.TrimRight(string(data), "\r\n"))
	f.writes = append(f.writes, Write{Ref: ref, Data: append([]byte(nil), data...), WithResponse: withResponse})
	responder := f.Responder
	var targets []platform.CharacteristicRef
	for r, on := range f.notifying {
		if on && r.Peripheral == ref.Peripheral {
			targets = append(targets, r)
		}
	}
	f.mu.Unlock()

	if responder == nil || len(targets) == 0 {
		return
	}
	for _, chunk := range responder(ref.Peripheral, strings.TrimRight(string(data), "\r\n")) {
		for _, t := range targets {
			f.h().ValueUpdated(t, []byte(chunk), nil)
		}
	}
}

// SetNotify implements platform.Central.
func (f *FakeCentral) SetNotify(ref platform.CharacteristicRef, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("notify %s %t", ref, enabled)
	if enabled {
		f.notifying[ref] = true
	} else {
		delete(f.notifying, ref)
	}
}

func (f *FakeCentral) clearNotify(id platform.PeripheralID) {
	for r := range f.notifying {
		if r.Peripheral == id {
			delete(f.notifying, r)
		}
	}
}

// ELM327Responder answers like an ELM327 with the given firmware version:
// ATZ prints the banner, other AT commands print OK, and OBD commands are
// looked up in pids (keyed by command, e.g. "010C"). Unknown OBD commands
// get NO DATA. Every reply echoes the command and ends with the prompt.
func ELM327Responder(version string, pids map[string]string) Responder {
	return func(_ platform.PeripheralID, command string) []string {
		cmd := strings.ToUpper(strings.TrimSpace(command))
		var body string
		switch {
		case cmd == "ATZ":
			body = "\r\rELM327 v" + version
		case cmd == "ATRV":
			body = "12.6V"
		case strings.HasPrefix(cmd, "AT"):
			body = "OK"
		default:
			if r, ok := pids[cmd]; ok {
				body = r
			} else {
				body = "NO DATA"
			}
		}
		full := cmd + "\r" + body + "\r\r>"
		// Split in two to exercise accumulation across notifications.
		mid := len(full) / 2
		return []string{full[:mid], full[mid:]}
	}
}
