package scanner

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/obdble/internal/platform"
)

// Default acceptable signal band in dBm. Readings above MaxRSSI are treated
// as spoofed or bogus; below MinRSSI the link would not hold.
const (
	DefaultMinRSSI = -90
	DefaultMaxRSSI = -20

	// RSSIUnavailable is what some stacks report when no reading exists.
	RSSIUnavailable = 127
)

// Interface is the transport a driver instance serves. The set of variants is
// closed: only this package can implement it.
type Interface interface {
	isInterface()
}

// BLE is the Bluetooth Low Energy transport.
type BLE struct {
	Central platform.Central
}

// Unsupported stands for transports that are named in configuration but have
// no implementation.
type Unsupported struct {
	Name string
}

func (BLE) isInterface()         {}
func (Unsupported) isInterface() {}

// Describe names an interface variant.
func Describe(i Interface) string {
	switch v := i.(type) {
	case BLE:
		return "ble"
	case Unsupported:
		return "unsupported:" + v.Name
	default:
		panic(fmt.Sprintf("scanner: unknown interface variant %T", i))
	}
}

// Rejection explains why a discovery event was dropped.
type Rejection int

const (
	Accepted Rejection = iota
	RejectWeak
	RejectTooStrong
	RejectNotConnectable
)

func (r Rejection) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case RejectWeak:
		return "signal too weak"
	case RejectTooStrong:
		return "signal implausibly strong"
	case RejectNotConnectable:
		return "not connectable"
	default:
		return "unknown"
	}
}

// Filter screens raw discovery events before classification.
type Filter struct {
	MinRSSI int
	MaxRSSI int
	logger  *logrus.Logger
}

// NewFilter creates a filter for [minRSSI, maxRSSI]. Zero values select the
// defaults.
func NewFilter(minRSSI, maxRSSI int, logger *logrus.Logger) *Filter {
	if logger == nil {
		logger = logrus.New()
	}
	if minRSSI == 0 {
		minRSSI = DefaultMinRSSI
	}
	if maxRSSI == 0 {
		maxRSSI = DefaultMaxRSSI
	}
	return &Filter{MinRSSI: minRSSI, MaxRSSI: maxRSSI, logger: logger}
}

// Accept checks signal strength and connectability.
func (f *Filter) Accept(id platform.PeripheralID, rssi int, adv platform.Advertisement) Rejection {
	r := f.check(rssi, adv)
	if r != Accepted {
		f.logger.WithFields(logrus.Fields{
			"device": id,
			"rssi":   rssi,
			"reason": r,
		}).Debug("Discovery rejected")
	}
	return r
}

func (f *Filter) check(rssi int, adv platform.Advertisement) Rejection {
	switch {
	case rssi == RSSIUnavailable || rssi > f.MaxRSSI:
		return RejectTooStrong
	case rssi < f.MinRSSI:
		return RejectWeak
	case !adv.Connectable:
		return RejectNotConnectable
	}
	return Accepted
}
