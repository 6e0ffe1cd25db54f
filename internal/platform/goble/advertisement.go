package goble

import (
	ble "github.com/go-ble/ble"

	"github.com/srg/obdble/internal/platform"
)

// convertAdvertisement copies what the driver needs out of a go-ble
// advertisement. Overflow services count as advertised services.
func convertAdvertisement(a ble.Advertisement) platform.Advertisement {
	adv := platform.Advertisement{
		LocalName:        a.LocalName(),
		Connectable:      a.Connectable(),
		ManufacturerData: append([]byte(nil), a.ManufacturerData()...),
	}
	for _, u := range a.Services() {
		adv.Services = append(adv.Services, platform.NormalizeUUID(u.String()))
	}
	for _, u := range a.OverflowService() {
		adv.Services = append(adv.Services, platform.NormalizeUUID(u.String()))
	}
	// go-ble reports 127 when the TX power field is absent.
	if tx := a.TxPowerLevel(); tx != 127 {
		adv.TxPower = &tx
	}
	return adv
}

func convertProperties(p ble.Property) platform.Properties {
	var out platform.Properties
	if p&ble.CharRead != 0 {
		out |= platform.PropRead
	}
	if p&ble.CharWrite != 0 {
		out |= platform.PropWrite
	}
	if p&ble.CharWriteNR != 0 {
		out |= platform.PropWriteWithoutResponse
	}
	if p&ble.CharNotify != 0 {
		out |= platform.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		out |= platform.PropIndicate
	}
	if p&ble.CharSignedWrite != 0 {
		out |= platform.PropEncrypted
	}
	return out
}

func advertises(adv platform.Advertisement, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, s := range adv.Services {
		for _, f := range filter {
			if platform.SameUUID(s, f) {
				return true
			}
		}
	}
	return false
}
