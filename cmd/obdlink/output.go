package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/srg/obdble/internal/device"
	"github.com/srg/obdble/internal/driver"
)

// palette colors status words only when writing to a terminal.
type palette struct {
	ok, warn, bad, dim *color.Color
}

func newPalette(w io.Writer) palette {
	p := palette{
		ok:   color.New(color.FgGreen),
		warn: color.New(color.FgYellow),
		bad:  color.New(color.FgRed),
		dim:  color.New(color.Faint),
	}
	f, isFile := w.(*os.File)
	enabled := isFile && term.IsTerminal(int(f.Fd()))
	for _, c := range []*color.Color{p.ok, p.warn, p.bad, p.dim} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p palette) state(info driver.DeviceInfo) string {
	s := info.State.String()
	switch {
	case info.Operational || (info.State == device.StateReady && !info.OBD):
		return p.ok.Sprint(s)
	case info.State == device.StateDisconnected || info.State == device.StateRemoved:
		return p.bad.Sprint(s)
	default:
		return p.warn.Sprint(s)
	}
}

// deviceJSON is the JSON shape of a device listing.
type deviceJSON struct {
	Address     string `json:"address"`
	Name        string `json:"name,omitempty"`
	RSSI        int    `json:"rssi"`
	Vendor      string `json:"vendor"`
	Type        string `json:"type"`
	OBD         bool   `json:"obd"`
	State       string `json:"state"`
	Firmware    string `json:"firmware,omitempty"`
	Operational bool   `json:"operational"`
}

func sortDevices(devices []driver.DeviceInfo) {
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].RSSI != devices[j].RSSI {
			return devices[i].RSSI > devices[j].RSSI
		}
		return devices[i].ID < devices[j].ID
	})
}

func writeDevicesJSON(w io.Writer, devices []driver.DeviceInfo) error {
	out := make([]deviceJSON, len(devices))
	for i, d := range devices {
		out[i] = deviceJSON{
			Address:     string(d.ID),
			Name:        d.Name,
			RSSI:        d.RSSI,
			Vendor:      d.Vendor,
			Type:        string(d.Type),
			OBD:         d.OBD,
			State:       d.State.String(),
			Firmware:    d.Version,
			Operational: d.Operational,
		}
	}
	return writeJSON(w, out)
}

func writeDevicesTable(w io.Writer, devices []driver.DeviceInfo) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(w, "No adapters discovered")
		return err
	}
	p := newPalette(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI\tVENDOR\tSTATE\tFIRMWARE")
	fmt.Fprintln(tw, strings.Repeat("-", 72))
	for _, d := range devices {
		name := d.DisplayName()
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		fw := d.Version
		if fw == "" {
			fw = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d dBm\t%s\t%s\t%s\n", name, d.ID, d.RSSI, d.Vendor, p.state(d), fw)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
