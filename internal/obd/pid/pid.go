// Package pid decodes OBD-II mode 01 responses and a few ELM327 AT replies.
//
// Decoding is pure: short, malformed or negative responses produce Unknown,
// never a panic or an error.
package pid

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Value is a decoded response payload.
type Value interface {
	// Known is false for Unknown.
	Known() bool
	String() string
}

// Unknown is returned when a payload can't be decoded.
type Unknown struct {
	Command string
	Reason  string
}

func (Unknown) Known() bool { return false }
func (u Unknown) String() string {
	return fmt.Sprintf("unknown (%s)", u.Reason)
}

// Reasons carried by Unknown.
const (
	ReasonNoData      = "no data"
	ReasonMalformed   = "malformed"
	ReasonShort       = "short payload"
	ReasonUnsupported = "no decoder"
)

// Text is a non-numeric reply such as "OK" or an identification string.
type Text struct {
	Text string
}

func (Text) Known() bool      { return true }
func (t Text) String() string { return t.Text }

// Quantity is a scalar sensor reading.
type Quantity struct {
	Name  string
	Value float64
	Unit  string
}

func (Quantity) Known() bool { return true }
func (q Quantity) String() string {
	v := strconv.FormatFloat(q.Value, 'f', -1, 64)
	if q.Unit == "" {
		return fmt.Sprintf("%s: %s", q.Name, v)
	}
	return fmt.Sprintf("%s: %s %s", q.Name, v, q.Unit)
}

// MonitorStatus is PID 01 (monitor status since DTCs cleared).
type MonitorStatus struct {
	MIL      bool
	DTCCount int
}

func (MonitorStatus) Known() bool { return true }
func (m MonitorStatus) String() string {
	mil := "off"
	if m.MIL {
		mil = "on"
	}
	return fmt.Sprintf("MIL %s, %d DTC(s)", mil, m.DTCCount)
}

// SupportedPIDs is a "PIDs supported [base+1 - base+32]" bitmask. The most
// significant bit of the first payload byte is PID base+1.
type SupportedPIDs struct {
	Base byte
	Mask uint32
}

func (SupportedPIDs) Known() bool { return true }

// IsSupported reports whether pid is flagged. PIDs outside this mask's range
// report false.
func (s SupportedPIDs) IsSupported(pid byte) bool {
	if pid <= s.Base || int(pid) > int(s.Base)+32 {
		return false
	}
	bit := 31 - uint(pid-s.Base-1)
	return s.Mask&(1<<bit) != 0
}

// PIDs lists supported PIDs in ascending order.
func (s SupportedPIDs) PIDs() []byte {
	var out []byte
	for i := 1; i <= 32; i++ {
		pid := byte(int(s.Base) + i)
		if s.IsSupported(pid) {
			out = append(out, pid)
		}
	}
	return out
}

func (s SupportedPIDs) String() string {
	pids := s.PIDs()
	parts := make([]string, len(pids))
	for i, p := range pids {
		parts[i] = fmt.Sprintf("%02X", p)
	}
	return "supported: " + strings.Join(parts, " ")
}

// Decode decodes the cleaned response lines of command.
func Decode(command string, lines []string) Value {
	cmd := normalize(command)
	if strings.HasPrefix(cmd, "AT") {
		return decodeAT(cmd, lines)
	}

	req, err := hex.DecodeString(cmd)
	if err != nil || len(req) < 2 {
		return Unknown{Command: command, Reason: ReasonUnsupported}
	}
	mode, p := req[0], req[1]

	payload, reason := findPayload(mode, p, lines)
	if reason != "" {
		return Unknown{Command: command, Reason: reason}
	}

	if mode != 0x01 {
		return Unknown{Command: command, Reason: ReasonUnsupported}
	}
	dec, ok := mode01[p]
	if !ok {
		if p%0x20 == 0 {
			dec = decodeSupported
		} else {
			return Unknown{Command: command, Reason: ReasonUnsupported}
		}
	}
	if v, ok := dec(p, payload); ok {
		return v
	}
	return Unknown{Command: command, Reason: ReasonShort}
}

// findPayload locates the first line answering mode/pid and returns the bytes
// after the two header bytes.
func findPayload(mode, p byte, lines []string) ([]byte, string) {
	reason := ReasonMalformed
	for _, line := range lines {
		l := normalize(line)
		if l == "NODATA" {
			reason = ReasonNoData
			continue
		}
		data, err := hex.DecodeString(l)
		if err != nil || len(data) < 2 {
			continue
		}
		if data[0] == mode+0x40 && data[1] == p {
			return data[2:], ""
		}
	}
	return nil, reason
}

func normalize(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
}

type decoder func(pid byte, payload []byte) (Value, bool)

var mode01 = map[byte]decoder{
	0x01: func(_ byte, b []byte) (Value, bool) {
		if len(b) < 1 {
			return nil, false
		}
		return MonitorStatus{MIL: b[0]&0x80 != 0, DTCCount: int(b[0] & 0x7F)}, true
	},
	0x04: percent("engine load"),
	0x05: celsius("coolant temperature"),
	0x0B: single("intake manifold pressure", "kPa"),
	0x0C: func(_ byte, b []byte) (Value, bool) {
		if len(b) < 2 {
			return nil, false
		}
		return Quantity{Name: "engine speed", Value: float64(int(b[0])*256+int(b[1])) / 4, Unit: "rpm"}, true
	},
	0x0D: single("vehicle speed", "km/h"),
	0x0F: celsius("intake air temperature"),
	0x11: percent("throttle position"),
	0x2F: percent("fuel level"),
	0x42: func(_ byte, b []byte) (Value, bool) {
		if len(b) < 2 {
			return nil, false
		}
		return Quantity{Name: "control module voltage", Value: float64(int(b[0])*256+int(b[1])) / 1000, Unit: "V"}, true
	},
	0x46: celsius("ambient air temperature"),
}

func decodeSupported(p byte, b []byte) (Value, bool) {
	if len(b) < 4 {
		return nil, false
	}
	mask := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return SupportedPIDs{Base: p, Mask: mask}, true
}

func single(name, unit string) decoder {
	return func(_ byte, b []byte) (Value, bool) {
		if len(b) < 1 {
			return nil, false
		}
		return Quantity{Name: name, Value: float64(b[0]), Unit: unit}, true
	}
}

func percent(name string) decoder {
	return func(_ byte, b []byte) (Value, bool) {
		if len(b) < 1 {
			return nil, false
		}
		return Quantity{Name: name, Value: round2(float64(b[0]) * 100 / 255), Unit: "%"}, true
	}
}

func celsius(name string) decoder {
	return func(_ byte, b []byte) (Value, bool) {
		if len(b) < 1 {
			return nil, false
		}
		return Quantity{Name: name, Value: float64(int(b[0]) - 40), Unit: "°C"}, true
	}
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func decodeAT(cmd string, lines []string) Value {
	if len(lines) == 0 {
		return Unknown{Command: cmd, Reason: ReasonNoData}
	}
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "?" {
		return Unknown{Command: cmd, Reason: ReasonMalformed}
	}
	if cmd == "ATRV" {
		v, err := strconv.ParseFloat(strings.TrimSuffix(strings.ToUpper(last), "V"), 64)
		if err != nil {
			return Unknown{Command: cmd, Reason: ReasonMalformed}
		}
		return Quantity{Name: "battery voltage", Value: v, Unit: "V"}
	}
	return Text{Text: strings.Join(lines, "\n")}
}
