// Package elm327 knows the ELM327 AT command set and the initialization
// handshake every adapter goes through before it accepts OBD traffic.
package elm327

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// DefaultMinVersion is the oldest firmware the driver talks to.
const DefaultMinVersion = "1.5"

// AT commands used by the driver.
const (
	Reset    = "ATZ"
	Identify = "ATI"
	Voltage  = "ATRV"
	Defaults = "ATD"
)

var (
	// ErrNoVersion is returned when a reset reply has no identification line.
	ErrNoVersion = errors.New("no ELM327 identification in reply")
	// ErrBadVersion is returned for identification lines with an unparsable version.
	ErrBadVersion = errors.New("unparsable ELM327 version")
)

// Echo builds ATE0/ATE1.
func Echo(on bool) string { return toggle("ATE", on) }

// Linefeeds builds ATL0/ATL1.
func Linefeeds(on bool) string { return toggle("ATL", on) }

// Headers builds ATH0/ATH1.
func Headers(on bool) string { return toggle("ATH", on) }

// Spaces builds ATS0/ATS1.
func Spaces(on bool) string { return toggle("ATS", on) }

// Protocol builds ATSPn. Zero selects automatic detection.
func Protocol(n int) (string, error) {
	if n < 0 || n > 0xC {
		return "", fmt.Errorf("protocol %d out of range 0-C", n)
	}
	return fmt.Sprintf("ATSP%X", n), nil
}

func toggle(cmd string, on bool) string {
	if on {
		return cmd + "1"
	}
	return cmd + "0"
}

// ParseVersion extracts the firmware version from a reset or ATI reply,
// e.g. "1.5" from "ELM327 v1.5".
func ParseVersion(lines []string) (string, error) {
	for _, line := range lines {
		idx := strings.Index(strings.ToUpper(line), "ELM327")
		if idx < 0 {
			continue
		}
		rest := strings.TrimSpace(line[idx+len("ELM327"):])
		rest = strings.TrimLeft(rest, "vV")
		if f := strings.Fields(rest); len(f) > 0 {
			rest = f[0]
		}
		if !semver.IsValid("v" + rest) {
			return "", fmt.Errorf("%w: %q", ErrBadVersion, line)
		}
		return rest, nil
	}
	return "", ErrNoVersion
}

// CompareVersions compares dotted versions like "1.5" and "2.1".
func CompareVersions(a, b string) int {
	return semver.Compare("v"+a, "v"+b)
}

// ValidVersion reports whether v is a dotted version ParseVersion would accept.
func ValidVersion(v string) bool {
	return semver.IsValid("v" + v)
}
