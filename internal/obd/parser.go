package obd

import (
	"strings"
)

// Prompt is the character an ELM327 prints when it is ready for the next
// command. Its arrival marks the end of a response.
const Prompt = '>'

// Terminator ends every command written to the adapter.
const Terminator = "\r\n"

// IsComplete reports whether raw ends with the prompt. Trailing whitespace and
// NUL padding some adapters emit after the prompt are ignored.
func IsComplete(raw []byte) bool {
	s := strings.TrimRight(string(raw), " \r\n\t\x00")
	return strings.HasSuffix(s, string(Prompt))
}

// ParseResponse splits a raw adapter response into trimmed lines. The prompt,
// control characters, empty lines and the echo of command are dropped.
func ParseResponse(raw []byte, command string) []string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == Prompt:
			return -1
		case r == '\r' || r == '\n':
			return '\n'
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, string(raw))

	echo := squash(command)
	var lines []string
	for _, l := range strings.Split(cleaned, "\n") {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if echo != "" && squash(l) == echo {
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

func squash(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
}
