package obd_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/srg/obdble/internal/obd"
)

func TestIsComplete(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{"41 0C 1A F8\r\r>", true},
		{"OK\r\n>\r\n", true},
		{"OK\r>\x00\x00", true},
		{">", true},
		{"41 0C 1A F8\r", false},
		{"", false},
		{"> 41 0C", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, obd.IsComplete([]byte(tt.raw)), "IsComplete(%q)", tt.raw)
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		command string
		want    []string
	}{
		{"echo and prompt stripped", "010C\r41 0C 1A F8\r\r>", "010C", []string{"41 0C 1A F8"}},
		{"echo with spaces", "01 0C\r41 0C 1A F8\r\r>", "010C", []string{"41 0C 1A F8"}},
		{"echo off", "41 0C 1A F8\r\r>", "010C", []string{"41 0C 1A F8"}},
		{"reset banner", "ATZ\r\r\rELM327 v1.5\r\r>", "ATZ", []string{"ELM327 v1.5"}},
		{"multi line", "0100\rSEARCHING...\r41 00 BE 1F B8 13\r\r>", "0100", []string{"SEARCHING...", "41 00 BE 1F B8 13"}},
		{"crlf and padding", "ATE1\r\nOK\r\n\r\n>\x00", "ATE1", []string{"OK"}},
		{"lowercase echo", "ate1\rOK\r>", "ATE1", []string{"OK"}},
		{"prompt only", ">", "ATZ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, obd.ParseResponse([]byte(tt.raw), tt.command))
		})
	}
}

func TestTransactionBasics(t *testing.T) {
	a := obd.NewTransaction("AA", "  010C \n")
	b := obd.NewTransaction("AA", "ATZ")

	assert.Equal(t, "010C", a.Command)
	assert.Equal(t, []byte("010C\r\n"), a.Wire())
	assert.Greater(t, b.Seq, a.Seq, "sequence MUST grow with creation order")
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.Internal())
	assert.True(t, b.OnComplete(func(*obd.Transaction) {}).Internal())
	assert.False(t, a.CancelTimeout(), "cancel with no timer MUST be a no-op")
	assert.Zero(t, a.Duration())
}
