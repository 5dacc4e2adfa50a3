package board

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDFromPort(t *testing.T) {
	tests := []struct {
		port string
		want string
	}{
		{"/dev/ttyUSB0", "board__dev_ttyUSB0"},
		{"/dev/tty.usbmodem101", "board__dev_tty_usbmodem101"},
		{"COM3", "board_COM3"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IDFromPort(tt.port))
	}
}

func TestRedactMAC(t *testing.T) {
	tests := []struct {
		name string
		mac  string
		want string
	}{
		{"full mac keeps vendor prefix", "a4:cf:12:9b:30:7f", "a4:cf:12:**:**:**"},
		{"empty is fully masked", "", "**:**:**:**:**:**"},
		{"garbage is fully masked", "not-a-mac", "**:**:**:**:**:**"},
		{"short mac is fully masked", "a4:cf:12", "**:**:**:**:**:**"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RedactMAC(tt.mac))
		})
	}
}

func TestName(t *testing.T) {
	b := Board{ID: "board__dev_ttyUSB0"}
	assert.Equal(t, "board__dev_ttyUSB0", b.Name())
	b.LogicalName = "gateway-1"
	assert.Equal(t, "gateway-1", b.Name())
}

func TestStatusTransitions(t *testing.T) {
	b := Board{Status: StatusAvailable}

	b.SetError("write failed")
	assert.Equal(t, StatusError, b.Status)
	assert.Equal(t, "write failed", b.StatusReason)

	// Recovering clears the stale reason
	b.SetStatus(StatusAvailable)
	assert.Equal(t, StatusAvailable, b.Status)
	assert.Empty(t, b.StatusReason)
}
