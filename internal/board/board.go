package board

import (
	"errors"
	"strings"
)

// Errors shared by every component that resolves or locks boards.
// Callers distinguish failure classes with errors.Is.
var (
	ErrNotFound = errors.New("board not found")
	ErrBusy     = errors.New("board is busy")
)

// Status is the lifecycle state of a board. Error status carries a
// reason in the owning Board record.
type Status string

const (
	StatusAvailable  Status = "available"
	StatusFlashing   Status = "flashing"
	StatusMonitoring Status = "monitoring"
	StatusError      Status = "error"
)

// Board describes one serial-attached device as last observed by a
// discovery sweep. The whole record is replaced on each sweep; only
// Status and StatusReason are mutated in between.
type Board struct {
	ID           string `json:"id"`
	Port         string `json:"port"`
	LogicalName  string `json:"logical_name,omitempty"`
	ChipType     string `json:"chip_type"`
	CrystalFreq  string `json:"crystal_freq,omitempty"`
	FlashSize    string `json:"flash_size,omitempty"`
	Features     string `json:"features,omitempty"`
	MACAddress   string `json:"mac_address"`
	Description  string `json:"description,omitempty"`
	Status       Status `json:"status"`
	StatusReason string `json:"status_reason,omitempty"`
	LastSeen     string `json:"last_seen"`
}

// Name returns the logical name if one is mapped, otherwise the board ID.
func (b *Board) Name() string {
	if b.LogicalName != "" {
		return b.LogicalName
	}
	return b.ID
}

// SetStatus applies a status transition, clearing any stale error reason.
func (b *Board) SetStatus(s Status) {
	b.Status = s
	b.StatusReason = ""
}

// SetError marks the board failed with the given reason.
func (b *Board) SetError(reason string) {
	b.Status = StatusError
	b.StatusReason = reason
}

// IDFromPort derives the stable board identifier for a serial port path.
// "/dev/ttyUSB0" becomes "board__dev_ttyUSB0".
func IDFromPort(port string) string {
	r := strings.NewReplacer("/", "_", ".", "_")
	return "board_" + r.Replace(port)
}

const redactedMAC = "**:**:**:**:**:**"

// RedactMAC keeps the vendor prefix of a MAC address and masks the
// device-specific octets. Anything that does not look like a MAC is
// fully masked.
func RedactMAC(mac string) string {
	parts := strings.Split(mac, ":")
	if len(parts) != 6 {
		return redactedMAC
	}
	return strings.Join(append(parts[:3:3], "**", "**", "**"), ":")
}
