package firmware

import (
	"strconv"
	"strings"
)

// Flash layout constants shared by every supported chip family.
const (
	PartitionTableOffset = 0x8000
	DefaultAppOffset     = 0x10000

	// partitionSlot is the conventional size reserved for the binary
	// partition table on flash.
	partitionSlot = 0xC00

	// maxAppSize caps the factory partition regardless of reported
	// flash size.
	maxAppSize = 16 * 1000 * 1024
)

// Chips lists every supported chip family identifier in canonical
// (lowercase, unhyphenated) form.
var Chips = []string{
	"esp32", "esp32c2", "esp32c3", "esp32c5", "esp32c6",
	"esp32h2", "esp32p4", "esp32s2", "esp32s3",
}

// NormalizeChip maps detection output like "ESP32-S3" onto the
// canonical family identifier. Unknown names pass through lowercased
// so callers get a readable error downstream.
func NormalizeChip(name string) string {
	c := strings.ToLower(strings.TrimSpace(name))
	c = strings.ReplaceAll(c, "-", "")
	c = strings.ReplaceAll(c, " ", "")
	return c
}

// Supported reports whether the chip family is known.
func Supported(chip string) bool {
	for _, c := range Chips {
		if c == chip {
			return true
		}
	}
	return false
}

// BootOffset returns the flash address the chip's ROM loads the
// bootloader from. The original ESP32 boots from 0x1000, every later
// family boots from 0x0.
func BootOffset(chip string) uint32 {
	if chip == "esp32" {
		return 0x1000
	}
	return 0
}

// defaultAppSize is the factory partition size before clamping.
func defaultAppSize(chip string) uint32 {
	switch chip {
	case "esp32s2", "esp32s3":
		return 0x100000
	case "esp32c2":
		return 0x1F0000
	default:
		return 0x3F0000
	}
}

// ParseCrystalMHz extracts the frequency from strings like "40 MHz" or
// "26MHz". Unparseable values return 0.
func ParseCrystalMHz(s string) int {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimSuffix(s, "MHz"), "Mhz")
	s = strings.TrimSpace(strings.TrimSuffix(s, "mhz"))
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// ParseFlashSize converts strings like "4MB" or "16MB" to bytes.
// "detect", empty, and unparseable values return 0 (size unknown).
func ParseFlashSize(s string) uint32 {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" || s == "DETECT" {
		return 0
	}
	s = strings.TrimSuffix(s, "MB")
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n) * 1024 * 1024
}
