package firmware

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// ESP-IDF binary partition table format: 32-byte entries, each opening
// with a 2-byte magic, followed by an MD5 digest entry, padded to the
// table slot with 0xFF.
const (
	entrySize   = 32
	entryMagic  = 0x50AA
	digestMagic = 0xEBEB
	maxLabelLen = 16
)

// Partition type / subtype identifiers used by the default layout.
const (
	TypeApp  = 0x00
	TypeData = 0x01

	SubTypeFactory = 0x00
	SubTypePHY     = 0x01
	SubTypeNVS     = 0x02
)

// Partition is one row of the on-flash partition table.
type Partition struct {
	Name    string
	Type    byte
	SubType byte
	Offset  uint32
	Size    uint32
	Flags   uint32
}

// DefaultPartitions builds the standard three-entry layout: NVS, PHY
// calibration data, and a factory app partition sized for the chip and
// clamped to the usable flash.
func DefaultPartitions(chip string, flashSize uint32) []Partition {
	appSize := defaultAppSize(chip)
	if appSize > maxAppSize {
		appSize = maxAppSize
	}
	if flashSize > DefaultAppOffset && appSize > flashSize-DefaultAppOffset {
		appSize = flashSize - DefaultAppOffset
	}
	return []Partition{
		{Name: "nvs", Type: TypeData, SubType: SubTypeNVS, Offset: 0x9000, Size: 0x6000},
		{Name: "phy_init", Type: TypeData, SubType: SubTypePHY, Offset: 0xF000, Size: 0x1000},
		{Name: "factory", Type: TypeApp, SubType: SubTypeFactory, Offset: DefaultAppOffset, Size: appSize},
	}
}

// EncodeTable serializes partitions into the binary table format. The
// result is always exactly the conventional table slot size.
func EncodeTable(parts []Partition) ([]byte, error) {
	if (len(parts)+1)*entrySize > partitionSlot {
		return nil, fmt.Errorf("partition table overflows %#x-byte slot (%d entries)", partitionSlot, len(parts))
	}

	var buf bytes.Buffer
	for _, p := range parts {
		if len(p.Name) >= maxLabelLen {
			return nil, fmt.Errorf("partition label %q exceeds %d bytes", p.Name, maxLabelLen-1)
		}
		entry := make([]byte, entrySize)
		binary.LittleEndian.PutUint16(entry[0:2], entryMagic)
		entry[2] = p.Type
		entry[3] = p.SubType
		binary.LittleEndian.PutUint32(entry[4:8], p.Offset)
		binary.LittleEndian.PutUint32(entry[8:12], p.Size)
		copy(entry[12:12+maxLabelLen], p.Name)
		binary.LittleEndian.PutUint32(entry[28:32], p.Flags)
		buf.Write(entry)
	}

	// Digest entry covers all preceding rows.
	sum := md5.Sum(buf.Bytes())
	digest := make([]byte, entrySize)
	binary.LittleEndian.PutUint16(digest[0:2], digestMagic)
	for i := 2; i < 16; i++ {
		digest[i] = 0xFF
	}
	copy(digest[16:], sum[:])
	buf.Write(digest)

	table := make([]byte, partitionSlot)
	for i := range table {
		table[i] = 0xFF
	}
	copy(table, buf.Bytes())
	return table, nil
}

// FallbackTable is the degraded all-0xFF table written when encoding
// fails; the device treats it as empty rather than corrupt.
func FallbackTable() []byte {
	table := make([]byte, partitionSlot)
	for i := range table {
		table[i] = 0xFF
	}
	return table
}
