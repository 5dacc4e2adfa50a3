package firmware

import (
	"fmt"
	"sort"
)

// Segment is one contiguous region destined for a flash address.
type Segment struct {
	Offset   uint32 `json:"offset"`
	Name     string `json:"name"`
	FileName string `json:"filename,omitempty"`
	Data     []byte `json:"-"`
}

// BuildInput parameterizes full-image assembly.
type BuildInput struct {
	Chip      string
	XtalMHz   int
	FlashSize uint32 // bytes, 0 when not detected
	App       []byte
	AppOffset uint32 // 0 means DefaultAppOffset
}

// Assemble builds the complete device image: bootloader at the chip's
// boot address, partition table at its fixed offset, and the
// application at its load offset. Deterministic for a given input.
func Assemble(in BuildInput) ([]Segment, error) {
	chip := NormalizeChip(in.Chip)
	if !Supported(chip) {
		return nil, fmt.Errorf("unsupported chip family %q", in.Chip)
	}
	boot, err := Bootloader(chip, in.XtalMHz)
	if err != nil {
		return nil, err
	}

	table, err := EncodeTable(DefaultPartitions(chip, in.FlashSize))
	if err != nil {
		// Degraded path: ship an empty table instead of aborting.
		table = FallbackTable()
	}

	appOffset := in.AppOffset
	if appOffset == 0 {
		appOffset = DefaultAppOffset
	}

	segs := []Segment{
		{Offset: BootOffset(chip), Name: "bootloader", Data: boot},
		{Offset: PartitionTableOffset, Name: "partition_table", Data: table},
		{Offset: appOffset, Name: "application", Data: in.App},
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].Offset < segs[j].Offset })
	if err := CheckOverlap(segs); err != nil {
		return nil, err
	}
	return segs, nil
}

// OTASegments returns just the application segment, for updates that
// leave the bootloader and partition table untouched.
func OTASegments(in BuildInput) []Segment {
	appOffset := in.AppOffset
	if appOffset == 0 {
		appOffset = DefaultAppOffset
	}
	return []Segment{{Offset: appOffset, Name: "application", Data: in.App}}
}

// CheckOverlap verifies no two segments occupy the same flash range.
// Segments must already be sorted by offset.
func CheckOverlap(segs []Segment) error {
	for i := 1; i < len(segs); i++ {
		prev, cur := segs[i-1], segs[i]
		if prev.Offset+uint32(len(prev.Data)) > cur.Offset {
			return fmt.Errorf("segment %q (%#x+%#x) overlaps %q at %#x",
				prev.Name, prev.Offset, len(prev.Data), cur.Name, cur.Offset)
		}
	}
	return nil
}
