package firmware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every (chip, crystal) pair a bootloader ships for.
var supportedPairs = []struct {
	chip string
	mhz  int
}{
	{"esp32", 26}, {"esp32", 40},
	{"esp32c2", 26}, {"esp32c2", 40},
	{"esp32c3", 40},
	{"esp32c5", 40}, {"esp32c5", 48},
	{"esp32c6", 40},
	{"esp32h2", 32},
	{"esp32p4", 40},
	{"esp32s2", 40},
	{"esp32s3", 40},
}

func TestBootloaderSupportedPairs(t *testing.T) {
	for _, p := range supportedPairs {
		data, err := Bootloader(p.chip, p.mhz)
		require.NoError(t, err, "%s @ %d MHz", p.chip, p.mhz)
		assert.NotEmpty(t, data, "%s @ %d MHz", p.chip, p.mhz)
	}
}

func TestBootloaderUnsupportedPair(t *testing.T) {
	_, err := Bootloader("esp32s3", 26)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "esp32s3")
	assert.Contains(t, err.Error(), "26 MHz")
}

func TestDefaultPartitionsLayout(t *testing.T) {
	for _, chip := range Chips {
		parts := DefaultPartitions(chip, 0)
		require.Len(t, parts, 3, chip)

		nvs, phy, factory := parts[0], parts[1], parts[2]
		assert.Equal(t, uint32(0xF000), nvs.Offset+nvs.Size, "%s: nvs must end at phy_init", chip)
		assert.Equal(t, uint32(0x10000), phy.Offset+phy.Size, "%s: phy_init must end at factory", chip)
		assert.Equal(t, uint32(0x10000), factory.Offset, chip)
		assert.NotZero(t, factory.Size, chip)
	}
}

func TestFactoryPartitionSizing(t *testing.T) {
	tests := []struct {
		name      string
		chip      string
		flashSize uint32
		want      uint32
	}{
		{"esp32 default", "esp32", 0, 0x3F0000},
		{"esp32s3 has the small default", "esp32s3", 0, 0x100000},
		{"esp32s2 has the small default", "esp32s2", 0, 0x100000},
		{"esp32c2 default", "esp32c2", 0, 0x1F0000},
		{"clamped to flash size", "esp32", 2 * 1024 * 1024, 2*1024*1024 - 0x10000},
		{"large flash leaves default", "esp32s3", 16 * 1024 * 1024, 0x100000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts := DefaultPartitions(tt.chip, tt.flashSize)
			assert.Equal(t, tt.want, parts[2].Size)
		})
	}
}

func TestFactoryPartitionCeiling(t *testing.T) {
	assert.Equal(t, uint32(16*1000*1024), uint32(maxAppSize))
	for _, chip := range Chips {
		parts := DefaultPartitions(chip, 32*1024*1024)
		assert.LessOrEqual(t, parts[2].Size, uint32(maxAppSize), chip)
	}
}

func TestEncodeTable(t *testing.T) {
	table, err := EncodeTable(DefaultPartitions("esp32", 0))
	require.NoError(t, err)
	require.Len(t, table, partitionSlot)

	// First entry magic, little endian
	assert.Equal(t, byte(0xAA), table[0])
	assert.Equal(t, byte(0x50), table[1])
	// Padding after the digest entry is 0xFF
	assert.Equal(t, byte(0xFF), table[partitionSlot-1])
}

func TestEncodeTableRejectsLongLabel(t *testing.T) {
	_, err := EncodeTable([]Partition{{Name: "a-label-longer-than-fifteen-bytes", Type: TypeData, SubType: SubTypeNVS, Offset: 0x9000, Size: 0x1000}})
	require.Error(t, err)
}

func TestFallbackTable(t *testing.T) {
	table := FallbackTable()
	require.Len(t, table, partitionSlot)
	for _, b := range table {
		require.Equal(t, byte(0xFF), b)
	}
}

func TestAssemble(t *testing.T) {
	app := []byte{0xE9, 0x01, 0x02, 0x03}

	t.Run("esp32 boots from 0x1000", func(t *testing.T) {
		segs, err := Assemble(BuildInput{Chip: "esp32", XtalMHz: 40, App: app})
		require.NoError(t, err)
		require.Len(t, segs, 3)
		assert.Equal(t, uint32(0x1000), segs[0].Offset)
		assert.Equal(t, "bootloader", segs[0].Name)
		assert.Equal(t, uint32(PartitionTableOffset), segs[1].Offset)
		assert.Equal(t, uint32(DefaultAppOffset), segs[2].Offset)
	})

	t.Run("esp32s3 boots from 0x0", func(t *testing.T) {
		segs, err := Assemble(BuildInput{Chip: "esp32s3", XtalMHz: 40, App: app})
		require.NoError(t, err)
		assert.Equal(t, uint32(0), segs[0].Offset)
	})

	t.Run("hyphenated chip names are accepted", func(t *testing.T) {
		_, err := Assemble(BuildInput{Chip: "ESP32-S3", XtalMHz: 40, App: app})
		assert.NoError(t, err)
	})

	t.Run("unknown chip fails", func(t *testing.T) {
		_, err := Assemble(BuildInput{Chip: "esp9000", XtalMHz: 40, App: app})
		assert.Error(t, err)
	})

	t.Run("segments never overlap", func(t *testing.T) {
		for _, p := range supportedPairs {
			segs, err := Assemble(BuildInput{Chip: p.chip, XtalMHz: p.mhz, App: app})
			require.NoError(t, err, p.chip)
			require.NoError(t, CheckOverlap(segs), p.chip)
		}
	})
}

func TestOTASegments(t *testing.T) {
	app := []byte{1, 2, 3}
	segs := OTASegments(BuildInput{Chip: "esp32", App: app})
	require.Len(t, segs, 1)
	assert.Equal(t, uint32(DefaultAppOffset), segs[0].Offset)
	assert.Equal(t, app, segs[0].Data)
}

func TestCheckOverlap(t *testing.T) {
	err := CheckOverlap([]Segment{
		{Offset: 0x0, Name: "a", Data: make([]byte, 0x2000)},
		{Offset: 0x1000, Name: "b", Data: make([]byte, 0x100)},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"a"`)
}

func TestNormalizeChip(t *testing.T) {
	tests := []struct{ in, want string }{
		{"ESP32-S3", "esp32s3"},
		{"esp32-c3", "esp32c3"},
		{"esp32", "esp32"},
		{" ESP32 C2 ", "esp32c2"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeChip(tt.in))
	}
}

func TestParseFlashSize(t *testing.T) {
	tests := []struct {
		in   string
		want uint32
	}{
		{"4MB", 4 * 1024 * 1024},
		{"16MB", 16 * 1024 * 1024},
		{"detect", 0},
		{"", 0},
		{"bogus", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseFlashSize(tt.in), tt.in)
	}
}

func TestParseCrystalMHz(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"40 MHz", 40},
		{"26MHz", 26},
		{"40", 40},
		{"", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseCrystalMHz(tt.in), tt.in)
	}
}
