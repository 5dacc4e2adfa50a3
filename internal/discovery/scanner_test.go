package discovery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/espfleet/internal/board"
)

func TestIsCandidate(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"/dev/ttyUSB0", true},
		{"/dev/ttyACM2", true},
		{"/dev/tty.usbmodem101", true},
		{"/dev/cu.usbserial-0001", true},
		{"COM7", true},
		{"/dev/ttyS0", false},
		{"/dev/tty.Bluetooth-Incoming-Port", false},
		{"/dev/null", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isCandidate(tt.name), tt.name)
	}
}

func fakeScanner(identify func(ctx context.Context, port string) (*Identity, error)) *Scanner {
	return &Scanner{
		list: func() ([]Port, error) {
			return []Port{
				{Name: "/dev/ttyUSB0", Product: "CP2102N USB to UART"},
				{Name: "/dev/ttyACM0"},
				{Name: "/dev/ttyS0"}, // not a candidate
			}, nil
		},
		probe:    func(string) bool { return true },
		identify: identify,
	}
}

func TestScanBuildsRecords(t *testing.T) {
	s := fakeScanner(func(_ context.Context, port string) (*Identity, error) {
		return &Identity{
			Chip:        "esp32s3",
			CrystalFreq: "40 MHz",
			FlashSize:   "8MB",
			Features:    "WiFi, BLE",
			MAC:         "a4:cf:12:9b:30:7f",
		}, nil
	})

	boards, err := s.Scan(context.Background(), Options{
		Mappings: map[string]string{"/dev/ttyUSB0": "bench-1"},
	})
	require.NoError(t, err)
	require.Len(t, boards, 2)

	b := boards[0]
	assert.Equal(t, "board__dev_ttyUSB0", b.ID)
	assert.Equal(t, "bench-1", b.LogicalName)
	assert.Equal(t, "esp32s3", b.ChipType)
	assert.Equal(t, "a4:cf:12:**:**:**", b.MACAddress)
	assert.Equal(t, board.StatusAvailable, b.Status)
	assert.NotEmpty(t, b.LastSeen)

	// Second candidate had no mapping
	assert.Empty(t, boards[1].LogicalName)
}

func TestScanToleratesIdentificationTimeout(t *testing.T) {
	s := fakeScanner(func(_ context.Context, port string) (*Identity, error) {
		if port == "/dev/ttyACM0" {
			return nil, fmt.Errorf("identification timed out after 1.2s")
		}
		return &Identity{Chip: "esp32"}, nil
	})

	boards, err := s.Scan(context.Background(), Options{})
	require.NoError(t, err, "a timed-out port must not fail the sweep")
	require.Len(t, boards, 1)
	assert.Equal(t, "/dev/ttyUSB0", boards[0].Port)
}

func TestScanSkipsBusyPorts(t *testing.T) {
	probed := map[string]bool{}
	s := fakeScanner(func(_ context.Context, port string) (*Identity, error) {
		probed[port] = true
		return &Identity{Chip: "esp32"}, nil
	})

	boards, err := s.Scan(context.Background(), Options{
		Skip: map[string]bool{"/dev/ttyUSB0": true},
	})
	require.NoError(t, err)
	require.Len(t, boards, 1)
	assert.False(t, probed["/dev/ttyUSB0"])
}

func TestScanSkipsInaccessiblePorts(t *testing.T) {
	s := fakeScanner(func(_ context.Context, port string) (*Identity, error) {
		return &Identity{Chip: "esp32"}, nil
	})
	s.probe = func(name string) bool { return name != "/dev/ttyUSB0" }

	boards, err := s.Scan(context.Background(), Options{})
	require.NoError(t, err)
	require.Len(t, boards, 1)
	assert.Equal(t, "/dev/ttyACM0", boards[0].Port)
}

type fakeLine struct {
	readErr error
	ops     []string
	timeout time.Duration
}

func (f *fakeLine) SetReadTimeout(d time.Duration) error {
	f.ops = append(f.ops, "timeout")
	f.timeout = d
	return nil
}

func (f *fakeLine) Read(p []byte) (int, error) {
	f.ops = append(f.ops, "read")
	return 0, f.readErr
}

func (f *fakeLine) Close() error {
	f.ops = append(f.ops, "close")
	return nil
}

func TestCheckReadable(t *testing.T) {
	line := &fakeLine{}
	assert.True(t, checkReadable(line))
	assert.Equal(t, []string{"timeout", "read", "close"}, line.ops, "timeout must be set before the read")
	assert.Equal(t, probeTimeout, line.timeout)

	wedged := &fakeLine{readErr: fmt.Errorf("input/output error")}
	assert.False(t, checkReadable(wedged))
	assert.Equal(t, "close", wedged.ops[len(wedged.ops)-1], "port must be closed on failure")
}

func TestParseBoardInfo(t *testing.T) {
	out := `Chip type:         esp32-s3 (revision v0.2)
Crystal frequency: 40 MHz
Flash size:        8MB
Features:          WiFi, BLE
MAC address:       a4:cf:12:9b:30:7f
`
	id, err := parseBoardInfo(out)
	require.NoError(t, err)
	assert.Equal(t, "esp32s3", id.Chip)
	assert.Equal(t, "40 MHz", id.CrystalFreq)
	assert.Equal(t, "8MB", id.FlashSize)
	assert.Equal(t, "WiFi, BLE", id.Features)
	assert.Equal(t, "a4:cf:12:9b:30:7f", id.MAC)
}

func TestParseBoardInfoNoChip(t *testing.T) {
	_, err := parseBoardInfo("error: serial port busy\n")
	assert.Error(t, err)
}
