package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, 30, cfg.ScanIntervalSecs)
	assert.Equal(t, 16, cfg.MaxBinarySizeMB)
	assert.True(t, cfg.MDNS.Enabled)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Equal(t, 8080, cfg.Port)
	assert.NotNil(t, cfg.BoardMappings)
}

func TestConfigSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.path = path
	cfg.Port = 9090
	cfg.BoardMappings["/dev/ttyUSB0"] = "bench-1"
	cfg.MDNS.ServiceName = "lab-fleet"
	require.NoError(t, cfg.Save())

	loaded := LoadConfig(path)
	assert.Equal(t, 9090, loaded.Port)
	assert.Equal(t, "bench-1", loaded.BoardMappings["/dev/ttyUSB0"])
	assert.Equal(t, "lab-fleet", loaded.MDNS.ServiceName)
}

func TestConfigMappingMutation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.path = path

	require.NoError(t, cfg.SetMapping("/dev/ttyACM1", "relay-board"))
	assert.Equal(t, map[string]string{"/dev/ttyACM1": "relay-board"}, cfg.Mappings())
	assert.Equal(t, "relay-board", LoadConfig(path).BoardMappings["/dev/ttyACM1"])

	require.NoError(t, cfg.DeleteMapping("/dev/ttyACM1"))
	assert.Empty(t, cfg.Mappings())
	assert.Empty(t, LoadConfig(path).BoardMappings)

	// Mappings hands out a copy, not the live map.
	cfg.Mappings()["/dev/ttyACM1"] = "sneaky"
	assert.Empty(t, cfg.Mappings())
}

func TestEnvOverrides(t *testing.T) {
	os.Setenv("PORT", "9999")
	os.Setenv("MDNS_ENABLED", "false")
	defer os.Unsetenv("PORT")
	defer os.Unsetenv("MDNS_ENABLED")

	cfg := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Equal(t, 9999, cfg.Port)
	assert.False(t, cfg.MDNS.Enabled)
}
