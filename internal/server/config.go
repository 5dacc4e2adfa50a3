package server

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/espfleet/internal/announce"
	"github.com/shaunagostinho/espfleet/internal/logger"
)

// Config holds all server configuration.
type Config struct {
	// Network
	BindAddress string `yaml:"bind_address" json:"bind_address"`
	Port        int    `yaml:"port" json:"port"`

	// Discovery
	ScanIntervalSecs int `yaml:"scan_interval_secs" json:"scan_interval_secs"`

	// Port path -> user-assigned logical name
	BoardMappings map[string]string `yaml:"board_mappings" json:"board_mappings"`

	// Uploads
	MaxBinarySizeMB int `yaml:"max_binary_size_mb" json:"max_binary_size_mb"`

	// mDNS advertisement
	MDNS announce.Config `yaml:"mdns" json:"mdns"`

	// Session log archiving
	Logging logger.Config `yaml:"logging" json:"logging"`

	path string       // file path for save/load
	mu   sync.RWMutex // guards BoardMappings after startup
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BindAddress:      "0.0.0.0",
		Port:             8080,
		ScanIntervalSecs: 30,
		BoardMappings:    map[string]string{},
		MaxBinarySizeMB:  16,
		MDNS: announce.Config{
			Enabled:     true,
			ServiceName: "espfleet",
			Description: "ESP32 fleet management server",
		},
		Logging: logger.Config{
			Enabled: false,
			Path:    "/var/log/espfleet",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and
// environment variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	if cfg.BoardMappings == nil {
		cfg.BoardMappings = map[string]string{}
	}
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		val = strings.Trim(val, `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: BIND_ADDRESS, PORT, SCAN_INTERVAL_SECS, MAX_BINARY_SIZE_MB,
// MDNS_ENABLED, MDNS_SERVICE_NAME, MDNS_DESCRIPTION, LOG_ENABLED, LOG_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BIND_ADDRESS"); v != "" {
		c.BindAddress = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("SCAN_INTERVAL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ScanIntervalSecs = n
		}
	}
	if v := os.Getenv("MAX_BINARY_SIZE_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxBinarySizeMB = n
		}
	}
	if v := os.Getenv("MDNS_ENABLED"); v != "" {
		c.MDNS.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("MDNS_SERVICE_NAME"); v != "" {
		c.MDNS.ServiceName = v
	}
	if v := os.Getenv("MDNS_DESCRIPTION"); v != "" {
		c.MDNS.Description = v
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
}

// Addr returns the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// Mappings returns a copy of the port-to-name assignments.
func (c *Config) Mappings() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.BoardMappings))
	for k, v := range c.BoardMappings {
		out[k] = v
	}
	return out
}

// SetMapping assigns a logical name to a port and persists the config.
func (c *Config) SetMapping(port, name string) error {
	c.mu.Lock()
	c.BoardMappings[port] = name
	c.mu.Unlock()
	return c.Save()
}

// DeleteMapping removes a port's assignment and persists the config.
func (c *Config) DeleteMapping(port string) error {
	c.mu.Lock()
	delete(c.BoardMappings, port)
	c.mu.Unlock()
	return c.Save()
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	if c.path == "" {
		c.path = "espfleet.yaml"
	}
	c.mu.RLock()
	data, err := yaml.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}
