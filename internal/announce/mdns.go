package announce

import (
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the fixed mDNS service type clients browse for.
const ServiceType = "_espbrew._tcp"

// Config controls the advertisement.
type Config struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	ServiceName string `yaml:"service_name" json:"service_name"`
	Description string `yaml:"description" json:"description"`
}

// FleetInfo is the board summary baked into the TXT records.
type FleetInfo struct {
	BoardCount int
	BoardNames []string
}

// Announcer advertises the server on the local network and refreshes
// the advertisement as the fleet changes.
type Announcer struct {
	cfg     Config
	port    int
	version string

	mu     sync.Mutex
	server *zeroconf.Server
}

// New builds an Announcer for the HTTP port. Nothing is advertised
// until Update is called.
func New(cfg Config, port int, version string) *Announcer {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "espfleet"
	}
	return &Announcer{cfg: cfg, port: port, version: version}
}

// Update (re-)registers the service with TXT records reflecting the
// current fleet. A host with no usable network addresses is an error,
// not a silent loopback-only advertisement.
func (a *Announcer) Update(info FleetInfo) error {
	if !a.cfg.Enabled {
		return nil
	}

	ips, err := interfaceAddrs()
	if err != nil {
		return err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = a.cfg.ServiceName
	}
	hostname = strings.TrimSuffix(hostname, ".local")

	txt := []string{
		"version=" + a.version,
		"hostname=" + hostname + ".local.",
		"description=" + a.cfg.Description,
		fmt.Sprintf("board_count=%d", info.BoardCount),
		"boards=" + strings.Join(info.BoardNames, ","),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	srv, err := zeroconf.RegisterProxy(
		a.cfg.ServiceName, ServiceType, "local.", a.port,
		hostname, ips, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	a.server = srv
	log.Printf("[mdns] advertising %s.%s on %d address(es), %d board(s)",
		a.cfg.ServiceName, ServiceType, len(ips), info.BoardCount)
	return nil
}

// Shutdown withdraws the advertisement.
func (a *Announcer) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// interfaceAddrs collects every non-loopback IPv4 and IPv6 address on
// the host.
func interfaceAddrs() ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var ips []string
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		ips = append(ips, ipNet.IP.String())
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no non-loopback network addresses to advertise on")
	}
	return ips, nil
}
