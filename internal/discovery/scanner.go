package discovery

import (
	"context"
	"log"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/shaunagostinho/espfleet/internal/board"
)

// probeTimeout bounds the accessibility check on each candidate port.
const probeTimeout = 200 * time.Millisecond

// candidatePrefixes and candidateSubstrings select the USB serial
// device names worth probing. This is a deliberately narrow heuristic;
// missing an exotic adapter is fine, probing a modem is not.
var (
	candidateSubstrings = []string{
		"/dev/cu.usbmodem", "/dev/cu.usbserial",
		"/dev/tty.usbmodem", "/dev/tty.usbserial",
		"/dev/ttyUSB", "/dev/ttyACM",
	}
	candidatePrefixes = []string{"COM"}
)

// Port is one enumerated serial device.
type Port struct {
	Name    string
	Product string
	VID     string
	PID     string
}

// Options tunes a single sweep.
type Options struct {
	// Mappings assigns logical names by port path.
	Mappings map[string]string
	// Skip lists ports owned by an active flash or monitor; they are
	// not probed.
	Skip map[string]bool
}

// Scanner sweeps serial ports for attached boards. The zero value is
// not usable; call New.
type Scanner struct {
	list     func() ([]Port, error)
	probe    func(name string) bool
	identify func(ctx context.Context, port string) (*Identity, error)
}

// New returns a Scanner backed by the real port enumerator and the
// espflash identification probe.
func New() *Scanner {
	return &Scanner{
		list:     listPorts,
		probe:    probePort,
		identify: identifyBoard,
	}
}

// Scan enumerates candidate ports, probes each one, and returns a
// record per identified board. Per-port failures are logged and
// skipped; only enumeration itself can fail the sweep.
func (s *Scanner) Scan(ctx context.Context, opts Options) ([]board.Board, error) {
	ports, err := s.list()
	if err != nil {
		return nil, err
	}

	var boards []board.Board
	now := time.Now().UTC().Format(time.RFC3339)

	for _, p := range ports {
		if !isCandidate(p.Name) || opts.Skip[p.Name] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return boards, err
		}
		if !s.probe(p.Name) {
			continue
		}

		id, err := s.identify(ctx, p.Name)
		if err != nil {
			// Timeout or nonzero exit means nothing answered there.
			log.Printf("[scan] %s: no board (%v)", p.Name, err)
			continue
		}

		b := board.Board{
			ID:          board.IDFromPort(p.Name),
			Port:        p.Name,
			LogicalName: opts.Mappings[p.Name],
			ChipType:    id.Chip,
			CrystalFreq: id.CrystalFreq,
			FlashSize:   id.FlashSize,
			Features:    id.Features,
			MACAddress:  board.RedactMAC(id.MAC),
			Description: describe(p),
			Status:      board.StatusAvailable,
			LastSeen:    now,
		}
		log.Printf("[scan] found %s on %s (%s, %s)", b.ID, b.Port, b.ChipType, b.FlashSize)
		boards = append(boards, b)
	}
	return boards, nil
}

func isCandidate(name string) bool {
	for _, s := range candidateSubstrings {
		if strings.Contains(name, s) {
			return true
		}
	}
	for _, p := range candidatePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func listPorts() ([]Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	ports := make([]Port, 0, len(details))
	for _, d := range details {
		p := Port{Name: d.Name}
		if d.IsUSB {
			p.Product = d.Product
			p.VID = d.VID
			p.PID = d.PID
		}
		ports = append(ports, p)
	}
	return ports, nil
}

// probePort confirms the port can be opened and read. A port held by
// another process fails here and is silently skipped.
func probePort(name string) bool {
	mode := &serial.Mode{
		BaudRate: 115200,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return false
	}
	return checkReadable(port)
}

// readableLine is the slice of serial.Port the accessibility check
// touches.
type readableLine interface {
	SetReadTimeout(time.Duration) error
	Read([]byte) (int, error)
	Close() error
}

// checkReadable issues one short bounded read. Idle ports return zero
// bytes when the timeout elapses; a read error means the port is
// wedged and the sweep skips it.
func checkReadable(port readableLine) bool {
	defer port.Close()
	if err := port.SetReadTimeout(probeTimeout); err != nil {
		return false
	}
	buf := make([]byte, 1)
	if _, err := port.Read(buf); err != nil {
		return false
	}
	return true
}

func describe(p Port) string {
	if p.Product != "" {
		return p.Product
	}
	if p.VID != "" {
		return "USB serial device " + p.VID + ":" + p.PID
	}
	return "serial device"
}
