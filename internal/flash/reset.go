package flash

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// ControlPort is the subset of a serial port reset needs. serial.Port
// satisfies it; tests use a recorder.
type ControlPort interface {
	SetDTR(bool) error
	SetRTS(bool) error
}

const resetHold = 100 * time.Millisecond

// Reset power-cycles the board by toggling the DTR/RTS lines: assert
// reset, hold, release, hold, then return both lines to idle.
func Reset(portName string) error {
	mode := &serial.Mode{
		BaudRate: 115200,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", portName, err)
	}
	defer port.Close()
	return ResetLines(port, time.Sleep)
}

// ResetLines runs the reset sequence on an already open port. The
// sleep function is injectable so tests do not wait out the holds.
func ResetLines(port ControlPort, sleep func(time.Duration)) error {
	if err := port.SetDTR(false); err != nil {
		return err
	}
	if err := port.SetRTS(true); err != nil {
		return err
	}
	sleep(resetHold)
	if err := port.SetDTR(true); err != nil {
		return err
	}
	if err := port.SetRTS(false); err != nil {
		return err
	}
	sleep(resetHold)
	if err := port.SetDTR(false); err != nil {
		return err
	}
	return port.SetRTS(false)
}
