package flash

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	"github.com/shaunagostinho/espfleet/internal/firmware"
)

// ESP32 ROM loader commands.
const (
	cmdFlashBegin = 0x02
	cmdFlashData  = 0x03
	cmdFlashEnd   = 0x04
	cmdSync       = 0x08
	cmdSPIAttach  = 0x0d
)

// SLIP framing bytes.
const (
	slipEnd    = 0xc0
	slipEsc    = 0xdb
	slipEscEnd = 0xdc
	slipEscEsc = 0xdd
)

const (
	flashSector = 4096
	flashBlock  = 4096
	syncRetries = 10
)

// SerialWriter programs segments over the ESP32 ROM serial protocol:
// enter the download stub, sync, attach SPI flash, then erase and
// stream each segment in checksummed blocks.
type SerialWriter struct {
	BaudRate int
}

// Write flashes every segment to the device on the named port. The
// context is checked between blocks so a cancelled flash releases the
// port promptly.
func (w *SerialWriter) Write(ctx context.Context, portName string, segs []firmware.Segment, progress func(Progress)) error {
	baud := w.BaudRate
	if baud == 0 {
		baud = 115200
	}
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", portName, err)
	}
	defer port.Close()

	c := &romClient{port: port}
	if err := c.enterBootloader(); err != nil {
		return fmt.Errorf("enter bootloader: %w", err)
	}
	if err := c.sync(); err != nil {
		return err
	}
	if err := c.spiAttach(); err != nil {
		return err
	}

	total := 0
	for _, s := range segs {
		total += len(s.Data)
	}
	written := 0

	for i, s := range segs {
		report := func(phase string) {
			if progress != nil {
				progress(Progress{
					Phase:        phase,
					SegmentIndex: i,
					SegmentName:  s.Name,
					BytesWritten: written,
					TotalBytes:   total,
				})
			}
		}
		report("erasing")
		if err := c.flashBegin(uint32(len(s.Data)), s.Offset); err != nil {
			return fmt.Errorf("segment %q: %w", s.Name, err)
		}
		seq := uint32(0)
		for off := 0; off < len(s.Data); off += flashBlock {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := off + flashBlock
			if end > len(s.Data) {
				end = len(s.Data)
			}
			block := make([]byte, flashBlock)
			copy(block, s.Data[off:end])
			for j := end - off; j < flashBlock; j++ {
				block[j] = 0xFF
			}
			if err := c.flashData(block, seq); err != nil {
				return fmt.Errorf("segment %q block %d: %w", s.Name, seq, err)
			}
			written += end - off
			seq++
			report("writing")
		}
	}

	if err := c.flashEnd(); err != nil {
		return err
	}
	c.hardReset()
	return nil
}

type romClient struct {
	port serial.Port
}

// enterBootloader toggles DTR/RTS the way esptool does to hold the
// boot strap pin low through a reset.
func (c *romClient) enterBootloader() error {
	if err := c.port.SetDTR(false); err != nil {
		return err
	}
	if err := c.port.SetRTS(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	if err := c.port.SetDTR(true); err != nil {
		return err
	}
	if err := c.port.SetRTS(false); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)
	return c.port.SetDTR(false)
}

// hardReset restarts the chip into the freshly written application.
func (c *romClient) hardReset() {
	c.port.SetRTS(true)
	time.Sleep(100 * time.Millisecond)
	c.port.SetRTS(false)
}

func (c *romClient) sync() error {
	payload := make([]byte, 36)
	copy(payload, []byte{0x07, 0x07, 0x12, 0x20})
	for i := 4; i < len(payload); i++ {
		payload[i] = 0x55
	}
	for i := 0; i < syncRetries; i++ {
		if err := c.sendCommand(cmdSync, payload, 0); err != nil {
			return err
		}
		resp, err := c.readResponse(500 * time.Millisecond)
		if err == nil && len(resp) >= 8 && resp[0] == 0x01 && resp[1] == cmdSync {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("no sync response from device")
}

func (c *romClient) spiAttach() error {
	payload := make([]byte, 4)
	return c.command(cmdSPIAttach, payload, 0, 3*time.Second)
}

func (c *romClient) flashBegin(size, offset uint32) error {
	sectors := (size + flashSector - 1) / flashSector
	blocks := (size + flashBlock - 1) / flashBlock

	payload := make([]byte, 16)
	binary.LittleEndian.PutUint32(payload[0:4], sectors*flashSector)
	binary.LittleEndian.PutUint32(payload[4:8], blocks)
	binary.LittleEndian.PutUint32(payload[8:12], flashBlock)
	binary.LittleEndian.PutUint32(payload[12:16], offset)
	return c.command(cmdFlashBegin, payload, 0, 10*time.Second)
}

func (c *romClient) flashData(block []byte, seq uint32) error {
	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(block)))
	binary.LittleEndian.PutUint32(header[4:8], seq)
	payload := append(header, block...)
	return c.command(cmdFlashData, payload, checksum(block), 5*time.Second)
}

func (c *romClient) flashEnd() error {
	// 0 asks the stub to reboot when done.
	payload := make([]byte, 4)
	return c.command(cmdFlashEnd, payload, 0, 3*time.Second)
}

// checksum is the ROM protocol's XOR over the data bytes, seeded 0xEF.
func checksum(data []byte) uint32 {
	sum := uint32(0xEF)
	for _, b := range data {
		sum ^= uint32(b)
	}
	return sum & 0xFF
}

func (c *romClient) command(cmd byte, payload []byte, sum uint32, timeout time.Duration) error {
	if err := c.sendCommand(cmd, payload, sum); err != nil {
		return err
	}
	resp, err := c.readResponse(timeout)
	if err != nil {
		return err
	}
	if len(resp) < 8 || resp[0] != 0x01 || resp[1] != cmd {
		return fmt.Errorf("command %#02x rejected by device", cmd)
	}
	return nil
}

func (c *romClient) sendCommand(cmd byte, payload []byte, sum uint32) error {
	packet := make([]byte, 8+len(payload))
	packet[0] = 0x00
	packet[1] = cmd
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(payload)))
	binary.LittleEndian.PutUint32(packet[4:8], sum)
	copy(packet[8:], payload)
	_, err := c.port.Write(slipFrame(packet))
	return err
}

func (c *romClient) readResponse(timeout time.Duration) ([]byte, error) {
	c.port.SetReadTimeout(timeout)

	var raw bytes.Buffer
	one := make([]byte, 1)
	inPacket := false
	for {
		n, err := c.port.Read(one)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("read timeout")
		}
		b := one[0]
		if !inPacket {
			if b == slipEnd {
				inPacket = true
				raw.WriteByte(b)
			}
			continue
		}
		raw.WriteByte(b)
		if b == slipEnd {
			break
		}
	}
	return slipUnframe(raw.Bytes())
}

func slipFrame(data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(slipEnd)
	for _, b := range data {
		switch b {
		case slipEnd:
			buf.WriteByte(slipEsc)
			buf.WriteByte(slipEscEnd)
		case slipEsc:
			buf.WriteByte(slipEsc)
			buf.WriteByte(slipEscEsc)
		default:
			buf.WriteByte(b)
		}
	}
	buf.WriteByte(slipEnd)
	return buf.Bytes()
}

func slipUnframe(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != slipEnd || data[len(data)-1] != slipEnd {
		return nil, fmt.Errorf("malformed SLIP frame")
	}
	var buf bytes.Buffer
	escaped := false
	for _, b := range data[1 : len(data)-1] {
		switch {
		case escaped:
			switch b {
			case slipEscEnd:
				buf.WriteByte(slipEnd)
			case slipEscEsc:
				buf.WriteByte(slipEsc)
			default:
				return nil, fmt.Errorf("bad SLIP escape %#02x", b)
			}
			escaped = false
		case b == slipEsc:
			escaped = true
		default:
			buf.WriteByte(b)
		}
	}
	return buf.Bytes(), nil
}
