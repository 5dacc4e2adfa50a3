package discovery

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/shaunagostinho/espfleet/internal/firmware"
)

// identifyTimeout bounds the espflash subprocess. CommandContext kills
// the child when the deadline passes, so an unresponsive probe never
// leaves an orphan holding the port.
const identifyTimeout = 1200 * time.Millisecond

// Identity is what the identification probe learns about a chip.
type Identity struct {
	Chip        string
	CrystalFreq string
	FlashSize   string
	Features    string
	MAC         string
}

// identifyBoard shells out to `espflash board-info` and parses its
// report. Any failure, including timeout, means "no board here".
func identifyBoard(ctx context.Context, port string) (*Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, identifyTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "espflash", "board-info", "--port", port)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("identification timed out after %v", identifyTimeout)
		}
		return nil, fmt.Errorf("espflash: %w", err)
	}
	return parseBoardInfo(string(out))
}

// parseBoardInfo extracts the labeled fields from espflash output.
// Lines look like "Chip type:         esp32-s3 (revision v0.2)".
func parseBoardInfo(out string) (*Identity, error) {
	id := &Identity{}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "Chip type:"):
			v := fieldValue(line, "Chip type:")
			if i := strings.IndexByte(v, '('); i >= 0 {
				v = strings.TrimSpace(v[:i])
			}
			id.Chip = firmware.NormalizeChip(v)
		case strings.HasPrefix(line, "Crystal frequency:"):
			id.CrystalFreq = fieldValue(line, "Crystal frequency:")
		case strings.HasPrefix(line, "Flash size:"):
			id.FlashSize = fieldValue(line, "Flash size:")
		case strings.HasPrefix(line, "Features:"):
			id.Features = fieldValue(line, "Features:")
		case strings.HasPrefix(line, "MAC address:"):
			id.MAC = fieldValue(line, "MAC address:")
		}
	}
	if id.Chip == "" {
		return nil, fmt.Errorf("no chip type in espflash output")
	}
	return id, nil
}

func fieldValue(line, label string) string {
	return strings.TrimSpace(strings.TrimPrefix(line, label))
}
