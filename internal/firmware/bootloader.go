package firmware

import (
	"embed"
	"fmt"
	"sort"
	"strings"
)

// Prebuilt second-stage bootloaders, one per supported (chip, crystal)
// pair. File names follow "<chip>_<mhz>mhz.bin".
//
//go:embed bootloaders/*.bin
var bootloaderFS embed.FS

// Bootloader returns the prebuilt bootloader image for the chip at the
// given crystal frequency. Unsupported combinations return an error
// naming the pair and the frequencies that would work.
func Bootloader(chip string, xtalMHz int) ([]byte, error) {
	name := fmt.Sprintf("bootloaders/%s_%dmhz.bin", chip, xtalMHz)
	data, err := bootloaderFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("no bootloader for chip %q at %d MHz (supported: %s)",
			chip, xtalMHz, supportedFreqs(chip))
	}
	return data, nil
}

func supportedFreqs(chip string) string {
	entries, err := bootloaderFS.ReadDir("bootloaders")
	if err != nil {
		return "none"
	}
	var freqs []string
	prefix := chip + "_"
	for _, e := range entries {
		n := strings.TrimSuffix(e.Name(), "mhz.bin")
		if strings.HasPrefix(n, prefix) {
			freqs = append(freqs, strings.TrimPrefix(n, prefix)+" MHz")
		}
	}
	if len(freqs) == 0 {
		return "none"
	}
	sort.Strings(freqs)
	return strings.Join(freqs, ", ")
}
