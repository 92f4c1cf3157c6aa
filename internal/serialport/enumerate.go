// Package serialport enumerates candidate serial devices the bootloader
// client should probe: glob-based detection on POSIX, a COM-range scan
// on Windows.
package serialport

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
)

// unixGlobPatterns are the fixed vendor-prefix globs a cube or companion
// board enumerates under on Linux/macOS.
var unixGlobPatterns = []string{
	"/dev/serial/by-id/usb-Ardu*",
	"/dev/serial/by-id/usb-*-3D*",
	"/dev/serial/by-id/usb-*-APM*",
	"/dev/serial/by-id/usb-*-Radio*",
	"/dev/serial/by-id/usb-*_3DR_*",
	"/dev/serial/by-id/usb-*-Hex_Technology_Limited*",
	"/dev/serial/by-id/usb-*-Hex_ProfiCNC*",
	"/dev/serial/by-id/usb-*-Holybro*",
	"/dev/serial/by-id/usb-*-mRo*",
	"/dev/serial/by-id/usb-*-modalFC*",
	"/dev/serial/by-id/usb-*-Auterion*",
	"/dev/serial/by-id/usb-*-*-BL_*",
	"/dev/serial/by-id/usb-*-*_BL_*",
	"/dev/serial/by-id/usb-*-Swift-Flyer*",
	"/dev/serial/by-id/usb-*-CubePilot*",
	"/dev/serial/by-id/usb-*-Qiotek*",
	"/dev/tty.usbmodem*",
}

// globFunc is overridable in tests to avoid touching the real filesystem.
var globFunc = filepath.Glob

// Enumerate returns an ordered, de-duplicated list of candidate port paths
// for the current platform. On Windows, COM1..COM255 are listed
// unconditionally since there is no portable glob-equivalent without an
// external enumerator dependency; on POSIX, only the fixed vendor globs
// are expanded.
func Enumerate() []string {
	if runtime.GOOS == "windows" {
		return windowsCandidates()
	}
	return unixCandidates()
}

func unixCandidates() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, 16)
	for _, pattern := range unixGlobPatterns {
		matches, err := globFunc(pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

func windowsCandidates() []string {
	out := make([]string, 0, 255)
	for i := 1; i <= 255; i++ {
		out = append(out, fmt.Sprintf("COM%d", i))
	}
	return out
}
