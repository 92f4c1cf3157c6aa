package firmware

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// compatibleBoardID maps an undetected board_type to a fallback bundle
// board_id plus a human label, for boards that ship under a different
// board_id than their flight-stack reports.
var compatibleBoardID = map[uint32]struct {
	BoardID uint32
	Label   string
}{
	33: {BoardID: 9, Label: "AUAVX2.1"},
}

// boardNames looks up the human-readable name for a board_type, used for
// display only; unknown ids are synthesized as "board-<id>".
var boardNames = map[uint32]string{
	9:    "fmuv3",
	50:   "fmuv5",
	140:  "CubeOrange",
	1063: "CubeOrangePlus",
}

// BoardName returns a human-readable board name, synthesizing one for any
// board_type not in the static table.
func BoardName(boardType uint32) string {
	if name, ok := boardNames[boardType]; ok {
		return name
	}
	return fmt.Sprintf("board-%d", boardType)
}

// Catalog indexes on-disk firmware for both update phases: the Phase A .apj
// directory scan, and the Phase B per-device directory convention.
type Catalog struct {
	root    string
	bundles []*Bundle
}

// LoadCatalog scans root for every .apj file, loading and indexing it.
// Bundles that fail to parse are skipped (BundleParseError is not fatal to
// the scan as a whole).
func LoadCatalog(root string) (*Catalog, []error) {
	var bundles []*Bundle
	var errs []error

	entries, err := os.ReadDir(root)
	if err != nil {
		return &Catalog{root: root}, []error{fmt.Errorf("firmware: read catalog dir %s: %w", root, err)}
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".apj") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(root, name)
		b, err := Load(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		bundles = append(bundles, b)
	}

	return &Catalog{root: root, bundles: bundles}, errs
}

// Match finds the bundle whose board_id exactly matches boardType; if none
// match, it consults the static compatibility table and returns the single
// fallback bundle for that board_type, if present.
func (c *Catalog) Match(boardType uint32) (*Bundle, bool) {
	for _, b := range c.bundles {
		if b.BoardID == boardType {
			return b, true
		}
	}
	if compat, ok := compatibleBoardID[boardType]; ok {
		for _, b := range c.bundles {
			if b.BoardID == compat.BoardID {
				return b, true
			}
		}
	}
	return nil, false
}

var deviceNamePattern = regexp.MustCompile(`com\.cubepilot\.(\w+)`)

// ExtractDeviceName returns the bare device identifier from any of the
// textual fields a DroneCAN GetNodeInfo reply carries, or "" if none of them
// carry the vendor prefix.
func ExtractDeviceName(fields ...string) string {
	for _, f := range fields {
		if m := deviceNamePattern.FindStringSubmatch(f); m != nil {
			return m[1]
		}
	}
	return ""
}

// FindPeripheralFirmware resolves the Phase B firmware path for deviceName,
// preferring a version-pinned file over the bare fallback. It returns the
// path and the version string parsed out of it (stripped of the
// "firmware_" prefix and ".bin" suffix), or ("", "", false) if neither
// exists.
func FindPeripheralFirmware(root, deviceName string) (path, version string, ok bool) {
	dir := filepath.Join(root, "com.cubepilot."+deviceName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", false
	}

	var versioned []string
	hasFallback := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case name == "firmware.bin":
			hasFallback = true
		case strings.HasPrefix(name, "firmware_") && strings.HasSuffix(name, ".bin"):
			versioned = append(versioned, name)
		}
	}

	if len(versioned) > 0 {
		sort.Strings(versioned)
		name := versioned[len(versioned)-1]
		v := strings.TrimSuffix(strings.TrimPrefix(name, "firmware_"), ".bin")
		return filepath.Join(dir, name), v, true
	}
	if hasFallback {
		return filepath.Join(dir, "firmware.bin"), "", true
	}
	return "", "", false
}
