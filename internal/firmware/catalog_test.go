package firmware

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBoardNameKnownAndUnknown(t *testing.T) {
	require.Equal(t, "CubeOrange", BoardName(140))
	require.Equal(t, "board-99999", BoardName(99999))
}

func TestCatalogMatchExactAndCompatible(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "orange.apj", apjDocument{
		Image:   compressToBase64(t, []byte{1, 2, 3, 4}),
		BoardID: 140,
	})
	writeBundle(t, dir, "fmuv3.apj", apjDocument{
		Image:   compressToBase64(t, []byte{5, 6, 7, 8}),
		BoardID: 9,
	})

	cat, errs := LoadCatalog(dir)
	require.Empty(t, errs)

	b, ok := cat.Match(140)
	require.True(t, ok)
	require.EqualValues(t, 140, b.BoardID)

	// board_type 33 has no direct bundle, but falls back to board_id 9 per
	// the compatibility table.
	b, ok = cat.Match(33)
	require.True(t, ok)
	require.EqualValues(t, 9, b.BoardID)

	_, ok = cat.Match(77777)
	require.False(t, ok)
}

func TestLoadCatalogSkipsUnparsableBundles(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "good.apj", apjDocument{
		Image:   compressToBase64(t, []byte{1, 2, 3, 4}),
		BoardID: 140,
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.apj"), []byte("garbage"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("not a bundle"), 0o644))

	cat, errs := LoadCatalog(dir)
	require.Len(t, errs, 1)

	_, ok := cat.Match(140)
	require.True(t, ok)
}

func TestExtractDeviceName(t *testing.T) {
	require.Equal(t, "gps", ExtractDeviceName("", "com.cubepilot.gps 1.2", ""))
	require.Equal(t, "", ExtractDeviceName("no vendor prefix here"))
}

func TestFindPeripheralFirmwarePrefersVersioned(t *testing.T) {
	root := t.TempDir()
	deviceDir := filepath.Join(root, "com.cubepilot.gps")
	require.NoError(t, os.MkdirAll(deviceDir, 0o755))
	for _, name := range []string{"firmware_1.0.bin", "firmware_1.2.bin", "firmware.bin"} {
		require.NoError(t, os.WriteFile(filepath.Join(deviceDir, name), []byte("x"), 0o644))
	}

	path, version, ok := FindPeripheralFirmware(root, "gps")
	require.True(t, ok)
	require.Equal(t, "1.2", version)
	require.Equal(t, "firmware_1.2.bin", filepath.Base(path))
}

func TestFindPeripheralFirmwareFallsBackToBareFile(t *testing.T) {
	root := t.TempDir()
	deviceDir := filepath.Join(root, "com.cubepilot.airspeed")
	require.NoError(t, os.MkdirAll(deviceDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(deviceDir, "firmware.bin"), []byte("x"), 0o644))

	path, version, ok := FindPeripheralFirmware(root, "airspeed")
	require.True(t, ok)
	require.Equal(t, "", version)
	require.Equal(t, "firmware.bin", filepath.Base(path))
}

func TestFindPeripheralFirmwareMissingDevice(t *testing.T) {
	root := t.TempDir()
	_, _, ok := FindPeripheralFirmware(root, "nonexistent")
	require.False(t, ok)
}
