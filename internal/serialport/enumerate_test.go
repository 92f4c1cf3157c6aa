package serialport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func withStubGlob(t *testing.T, matches map[string][]string) {
	t.Helper()
	orig := globFunc
	globFunc = func(pattern string) ([]string, error) {
		return matches[pattern], nil
	}
	t.Cleanup(func() { globFunc = orig })
}

func TestUnixCandidatesDeduplicatesAndSorts(t *testing.T) {
	withStubGlob(t, map[string][]string{
		"/dev/serial/by-id/usb-Ardu*":        {"/dev/serial/by-id/usb-ArduPilot-X"},
		"/dev/serial/by-id/usb-*-CubePilot*": {"/dev/serial/by-id/usb-ArduPilot-X", "/dev/serial/by-id/usb-CubePilot-Y"},
	})

	got := unixCandidates()
	want := []string{"/dev/serial/by-id/usb-ArduPilot-X", "/dev/serial/by-id/usb-CubePilot-Y"}
	require.Equal(t, want, got)
}

func TestUnixCandidatesEmptyWhenNoMatches(t *testing.T) {
	withStubGlob(t, map[string][]string{})
	require.Empty(t, unixCandidates())
}

func TestWindowsCandidatesFullRange(t *testing.T) {
	got := windowsCandidates()
	require.Len(t, got, 255)
	require.Equal(t, "COM1", got[0])
	require.Equal(t, "COM255", got[254])
}
