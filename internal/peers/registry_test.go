package peers

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubepilot/batch-firmware-updater/internal/can"
	"github.com/cubepilot/batch-firmware-updater/internal/progress"
)

func nodeInfo(name string, unique byte, major, minor uint8) can.GetNodeInfoResponse {
	return nodeInfoVCS(name, unique, major, minor, 0)
}

func nodeInfoVCS(name string, unique byte, major, minor uint8, vcsCommit uint32) can.GetNodeInfoResponse {
	var uid [16]byte
	uid[0] = unique
	return can.GetNodeInfoResponse{
		Status:   can.NodeStatus{Mode: can.ModeOperational},
		Software: can.SoftwareVersion{Major: major, Minor: minor, VCSCommit: vcsCommit},
		Hardware: can.HardwareVersion{UniqueID: uid},
		Name:     name,
	}
}

func TestObserveRegistersNewPeer(t *testing.T) {
	root := t.TempDir()
	deviceDir := filepath.Join(root, "com.cubepilot.gps")
	require.NoError(t, os.MkdirAll(deviceDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(deviceDir, "firmware_2.0.bin"), []byte("x"), 0o644))

	bus := progress.NewBus(nil)
	reg := NewRegistry(bus, root, "can0")

	p := reg.Observe(21, nodeInfo("com.cubepilot.gps v1", 0xAA, 1, 0))
	require.Equal(t, "gps", p.DeviceName)
	require.True(t, p.NeedsUpdate, "peer reports 1.0, catalog has 2.0")

	got, ok := reg.Get(21)
	require.True(t, ok)
	require.Same(t, p, got)
	require.Equal(t, 1, reg.Count())

	snap := bus.Snapshot()
	_, ok = snap.Devices["dronecan_"+hexOf(p.UniqueID)]
	require.True(t, ok, "progress bus missing row for observed peer")
}

func TestObserveReindexesOnNodeIDChange(t *testing.T) {
	bus := progress.NewBus(nil)
	reg := NewRegistry(bus, t.TempDir(), "can0")

	reg.Observe(21, nodeInfo("com.cubepilot.airspeed", 0xBB, 1, 0))
	_, ok := reg.Get(21)
	require.True(t, ok)

	reg.Observe(22, nodeInfo("com.cubepilot.airspeed", 0xBB, 1, 0))
	_, ok = reg.Get(21)
	require.False(t, ok, "old node id index should be dropped after reassignment")

	p, ok := reg.Get(22)
	require.True(t, ok)
	require.EqualValues(t, 22, p.NodeID)
	require.Equal(t, 1, reg.Count(), "same unique_id, not a new peer")
}

func TestSweepRemovesStalePeers(t *testing.T) {
	bus := progress.NewBus(nil)
	reg := NewRegistry(bus, t.TempDir(), "can0")
	reg.Observe(30, nodeInfo("com.cubepilot.gps", 0xCC, 1, 0))

	future := time.Now().Add(StaleTimeout + time.Second)
	stale := reg.Sweep(future)
	require.Len(t, stale, 1)
	require.Equal(t, 0, reg.Count())
}

func TestObserveMatchesCommitTaggedVersion(t *testing.T) {
	root := t.TempDir()
	deviceDir := filepath.Join(root, "com.cubepilot.gps")
	require.NoError(t, os.MkdirAll(deviceDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(deviceDir, "firmware_1.8.abcd12.bin"), []byte("x"), 0o644))

	bus := progress.NewBus(nil)
	reg := NewRegistry(bus, root, "can0")

	p := reg.Observe(21, nodeInfoVCS("com.cubepilot.gps", 0xEE, 1, 8, 0xabcd12))
	require.False(t, p.NeedsUpdate, "peer already running the catalog's commit-tagged version")

	p = reg.Observe(21, nodeInfoVCS("com.cubepilot.gps", 0xEE, 1, 8, 0x000001))
	require.True(t, p.NeedsUpdate, "different commit hash must not compare equal")
}

func TestSweepKeepsFreshPeers(t *testing.T) {
	bus := progress.NewBus(nil)
	reg := NewRegistry(bus, t.TempDir(), "can0")
	reg.Observe(30, nodeInfo("com.cubepilot.gps", 0xDD, 1, 0))

	stale := reg.Sweep(time.Now())
	require.Empty(t, stale)
}

func hexOf(b [16]byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 32)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0F]
	}
	return string(out)
}
