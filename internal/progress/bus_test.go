package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddDeviceDoesNotClobberExisting(t *testing.T) {
	b := NewBus(nil)
	b.AddDevice("cube_1", DeviceRow{Name: "first", Status: StatusQueued})
	b.AddDevice("cube_1", DeviceRow{Name: "second", Status: StatusFailed})

	snap := b.Snapshot()
	require.Equal(t, "first", snap.Devices["cube_1"].Name)
}

func TestUpdateProgressMutatesExistingRow(t *testing.T) {
	b := NewBus(nil)
	b.AddDevice("cube_1", DeviceRow{Name: "cube"})
	b.UpdateProgress("cube_1", StatusUploading, 42, "")

	row := b.Snapshot().Devices["cube_1"]
	require.Equal(t, StatusUploading, row.Status)
	require.Equal(t, 42.0, row.Progress)
}

func TestConsoleFIFOBounded(t *testing.T) {
	b := NewBus(nil)
	for i := 0; i < maxConsoleLines+10; i++ {
		b.AddConsoleLine("line")
	}
	require.Len(t, b.Snapshot().Console, maxConsoleLines)
}

func TestAddConsoleLineIgnoresEmpty(t *testing.T) {
	b := NewBus(nil)
	b.AddConsoleLine("")
	require.Empty(t, b.Snapshot().Console)
}

func TestNotifyThrottled(t *testing.T) {
	var calls int
	b := NewBus(func(Snapshot) { calls++ })
	b.AddDevice("a", DeviceRow{})
	b.AddDevice("b", DeviceRow{})
	b.AddDevice("c", DeviceRow{})
	require.Equal(t, 1, calls, "onMutate should be throttled within the window")

	time.Sleep(110 * time.Millisecond)
	b.AddDevice("d", DeviceRow{})
	require.Equal(t, 2, calls, "onMutate should fire again once the throttle window elapsed")
}
