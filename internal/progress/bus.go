// Package progress implements the thread-safe device-status and console
// aggregator both update phases report into, plus optional HTTP/WebSocket
// and Prometheus sinks external tooling can attach to.
package progress

import (
	"sync"
	"time"
)

// Status is one of the device lifecycle states a row can occupy.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusConnecting Status = "connecting"
	StatusErasing    Status = "erasing"
	StatusUploading  Status = "uploading"
	StatusVerifying  Status = "verifying"
	StatusUpdating   Status = "updating"
	StatusBootloader Status = "bootloader"
	StatusRestarting Status = "restarting"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Kind distinguishes the two device families the bus tracks.
type Kind string

const (
	KindCube     Kind = "cube"
	KindDroneCAN Kind = "dronecan"
)

// DeviceRow is one row of the progress table.
type DeviceRow struct {
	Name      string
	Locator   string // serial port path, or "nodeID@interface" for CAN peers
	Kind      Kind
	Interface string
	Status    Status
	Progress  float64
	Error     string
}

// Snapshot is an internally-consistent, point-in-time copy of the bus.
type Snapshot struct {
	Devices map[string]DeviceRow
	Console []string
}

const maxConsoleLines = 100

// Bus is the process-wide, mutex-protected registry. The zero value is not
// usable; use NewBus.
type Bus struct {
	mu      sync.Mutex
	devices map[string]DeviceRow
	console []string

	lastRender time.Time
	onMutate   func(Snapshot)
}

// NewBus returns an empty Bus. onMutate, if non-nil, is called after every
// mutation (throttled to once per 100ms of wall time) with a fresh
// snapshot — typically wired to the status HTTP/WS server.
func NewBus(onMutate func(Snapshot)) *Bus {
	return &Bus{
		devices:  make(map[string]DeviceRow),
		onMutate: onMutate,
	}
}

// AddDevice registers a new row, or leaves an existing one alone (DroneCAN
// peer re-discovery must not clobber an in-flight status).
func (b *Bus) AddDevice(key string, row DeviceRow) {
	b.mu.Lock()
	if _, exists := b.devices[key]; !exists {
		b.devices[key] = row
	}
	b.mu.Unlock()
	b.notify()
}

// RemoveDevice deletes a row (e.g. a stale CAN peer).
func (b *Bus) RemoveDevice(key string) {
	b.mu.Lock()
	delete(b.devices, key)
	b.mu.Unlock()
	b.notify()
}

// UpdateProgress mutates a row's status/progress/error in place.
func (b *Bus) UpdateProgress(key string, status Status, percent float64, errMsg string) {
	b.mu.Lock()
	if row, ok := b.devices[key]; ok {
		row.Status = status
		row.Progress = percent
		row.Error = errMsg
		b.devices[key] = row
	}
	b.mu.Unlock()
	b.notify()
}

// AddConsoleLine appends to the bounded console FIFO, dropping the oldest
// line once the cap is exceeded.
func (b *Bus) AddConsoleLine(line string) {
	if line == "" {
		return
	}
	b.mu.Lock()
	b.console = append(b.console, line)
	if len(b.console) > maxConsoleLines {
		b.console = b.console[len(b.console)-maxConsoleLines:]
	}
	b.mu.Unlock()
	b.notify()
}

// Snapshot takes an internally-consistent copy of the bus under a single
// critical section.
func (b *Bus) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	devices := make(map[string]DeviceRow, len(b.devices))
	for k, v := range b.devices {
		devices[k] = v
	}
	console := make([]string, len(b.console))
	copy(console, b.console)
	return Snapshot{Devices: devices, Console: console}
}

// notify invokes onMutate with a fresh snapshot, throttled to at most once
// per 100ms; it is always called outside the bus's own critical section.
func (b *Bus) notify() {
	if b.onMutate == nil {
		return
	}
	b.mu.Lock()
	now := time.Now()
	if now.Sub(b.lastRender) < 100*time.Millisecond {
		b.mu.Unlock()
		return
	}
	b.lastRender = now
	b.mu.Unlock()
	b.onMutate(b.Snapshot())
}
