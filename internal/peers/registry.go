// Package peers maintains the set of DroneCAN peripherals discovered on a
// CAN bus, reconciling each peer's identity by its stable 16-byte unique_id
// rather than its mutable node_id, and sweeping entries that go quiet.
package peers

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cubepilot/batch-firmware-updater/internal/can"
	"github.com/cubepilot/batch-firmware-updater/internal/firmware"
	"github.com/cubepilot/batch-firmware-updater/internal/logging"
	"github.com/cubepilot/batch-firmware-updater/internal/progress"
)

// StaleTimeout is how long a peer may go without a NodeStatus before the
// sweep removes it.
const StaleTimeout = 20 * time.Second

// SweepInterval is how often Sweep should be invoked by the owning driver.
const SweepInterval = 5 * time.Second

// PeerNode is one discovered DroneCAN peripheral.
type PeerNode struct {
	NodeID          uint8
	UniqueID        [16]byte
	DeviceName      string
	SoftwareMajor   uint8
	SoftwareMinor   uint8
	SoftwareVCS     uint32
	HardwareMajor   uint8
	HardwareMinor   uint8
	FirmwarePath    string
	FirmwareVersion string
	NeedsUpdate     bool
	LastSeen        time.Time
	BootloaderState string
}

func (p *PeerNode) key() string {
	return "dronecan_" + hex.EncodeToString(p.UniqueID[:])
}

// Registry is the mutex-protected peer table for one CAN interface.
type Registry struct {
	mu           sync.Mutex
	byUniqueID   map[[16]byte]*PeerNode
	nodeToUnique map[uint8][16]byte

	bus          *progress.Bus
	firmwareRoot string
	ifaceLabel   string
	log          *logging.Logger
}

// NewRegistry constructs an empty registry for one CAN interface, reporting
// rows to bus under ifaceLabel and resolving firmware from firmwareRoot.
func NewRegistry(bus *progress.Bus, firmwareRoot, ifaceLabel string) *Registry {
	return &Registry{
		byUniqueID:   make(map[[16]byte]*PeerNode),
		nodeToUnique: make(map[uint8][16]byte),
		bus:          bus,
		firmwareRoot: firmwareRoot,
		ifaceLabel:   ifaceLabel,
		log:          logging.Named("peers"),
	}
}

// Touch records that nodeID is alive without full identity information; it
// is a no-op for node ids the registry has not yet resolved via Observe.
func (r *Registry) Touch(nodeID uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if uid, ok := r.nodeToUnique[nodeID]; ok {
		if p, ok := r.byUniqueID[uid]; ok {
			p.LastSeen = time.Now()
		}
	}
}

// Observe reconciles a peer's identity from a fresh GetNodeInfo response,
// registering or updating its progress row and re-indexing its node_id if
// it has moved (e.g. reassigned by the allocator across a restart).
func (r *Registry) Observe(nodeID uint8, info can.GetNodeInfoResponse) *PeerNode {
	var uid [16]byte
	copy(uid[:], info.Hardware.UniqueID[:])

	r.mu.Lock()
	p, exists := r.byUniqueID[uid]
	if !exists {
		p = &PeerNode{UniqueID: uid}
		r.byUniqueID[uid] = p
	}
	if prevNodeID := p.NodeID; prevNodeID != nodeID {
		delete(r.nodeToUnique, prevNodeID)
	}
	p.NodeID = nodeID
	p.SoftwareMajor = info.Software.Major
	p.SoftwareMinor = info.Software.Minor
	p.SoftwareVCS = info.Software.VCSCommit
	p.HardwareMajor = info.Hardware.Major
	p.HardwareMinor = info.Hardware.Minor
	p.DeviceName = firmware.ExtractDeviceName(info.Name)
	p.LastSeen = time.Now()
	r.nodeToUnique[nodeID] = uid
	r.mu.Unlock()

	r.resolveFirmware(p)
	r.registerRow(p)
	return p
}

func (r *Registry) resolveFirmware(p *PeerNode) {
	if p.DeviceName == "" {
		return
	}
	path, version, ok := firmware.FindPeripheralFirmware(r.firmwareRoot, p.DeviceName)
	r.mu.Lock()
	defer r.mu.Unlock()
	if !ok {
		p.NeedsUpdate = false
		return
	}
	p.FirmwarePath = path
	p.FirmwareVersion = version
	p.NeedsUpdate = version != currentVersionString(p.SoftwareMajor, p.SoftwareMinor, p.SoftwareVCS)
}

// currentVersionString derives a peer's running version string the same way
// the firmware catalog names its files: "major.minor", with a ".<vcs_commit
// in hex>" suffix appended when the peer reports a nonzero VCS commit.
func currentVersionString(major, minor uint8, vcsCommit uint32) string {
	v := fmt.Sprintf("%d.%d", major, minor)
	if vcsCommit != 0 {
		v += fmt.Sprintf(".%x", vcsCommit)
	}
	return v
}

func (r *Registry) registerRow(p *PeerNode) {
	if r.bus == nil {
		return
	}
	r.bus.AddDevice(p.key(), progress.DeviceRow{
		Name:      p.DeviceName,
		Locator:   fmt.Sprintf("%d@%s", p.NodeID, r.ifaceLabel),
		Kind:      progress.KindDroneCAN,
		Interface: r.ifaceLabel,
		Status:    progress.StatusQueued,
	})
}

// Get returns the peer currently bound to nodeID, if any.
func (r *Registry) Get(nodeID uint8) (*PeerNode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uid, ok := r.nodeToUnique[nodeID]
	if !ok {
		return nil, false
	}
	p, ok := r.byUniqueID[uid]
	return p, ok
}

// List returns a snapshot of every known peer.
func (r *Registry) List() []*PeerNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PeerNode, 0, len(r.byUniqueID))
	for _, p := range r.byUniqueID {
		out = append(out, p)
	}
	return out
}

// Count returns the number of known peers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUniqueID)
}

// Sweep removes peers that have not been seen within StaleTimeout of now,
// returning the ones it removed.
func (r *Registry) Sweep(now time.Time) []*PeerNode {
	r.mu.Lock()
	var stale []*PeerNode
	for uid, p := range r.byUniqueID {
		if now.Sub(p.LastSeen) > StaleTimeout {
			stale = append(stale, p)
			delete(r.byUniqueID, uid)
			delete(r.nodeToUnique, p.NodeID)
		}
	}
	r.mu.Unlock()

	for _, p := range stale {
		r.log.Info("peer went stale", zap.Uint8("node_id", p.NodeID), zap.String("device", p.DeviceName))
		if r.bus != nil {
			r.bus.RemoveDevice(p.key())
		}
	}
	return stale
}

// RunSweeper blocks, calling Sweep on SweepInterval until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			r.Sweep(t)
		}
	}
}
