// Package orchestrator sequences the two update phases: Phase A reflashes
// every detected flight controller over serial, then Phase B brings up one
// CAN node runtime per transport and drives DroneCAN peripheral updates
// until asked to stop.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cubepilot/batch-firmware-updater/internal/can"
	"github.com/cubepilot/batch-firmware-updater/internal/config"
	"github.com/cubepilot/batch-firmware-updater/internal/cube"
	"github.com/cubepilot/batch-firmware-updater/internal/fileserver"
	"github.com/cubepilot/batch-firmware-updater/internal/firmware"
	"github.com/cubepilot/batch-firmware-updater/internal/logging"
	"github.com/cubepilot/batch-firmware-updater/internal/peers"
	"github.com/cubepilot/batch-firmware-updater/internal/peerupdate"
	"github.com/cubepilot/batch-firmware-updater/internal/progress"
	"github.com/cubepilot/batch-firmware-updater/internal/serialport"
	"github.com/cubepilot/batch-firmware-updater/internal/ui"
)

// PeerDiscoveryWindow is how long the orchestrator waits after opening a
// transport before deciding whether it carries any live peers.
const PeerDiscoveryWindow = 10 * time.Second

// Orchestrator runs Phase A to completion, then Phase B until stopped.
type Orchestrator struct {
	cfg     *config.Config
	catalog *firmware.Catalog
	bus     *progress.Bus
	log     *logging.Logger
}

// New constructs an Orchestrator.
func New(cfg *config.Config, catalog *firmware.Catalog, bus *progress.Bus) *Orchestrator {
	return &Orchestrator{cfg: cfg, catalog: catalog, bus: bus, log: logging.Named("orchestrator")}
}

// RunPhaseA detects cubes, confirms with the operator (unless AutoYes or
// SkipCube is set), and reflashes every one that needs an update. It
// returns an error if the operator declines the update or if any device
// failed to update.
func (o *Orchestrator) RunPhaseA(ctx context.Context) error {
	if o.cfg.SkipCube {
		o.log.Info("skipping cube update phase")
		return nil
	}

	updater := cube.NewUpdater(o.cfg, o.catalog, o.bus)
	devices := updater.DetectDevices(ctx)
	if len(devices) == 0 {
		o.log.Info("no cubes detected")
		return nil
	}

	candidates := updater.CheckFirmwareVersions(devices)
	if len(candidates) == 0 {
		ui.Infof("No matching firmware found for any of the %d detected cube(s).", len(devices))
		return nil
	}

	if !ui.ConfirmUpdate(len(candidates), o.cfg.AutoYes) {
		ui.Warningf("Cube update cancelled by operator.")
		return fmt.Errorf("orchestrator: cube update cancelled")
	}

	results, err := updater.UpdateDevices(ctx, candidates)
	if err != nil {
		return fmt.Errorf("orchestrator: cube update phase: %w", err)
	}

	var failed int
	for _, d := range results {
		if d.UpdateError != nil {
			failed++
			ui.Redf("cube on %s failed: %v", d.Port, d.UpdateError)
		}
	}
	if failed > 0 {
		return fmt.Errorf("orchestrator: %d of %d cube update(s) failed", failed, len(results))
	}
	return nil
}

// interfaceSession is one live CAN transport Phase B is driving.
type interfaceSession struct {
	label     string
	transport *can.Transport
	node      *can.Node
	registry  *peers.Registry
	files     *fileserver.Server
}

// RunPhaseB opens a CAN node runtime on every transport that yields at
// least one discovered peer within PeerDiscoveryWindow, then drives peer
// updates on all of them concurrently until ctx is cancelled.
func (o *Orchestrator) RunPhaseB(ctx context.Context) error {
	ports := serialport.Enumerate()
	if len(ports) == 0 {
		o.log.Info("no CAN transports found")
		return nil
	}

	var sessions []*interfaceSession
	for _, port := range ports {
		for _, busNum := range o.cfg.CANBusNumbers {
			label := fmt.Sprintf("%s:can%d", port, busNum)
			sess, err := o.tryOpenInterface(ctx, port, label)
			if err != nil {
				o.log.Debug("interface probe failed", zap.String("interface", label), zap.Error(err))
				continue
			}
			if sess == nil {
				continue // opened cleanly but no peers appeared
			}
			sessions = append(sessions, sess)
		}
	}

	if len(sessions) == 0 {
		o.log.Info("no DroneCAN peers discovered on any interface")
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			return o.driveInterface(gctx, sess)
		})
	}
	return g.Wait()
}

// tryOpenInterface opens port as a CAN transport, runs its node runtime for
// PeerDiscoveryWindow, and returns nil (with the transport closed) if no
// peer showed up in that time.
func (o *Orchestrator) tryOpenInterface(ctx context.Context, port, label string) (*interfaceSession, error) {
	transport, err := can.Open(port, int(o.cfg.CANBitrate))
	if err != nil {
		return nil, err
	}

	node := can.NewNode(transport, o.cfg.LocalNodeID)
	node.EnableAllocator()
	registry := peers.NewRegistry(o.bus, o.cfg.FirmwareRoot, label)
	files := fileserver.NewServer()
	files.Attach(node)

	// seen tracks node ids already queued for a GetNodeInfo lookup, so the
	// handler below queues each newly observed id exactly once. The handler
	// runs inline on the node's single dispatch goroutine (see can.Node.run)
	// and must never block on a request of its own — GetNodeInfo's response
	// can only arrive through that same goroutine, so doing it here would
	// deadlock until the request timed out. The lookup is handed off to
	// discoverCh instead, drained by a dedicated worker goroutine below.
	var seenMu sync.Mutex
	seen := make(map[uint8]bool)
	discoverCh := make(chan uint8, 64)

	node.RegisterMessageHandler(can.DataTypeNodeStatus, func(sourceNode uint8, _ []byte) {
		if sourceNode <= maxReservedNodeID || sourceNode > maxPeerNodeID {
			return
		}
		if _, known := registry.Get(sourceNode); known {
			registry.Touch(sourceNode)
			return
		}
		seenMu.Lock()
		alreadyQueued := seen[sourceNode]
		seen[sourceNode] = true
		seenMu.Unlock()
		if alreadyQueued {
			return
		}
		select {
		case discoverCh <- sourceNode:
		default:
			o.log.Warn("discovery queue full, dropping GetNodeInfo lookup", zap.String("interface", label), zap.Uint8("node_id", sourceNode))
			seenMu.Lock()
			seen[sourceNode] = false
			seenMu.Unlock()
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case sourceNode := <-discoverCh:
				info, err := node.GetNodeInfo(runCtx, sourceNode, 3*time.Second)
				if err != nil {
					seenMu.Lock()
					seen[sourceNode] = false
					seenMu.Unlock()
					continue
				}
				registry.Observe(sourceNode, info)
			}
		}
	}()

	go func() {
		if err := node.Run(runCtx); err != nil && runCtx.Err() == nil {
			o.log.Warn("node runtime exited", zap.String("interface", label), zap.Error(err))
		}
	}()

	select {
	case <-time.After(PeerDiscoveryWindow):
	case <-ctx.Done():
		cancel()
		_ = transport.Close()
		return nil, ctx.Err()
	}

	if registry.Count() == 0 {
		cancel()
		_ = transport.Close()
		return nil, nil
	}

	o.log.Info("CAN interface active", zap.String("interface", label), zap.Int("peers", registry.Count()))
	return &interfaceSession{label: label, transport: transport, node: node, registry: registry, files: files}, nil
}

// Node ids 1..maxReservedNodeID are reserved for autopilots and are never
// treated as peers.
const maxReservedNodeID = 20
const maxPeerNodeID = 125

// driveInterface runs the peer sweeper and an update driver for every peer
// discovered on sess, blocking until ctx is cancelled.
func (o *Orchestrator) driveInterface(ctx context.Context, sess *interfaceSession) error {
	defer sess.transport.Close()

	go sess.registry.RunSweeper(ctx)

	launched := make(map[[16]byte]bool)
	g, gctx := errgroup.WithContext(ctx)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case <-ticker.C:
			for _, peer := range sess.registry.List() {
				if launched[peer.UniqueID] {
					continue
				}
				launched[peer.UniqueID] = true
				peer := peer
				g.Go(func() error {
					driver := peerupdate.New(sess.node, sess.registry, sess.files, o.bus, peer)
					if err := driver.Run(gctx); err != nil {
						o.log.Warn("peer update finished with error", zap.Uint8("node_id", peer.NodeID), zap.Error(err))
					}
					return nil
				})
			}
		}
	}
}
