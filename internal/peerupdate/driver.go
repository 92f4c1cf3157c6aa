// Package peerupdate drives one DroneCAN peripheral through its update
// sequence: confirm it is reachable via GetNodeInfo, coax it into
// maintenance mode, push firmware through the file server, flash its
// bootloader, then restart it back into application mode.
package peerupdate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/cubepilot/batch-firmware-updater/internal/can"
	"github.com/cubepilot/batch-firmware-updater/internal/fileserver"
	"github.com/cubepilot/batch-firmware-updater/internal/logging"
	"github.com/cubepilot/batch-firmware-updater/internal/peers"
	"github.com/cubepilot/batch-firmware-updater/internal/progress"
)

const (
	stGetInfo          = "get_info"
	stWaitOperational  = "waiting_operational"
	stForceMaintenance = "force_maintenance"
	stBeginUpdate      = "begin_update"
	stUpdating         = "updating"
	stBootloaderFlash  = "bootloader_flash"
	stRestarting       = "restarting"
	stComplete         = "complete"
	stFailed           = "failed"
)

const (
	evInfoReceived       = "info_received"
	evUpToDate           = "up_to_date"
	evNeedsUpdate        = "needs_update"
	evMaintenanceEntered = "maintenance_entered"
	evUpdateBegan        = "update_began"
	evUpdateFinished     = "update_finished"
	evBootloaderFinished = "bootloader_finished"
	evRestarted          = "restarted"
	evFail               = "fail"
)

const requestTimeout = 3 * time.Second
const statusPollInterval = 500 * time.Millisecond
const updateTimeout = 1200 * time.Second

// maintenanceRetryInterval/maintenanceTimeout govern how often RestartNode
// is re-sent while coaxing a peer into maintenance mode, and how long that
// coaxing is allowed to take before the update is abandoned.
const maintenanceRetryInterval = 5 * time.Second
const maintenanceTimeout = 30 * time.Second

// bootloaderFlashRetryInterval/bootloaderFlashTimeout govern the
// param.GetSet(FLASH_BOOTLOADER=1) retry loop.
const bootloaderFlashRetryInterval = 5 * time.Second
const bootloaderFlashTimeout = 30 * time.Second

// flashBootloaderParam is the DroneCAN parameter name this updater writes
// to trigger a peripheral's self-flash of its own bootloader.
const flashBootloaderParam = "FLASH_BOOTLOADER"

// Driver runs the per-peer update state machine for a single discovered
// peripheral. One Driver is created per node per update run.
type Driver struct {
	node     *can.Node
	registry *peers.Registry
	files    *fileserver.Server
	bus      *progress.Bus
	log      *logging.Logger

	peer *peers.PeerNode
	fsm  *fsm.FSM

	statusCh chan can.NodeStatus
	logCh    chan can.LogMessage
	lastErr  error
}

// New constructs a driver for peer, bound to the shared node runtime,
// registry, and file server of the interface peer was discovered on.
func New(node *can.Node, registry *peers.Registry, files *fileserver.Server, bus *progress.Bus, peer *peers.PeerNode) *Driver {
	d := &Driver{
		node:     node,
		registry: registry,
		files:    files,
		bus:      bus,
		log:      logging.Named("peerupdate"),
		peer:     peer,
		statusCh: make(chan can.NodeStatus, 8),
		logCh:    make(chan can.LogMessage, 8),
	}

	d.fsm = fsm.NewFSM(stGetInfo, fsm.Events{
		{Name: evInfoReceived, Src: []string{stGetInfo}, Dst: stWaitOperational},
		{Name: evUpToDate, Src: []string{stWaitOperational}, Dst: stBootloaderFlash},
		{Name: evNeedsUpdate, Src: []string{stWaitOperational}, Dst: stForceMaintenance},
		{Name: evMaintenanceEntered, Src: []string{stForceMaintenance}, Dst: stBeginUpdate},
		{Name: evUpdateBegan, Src: []string{stBeginUpdate}, Dst: stUpdating},
		{Name: evUpdateFinished, Src: []string{stUpdating}, Dst: stBootloaderFlash},
		{Name: evBootloaderFinished, Src: []string{stBootloaderFlash}, Dst: stRestarting},
		{Name: evRestarted, Src: []string{stRestarting}, Dst: stComplete},
		{Name: evFail, Src: []string{stGetInfo, stWaitOperational, stForceMaintenance, stBeginUpdate, stUpdating, stBootloaderFlash, stRestarting}, Dst: stFailed},
	}, fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) { d.onEnterState(e) },
	})

	node.RegisterMessageHandler(can.DataTypeNodeStatus, d.observeNodeStatus)
	node.RegisterMessageHandler(can.DataTypeDebugLogMessage, d.observeLogMessage)
	return d
}

func (d *Driver) key() string {
	return fmt.Sprintf("dronecan_%x", d.peer.UniqueID)
}

func (d *Driver) onEnterState(e *fsm.Event) {
	var status progress.Status
	var percent float64
	switch e.Dst {
	case stGetInfo:
		status, percent = progress.StatusConnecting, 0
	case stWaitOperational:
		status, percent = progress.StatusConnecting, 5
	case stForceMaintenance:
		status, percent = progress.StatusUpdating, 8
	case stBeginUpdate:
		status, percent = progress.StatusUpdating, 10
	case stUpdating:
		status, percent = progress.StatusUploading, 20
	case stBootloaderFlash:
		status, percent = progress.StatusBootloader, 85
	case stRestarting:
		status, percent = progress.StatusRestarting, 95
	case stComplete:
		status, percent = progress.StatusComplete, 100
	case stFailed:
		status, percent = progress.StatusFailed, 0
	}
	errMsg := ""
	if d.lastErr != nil {
		errMsg = d.lastErr.Error()
	}
	if d.bus != nil {
		d.bus.UpdateProgress(d.key(), status, percent, errMsg)
	}
	d.log.Debug("peer state transition", zap.Uint8("node_id", d.peer.NodeID), zap.String("state", e.Dst))
}

func (d *Driver) observeNodeStatus(sourceNode uint8, payload []byte) {
	if sourceNode != d.peer.NodeID {
		return
	}
	status, err := decodeNodeStatusSafe(payload)
	if err != nil {
		return
	}
	select {
	case d.statusCh <- status:
	default:
	}
	d.registry.Touch(sourceNode)
}

func (d *Driver) observeLogMessage(sourceNode uint8, payload []byte) {
	if sourceNode != d.peer.NodeID {
		return
	}
	msg, err := can.DecodeLogMessage(payload)
	if err != nil {
		return
	}
	select {
	case d.logCh <- msg:
	default:
	}
}

func decodeNodeStatusSafe(payload []byte) (can.NodeStatus, error) {
	if len(payload) < 7 {
		return can.NodeStatus{}, fmt.Errorf("short NodeStatus")
	}
	// NodeStatus fields are re-derived locally rather than importing an
	// unexported decoder; the wire layout matches can.NodeStatus exactly.
	return can.NodeStatus{
		UptimeSec: uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16 | uint32(payload[3])<<24,
		Health:    (payload[4] >> 6) & 0x3,
		Mode:      (payload[4] >> 3) & 0x7,
		SubMode:   payload[4] & 0x7,
	}, nil
}

// Run drives the peer through its full update sequence, blocking until it
// completes, fails, or ctx is cancelled. It returns the final error, if any.
//
// Firmware peripherals reject BeginFirmwareUpdate outside maintenance mode,
// so a peer that needs an update is first coaxed there (stepForceMaintenance)
// before any image is pushed. The bootloader self-flash and final restart
// are performed unconditionally, including for peers already running the
// catalog's current version — only the firmware push itself is skipped for
// those.
func (d *Driver) Run(ctx context.Context) error {
	if ctx.Err() != nil {
		return d.fail(ctx.Err())
	}
	if err := d.stepGetInfo(ctx); err != nil {
		return d.fail(err)
	}
	if err := d.stepEvaluate(ctx); err != nil {
		return d.fail(err)
	}

	if d.peer.NeedsUpdate {
		if err := d.stepForceMaintenance(ctx); err != nil {
			return d.fail(err)
		}
		if err := d.stepUpdate(ctx, d.peer.FirmwarePath, evUpdateBegan, evUpdateFinished); err != nil {
			return d.fail(err)
		}
	}

	if err := d.stepBootloaderFlash(ctx); err != nil {
		return d.fail(err)
	}
	if err := d.stepRestart(ctx); err != nil {
		return d.fail(err)
	}
	return nil
}

func (d *Driver) fail(err error) error {
	d.lastErr = err
	_ = d.fsm.Event(context.Background(), evFail)
	d.log.Error(err, "peer update failed", zap.Uint8("node_id", d.peer.NodeID))
	return err
}

func (d *Driver) stepGetInfo(ctx context.Context) error {
	info, err := d.node.GetNodeInfo(ctx, d.peer.NodeID, requestTimeout)
	if err != nil {
		return fmt.Errorf("peerupdate: get node info: %w", err)
	}
	d.peer = d.registry.Observe(d.peer.NodeID, info)
	return d.fsm.Event(ctx, evInfoReceived)
}

func (d *Driver) stepEvaluate(ctx context.Context) error {
	if !d.peer.NeedsUpdate {
		return d.fsm.Event(ctx, evUpToDate)
	}
	return d.fsm.Event(ctx, evNeedsUpdate)
}

// stepForceMaintenance repeatedly sends RestartNode, which DroneCAN
// bootloaders interpret as a request to stay in (or re-enter) maintenance
// mode, until the peer reports NodeStatus.mode == MAINTENANCE or
// maintenanceTimeout elapses. Firmware pushes are rejected outside
// maintenance mode, so this must complete before stepUpdate runs.
func (d *Driver) stepForceMaintenance(ctx context.Context) error {
	deadline := time.Now().Add(maintenanceTimeout)
	ticker := time.NewTicker(maintenanceRetryInterval)
	defer ticker.Stop()

	d.requestRestart()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case status := <-d.statusCh:
			if status.Mode == can.ModeMaintenance {
				return d.fsm.Event(ctx, evMaintenanceEntered)
			}
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("peerupdate: timed out waiting for peer to enter maintenance mode")
			}
			d.requestRestart()
		}
	}
}

func (d *Driver) requestRestart() {
	if _, err := d.node.RestartNode(context.Background(), d.peer.NodeID, requestTimeout); err != nil {
		d.log.Debug("restart request failed while forcing maintenance mode", zap.Uint8("node_id", d.peer.NodeID), zap.Error(err))
	}
}

// stepUpdate pushes the firmware image through BeginFirmwareUpdate and waits
// for the peer to report it has left software-update mode, checking for
// cancellation on every poll tick.
func (d *Driver) stepUpdate(ctx context.Context, path, beginEvent, finishEvent string) error {
	hash, err := d.files.Register(path)
	if err != nil {
		return fmt.Errorf("peerupdate: register %s: %w", path, err)
	}
	defer d.files.Unregister(hash)

	resp, err := d.node.BeginFirmwareUpdate(ctx, d.peer.NodeID, hash, requestTimeout)
	if err != nil {
		return fmt.Errorf("peerupdate: begin firmware update: %w", err)
	}
	if resp.ErrorCode != 0 {
		return fmt.Errorf("peerupdate: peer rejected firmware update, error code %d", resp.ErrorCode)
	}
	if err := d.fsm.Event(ctx, beginEvent); err != nil {
		return err
	}

	deadline := time.Now().Add(updateTimeout)
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	inUpdate := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case status := <-d.statusCh:
			if status.Mode == can.ModeSoftwareUpdate {
				inUpdate = true
			} else if inUpdate {
				return d.fsm.Event(ctx, finishEvent)
			}
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("peerupdate: timed out waiting for update to finish")
			}
		}
	}
}

// stepBootloaderFlash writes param.GetSet(FLASH_BOOTLOADER=1), re-sending it
// every bootloaderFlashRetryInterval, and watches debug.LogMessage for the
// peer's "Bootloader unchanged" or "Bootloader Flash ok" confirmation before
// proceeding to restart. This runs for every peer, including those whose
// firmware push was skipped because they were already up to date.
func (d *Driver) stepBootloaderFlash(ctx context.Context) error {
	deadline := time.Now().Add(bootloaderFlashTimeout)
	ticker := time.NewTicker(bootloaderFlashRetryInterval)
	defer ticker.Stop()

	d.requestBootloaderFlash(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-d.logCh:
			if strings.Contains(msg.Text, "Bootloader unchanged") || strings.Contains(msg.Text, "Bootloader Flash ok") {
				return d.fsm.Event(ctx, evBootloaderFinished)
			}
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("peerupdate: timed out waiting for bootloader flash confirmation")
			}
			d.requestBootloaderFlash(ctx)
		}
	}
}

func (d *Driver) requestBootloaderFlash(ctx context.Context) {
	if _, err := d.node.SetParam(ctx, d.peer.NodeID, flashBootloaderParam, 1, requestTimeout); err != nil {
		d.log.Debug("param.GetSet(FLASH_BOOTLOADER) failed", zap.Uint8("node_id", d.peer.NodeID), zap.Error(err))
	}
}

func (d *Driver) stepRestart(ctx context.Context) error {
	ok, err := d.node.RestartNode(ctx, d.peer.NodeID, requestTimeout)
	if err != nil {
		return fmt.Errorf("peerupdate: restart node: %w", err)
	}
	if !ok {
		return fmt.Errorf("peerupdate: peer declined restart")
	}
	return d.fsm.Event(ctx, evRestarted)
}
