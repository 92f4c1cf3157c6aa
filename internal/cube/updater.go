// Package cube drives Phase A: discovering flight-control boards on serial
// ports, matching them against the firmware catalog, and reflashing them in
// parallel through the bootloader protocol client.
package cube

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cubepilot/batch-firmware-updater/internal/bootloader"
	"github.com/cubepilot/batch-firmware-updater/internal/config"
	"github.com/cubepilot/batch-firmware-updater/internal/firmware"
	"github.com/cubepilot/batch-firmware-updater/internal/logging"
	"github.com/cubepilot/batch-firmware-updater/internal/progress"
	"github.com/cubepilot/batch-firmware-updater/internal/serialport"
)

const detectionRounds = 3
const detectionRoundDelay = 500 * time.Millisecond

// Device is one detected cube, carrying its match against the firmware
// catalog once CheckFirmwareVersions has run.
type Device struct {
	Port        string
	BoardType   uint32
	BoardRev    uint32
	BoardName   string
	Bundle      *firmware.Bundle
	NeedsUpdate bool
	UpdateError error
}

func deviceKey(port string) string {
	return "cube_" + strings.ReplaceAll(port, "/", "_")
}

// Updater runs Phase A end to end.
type Updater struct {
	cfg     *config.Config
	catalog *firmware.Catalog
	bus     *progress.Bus
	log     *logging.Logger
}

// NewUpdater constructs a Phase A driver.
func NewUpdater(cfg *config.Config, catalog *firmware.Catalog, bus *progress.Bus) *Updater {
	return &Updater{cfg: cfg, catalog: catalog, bus: bus, log: logging.Named("cube")}
}

func (u *Updater) bootloaderOptions() bootloader.Options {
	return bootloader.Options{
		BootloaderBaud: u.cfg.BootloaderBaud,
		FlashBaud:      u.cfg.BootloaderFlashBaud,
		FlightBauds:    u.cfg.FlightStackBauds,
	}
}

// DetectDevices scans candidate ports for up to detectionRounds passes,
// tolerating USB re-enumeration after a reboot between rounds.
func (u *Updater) DetectDevices(ctx context.Context) []Device {
	var devices []Device
	seen := make(map[string]bool)

	for attempt := 0; attempt < detectionRounds; attempt++ {
		u.log.Debug("detection pass", zap.Int("attempt", attempt+1))

		for _, port := range serialport.Enumerate() {
			if ctx.Err() != nil {
				return devices
			}
			if seen[port] {
				continue
			}

			client, ok := bootloader.FindBootloader(port, u.bootloaderOptions())
			if !ok {
				continue
			}

			seen[port] = true
			name := firmware.BoardName(client.BoardType())
			devices = append(devices, Device{
				Port:      port,
				BoardType: client.BoardType(),
				BoardRev:  client.BoardRevision(),
				BoardName: name,
			})
			u.log.Info("found cube", zap.String("port", port), zap.String("board", name))
			_ = client.Close()
		}

		if attempt < detectionRounds-1 {
			time.Sleep(detectionRoundDelay)
		}
	}

	u.log.Info("detection complete", zap.Int("count", len(devices)))
	return devices
}

// CheckFirmwareVersions matches each device against the loaded catalog and
// returns the subset that has a candidate bundle, registering each with the
// progress bus.
func (u *Updater) CheckFirmwareVersions(devices []Device) []Device {
	var needingUpdate []Device
	for _, d := range devices {
		bundle, ok := u.catalog.Match(d.BoardType)
		if !ok {
			u.log.Debug("no firmware match", zap.String("port", d.Port), zap.Uint32("board_type", d.BoardType))
			continue
		}
		d.Bundle = bundle
		d.NeedsUpdate = true
		needingUpdate = append(needingUpdate, d)

		u.bus.AddDevice(deviceKey(d.Port), progress.DeviceRow{
			Name:    d.BoardName,
			Locator: d.Port,
			Kind:    progress.KindCube,
			Status:  progress.StatusQueued,
		})
	}
	return needingUpdate
}

// UpdateDevices flashes every device in devices concurrently, one worker
// per device. It returns an error only if the worker pool itself could not
// be scheduled; per-device failures are reported via UpdateError and the
// progress bus, not propagated.
func (u *Updater) UpdateDevices(ctx context.Context, devices []Device) ([]Device, error) {
	if len(devices) == 0 {
		return nil, nil
	}

	results := make([]Device, len(devices))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range devices {
		i, d := i, d
		g.Go(func() error {
			results[i] = u.updateSingle(gctx, d)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (u *Updater) updateSingle(ctx context.Context, d Device) Device {
	key := deviceKey(d.Port)
	u.bus.UpdateProgress(key, progress.StatusConnecting, 0, "")

	onProgress := func(phase string, percent float64) {
		switch phase {
		case "erase", "extf-erase":
			u.bus.UpdateProgress(key, progress.StatusErasing, clamp(percent*0.2, 0, 20), "")
		case "program", "extf-program":
			u.bus.UpdateProgress(key, progress.StatusUploading, clamp(20+percent*0.7, 20, 90), "")
		case "verify", "extf-verify":
			u.bus.UpdateProgress(key, progress.StatusVerifying, 95, "")
		}
	}

	opts := u.bootloaderOptions()
	opts.OnProgress = onProgress

	client, ok := bootloader.FindBootloader(d.Port, opts)
	if !ok {
		d.UpdateError = fmt.Errorf("cube: bootloader not found on %s", d.Port)
		u.bus.UpdateProgress(key, progress.StatusFailed, 0, d.UpdateError.Error())
		return d
	}

	if err := client.Upload(d.Bundle, false, nil); err != nil {
		d.UpdateError = err
		u.bus.UpdateProgress(key, progress.StatusFailed, 0, err.Error())
		u.log.Error(err, "upload failed", zap.String("port", d.Port))
		_ = client.Close()
		return d
	}

	u.bus.UpdateProgress(key, progress.StatusComplete, 100, "")
	u.log.Info("upload complete", zap.String("port", d.Port))
	return d
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
