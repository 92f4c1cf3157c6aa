// Command batchupdater reflashes a batch of CubePilot flight controllers
// over serial, then updates their DroneCAN peripherals over CAN.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cubepilot/batch-firmware-updater/internal/config"
	"github.com/cubepilot/batch-firmware-updater/internal/firmware"
	"github.com/cubepilot/batch-firmware-updater/internal/logging"
	"github.com/cubepilot/batch-firmware-updater/internal/orchestrator"
	"github.com/cubepilot/batch-firmware-updater/internal/progress"
	"github.com/cubepilot/batch-firmware-updater/internal/ui"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.New()
	logOpts := logging.NewOptions()

	cfg.AddFlags(pflag.CommandLine)
	logOpts.AddFlags(pflag.CommandLine)
	pflag.Parse()

	if err := logging.Init(logOpts); err != nil {
		ui.Redf("logging init: %v", err)
		return 1
	}
	defer logging.Sync()
	log := logging.Named("main")

	if err := cfg.Validate(); err != nil {
		log.Error(err, "invalid configuration")
		return 1
	}

	catalog, loadErrs := firmware.LoadCatalog(cfg.FirmwareRoot)
	for _, e := range loadErrs {
		log.Warn("firmware catalog issue", zap.Error(e))
	}

	var bus *progress.Bus
	if cfg.StatusAddr != "" {
		registry := prometheus.NewRegistry()
		var statusServer *progress.Server
		bus = progress.NewBus(func(snap progress.Snapshot) { statusServer.Push(snap) })
		statusServer = progress.NewServer(bus, registry)
		go func() {
			if err := statusServer.ListenAndServe(cfg.StatusAddr); err != nil {
				log.Warn("status server exited", zap.Error(err))
			}
		}()
		log.Info("status server listening", zap.String("addr", cfg.StatusAddr))
	} else {
		bus = progress.NewBus(nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch := orchestrator.New(cfg, catalog, bus)

	if err := orch.RunPhaseA(ctx); err != nil {
		log.Error(err, "cube update phase failed")
		return 1
	}

	if err := orch.RunPhaseB(ctx); err != nil && ctx.Err() == nil {
		log.Error(err, "DroneCAN update phase failed")
		return 1
	}

	log.Info("shutting down")
	return 0
}
