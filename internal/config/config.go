// Package config resolves command-line flags into the immutable Config
// value the rest of the updater is built around.
package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Config is resolved once at startup and never mutated afterward.
type Config struct {
	FirmwareRoot string
	AutoYes      bool
	SkipCube     bool

	BootloaderBaud      int
	FlightStackBauds    []int
	BootloaderFlashBaud int

	CANBusNumbers []int
	CANBitrate    uint32
	LocalNodeID   uint8

	StatusAddr string
}

// defaultFlightStackBauds are the baud rates send_reboot cycles through
// when coaxing an armed flight stack into the bootloader.
var defaultFlightStackBauds = []int{57600, 115200}

// New builds a Config with the updater's defaults; callers then call
// AddFlags and pflag.Parse, after which the Config's fields hold the final
// values.
func New() *Config {
	return &Config{
		FirmwareRoot:        "firmware",
		BootloaderBaud:      115200,
		FlightStackBauds:    append([]int(nil), defaultFlightStackBauds...),
		BootloaderFlashBaud: 921600,
		CANBusNumbers:       []int{2},
		CANBitrate:          1000000,
		LocalNodeID:         127,
		StatusAddr:          "",
	}
}

// AddFlags binds the CLI surface spec.md §6 requires, plus the ambient
// flags this Go rendition adds (status server, explicit bus list).
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&c.AutoYes, "yes", "y", c.AutoYes, "Non-interactive: auto-confirm Phase A updates.")
	fs.BoolVar(&c.SkipCube, "skip-cube-update", c.SkipCube, "Skip Phase A (serial bootloader) entirely.")
	fs.StringVar(&c.FirmwareRoot, "firmware-root", c.FirmwareRoot, "Root directory containing .apj bundles and the firmware/ device tree.")
	fs.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "HTTP+WS listen address for the progress status server (empty disables it).")
	fs.IntSliceVar(&c.CANBusNumbers, "can-bus", c.CANBusNumbers, "CAN bus numbers to probe per serial transport during Phase B discovery.")
}

// Validate checks the resolved values for internal consistency.
func (c *Config) Validate() error {
	if c.FirmwareRoot == "" {
		return fmt.Errorf("config: firmware-root must not be empty")
	}
	if len(c.CANBusNumbers) == 0 {
		return fmt.Errorf("config: at least one --can-bus value is required")
	}
	if len(c.FlightStackBauds) == 0 {
		return fmt.Errorf("config: flight stack baud list must not be empty")
	}
	return nil
}
