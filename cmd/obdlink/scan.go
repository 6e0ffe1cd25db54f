package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/obdble/internal/device"
	"github.com/srg/obdble/internal/driver"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for OBD adapters",
	Long: `Scan for Bluetooth Low Energy OBD adapters and list the ones a vendor
layout claims.

Every candidate is connected and probed; OBD adapters are also handshaken, so
the listing shows their firmware version.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format (table, json); defaults to the config value")
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if scanFormat != "" {
		cfg.OutputFormat = scanFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if scanDuration <= 0 {
		return fmt.Errorf("invalid duration %s: must be positive", scanDuration)
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	s, err := openSession(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), scanDuration)
	defer cancel()

	s.drv.SetScanning(true)
	for {
		ev, err := s.next(ctx)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			break
		}
		if err != nil {
			return err
		}
		if ev.Kind == driver.EventError && ev.Err.Kind == device.KindBluetoothUnavailable {
			return ev.Err
		}
		if ev.Kind == driver.EventAdded {
			logger.WithField("device", ev.Device.ID).Info("Adapter found")
		}
	}
	s.drv.SetScanning(false)

	devices := s.drv.Devices()
	sortDevices(devices)
	if cfg.OutputFormat == "json" {
		return writeDevicesJSON(cmd.OutOrStdout(), devices)
	}
	return writeDevicesTable(cmd.OutOrStdout(), devices)
}
