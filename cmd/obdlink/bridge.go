package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/obdble/internal/bridge"
	"github.com/srg/obdble/internal/driver"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Expose an adapter as a serial ELM327 on a PTY",
	Long: `Wait for a ready OBD adapter and create a pseudo-terminal that behaves
like a serial ELM327. Point any serial OBD tool at the printed device path.

Runs until interrupted or the adapter is lost.`,
	Args: cobra.NoArgs,
	RunE: runBridge,
}

var (
	bridgeAddress string
	bridgeLink    string
	bridgeWait    time.Duration
)

func init() {
	bridgeCmd.Flags().StringVarP(&bridgeAddress, "address", "a", "", "Adapter address (default: first ready adapter)")
	bridgeCmd.Flags().StringVarP(&bridgeLink, "link", "l", "", "Create a symlink to the PTY at this path")
	bridgeCmd.Flags().DurationVarP(&bridgeWait, "wait", "w", 30*time.Second, "How long to wait for an adapter")
}

// openBridge is replaced in tests.
var openBridge = func(s bridge.Submitter, info driver.DeviceInfo, opts bridge.Options) (*bridge.Bridge, error) {
	return bridge.Open(s, info.ID, opts)
}

func runBridge(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx := cmd.Context()
	s, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()

	info, err := s.waitReady(ctx, bridgeAddress, bridgeWait)
	if err != nil {
		return err
	}

	b, err := openBridge(s.drv, info, bridge.Options{SymlinkPath: bridgeLink, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.WithError(err).Warn("Closing bridge failed")
		}
	}()

	p := newPalette(cmd.OutOrStdout())
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s, firmware %s)\n", p.ok.Sprint("Bridging"), info.DisplayName(), info.ID, info.Version)
	fmt.Fprintf(cmd.OutOrStdout(), "PTY: %s\n", b.TTYName())
	if link := b.Symlink(); link != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Link: %s\n", link)
	}

	return relay(ctx, s, b, info)
}

// relay feeds driver results to the bridge until ctx ends or the adapter goes
// away.
func relay(ctx context.Context, s *session, b *bridge.Bridge, info driver.DeviceInfo) error {
	for {
		ev, err := s.next(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}
		switch ev.Kind {
		case driver.EventCompleted:
			b.TransactionCompleted(ev.Tx)
		case driver.EventError:
			b.Error(ev.Err)
		case driver.EventRemoved:
			if ev.Device.ID == info.ID {
				return fmt.Errorf("%w: %s", ErrAdapterLost, info.ID)
			}
		}
	}
}
