package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/obdble/internal/device"
	"github.com/srg/obdble/internal/driver"
	"github.com/srg/obdble/internal/obd"
)

// queryCmd represents the query command
var queryCmd = &cobra.Command{
	Use:   "query COMMAND...",
	Short: "Send OBD-II commands and print decoded values",
	Long: `Wait for the first ready OBD adapter (or the one given with --address),
send each command in order and print the responses.

Commands are sent verbatim, so AT commands work too. Known PIDs are decoded.`,
	Example: `  obdlink query 010C 010D 0105
  obdlink query --address AA:BB:CC:DD:EE:FF 0100`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

var (
	queryAddress string
	queryWait    time.Duration
	queryFormat  string
)

func init() {
	queryCmd.Flags().StringVarP(&queryAddress, "address", "a", "", "Adapter address (default: first ready adapter)")
	queryCmd.Flags().DurationVarP(&queryWait, "wait", "w", 30*time.Second, "How long to wait for an adapter")
	queryCmd.Flags().StringVarP(&queryFormat, "format", "f", "", "Output format (table, json); defaults to the config value")
}

// queryResult is one answered command.
type queryResult struct {
	Command  string        `json:"command"`
	Lines    []string      `json:"lines"`
	Value    string        `json:"value,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if queryFormat != "" {
		cfg.OutputFormat = queryFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, a := range args {
		if strings.TrimSpace(a) == "" {
			return errors.New("empty command")
		}
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx := cmd.Context()
	s, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()

	info, err := s.waitReady(ctx, queryAddress, queryWait)
	if err != nil {
		return err
	}

	results, err := runCommands(ctx, s, info, args)
	if err != nil {
		return err
	}
	if cfg.OutputFormat == "json" {
		return writeJSON(cmd.OutOrStdout(), results)
	}
	return writeResults(cmd.OutOrStdout(), results)
}

// runCommands submits every command and collects the results in order. A
// timeout flushes the adapter's queue, so the remaining commands fail with it.
func runCommands(ctx context.Context, s *session, info driver.DeviceInfo, commands []string) ([]queryResult, error) {
	txs := make([]*obd.Transaction, len(commands))
	index := make(map[string]int, len(commands))
	for i, c := range commands {
		txs[i] = s.drv.Submit(info.ID, c)
		index[txs[i].ID] = i
	}

	results := make([]queryResult, len(commands))
	done := make([]bool, len(commands))
	remaining := len(commands)
	finish := func(i int, r queryResult) {
		if done[i] {
			return
		}
		done[i] = true
		results[i] = r
		remaining--
	}

	for remaining > 0 {
		ev, err := s.next(ctx)
		if err != nil {
			return nil, err
		}
		switch ev.Kind {
		case driver.EventCompleted:
			i, ok := index[ev.Tx.ID]
			if !ok {
				continue
			}
			r := queryResult{Command: ev.Tx.Command, Lines: ev.Tx.Lines, Duration: ev.Tx.Duration()}
			if ev.Tx.Value != nil && ev.Tx.Value.Known() {
				r.Value = ev.Tx.Value.String()
			}
			finish(i, r)
		case driver.EventError:
			tx, _ := ev.Err.Context.(*obd.Transaction)
			if tx == nil || ev.Err.Device != info.ID {
				continue
			}
			if i, ok := index[tx.ID]; ok {
				finish(i, queryResult{Command: tx.Command, Error: ev.Err.Kind.String()})
			}
			if ev.Err.Kind == device.KindCommandTimeout {
				for i, c := range commands {
					finish(i, queryResult{Command: c, Error: "flushed"})
				}
			}
		case driver.EventRemoved:
			if ev.Device.ID == info.ID {
				return nil, fmt.Errorf("%w: %s", ErrAdapterLost, info.ID)
			}
		}
	}

	s.logger.WithFields(logrus.Fields{
		"device":   info.ID,
		"commands": len(commands),
	}).Debug("Query finished")
	return results, nil
}

func writeResults(w io.Writer, results []queryResult) error {
	p := newPalette(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, r := range results {
		switch {
		case r.Error != "":
			fmt.Fprintf(tw, "%s\t%s\n", r.Command, p.bad.Sprint(r.Error))
		case r.Value != "":
			fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Command, r.Value, p.dim.Sprint(strings.Join(r.Lines, " | ")))
		default:
			fmt.Fprintf(tw, "%s\t%s\n", r.Command, strings.Join(r.Lines, " | "))
		}
	}
	return tw.Flush()
}
