package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srg/obdble/internal/capture"
)

// replayCmd represents the replay command
var replayCmd = &cobra.Command{
	Use:   "replay FILE",
	Short: "Print a traffic capture as a transcript",
	Long: `Read a capture written with --capture and print one line per event:
'>' sent command, '<' response, '!' failure, '*' device state change.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

var (
	replaySession  string
	replayDevice   string
	replayFormat   string
	replaySessions bool
)

func init() {
	replayCmd.Flags().StringVar(&replaySession, "session", "", "Only this capture session")
	replayCmd.Flags().StringVar(&replayDevice, "device", "", "Only this device address")
	replayCmd.Flags().StringVarP(&replayFormat, "format", "f", "text", "Output format (text, json)")
	replayCmd.Flags().BoolVar(&replaySessions, "sessions", false, "List the sessions in the file")
}

func runReplay(cmd *cobra.Command, args []string) error {
	if replayFormat != "text" && replayFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [text json]", replayFormat)
	}
	if _, _, err := loadConfig(cmd); err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	r, err := capture.Open(args[0], capture.Filter{Session: replaySession, Device: replayDevice})
	if err != nil {
		return err
	}
	defer r.Close()

	events, err := r.All()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch {
	case replaySessions:
		for _, id := range capture.Sessions(events) {
			fmt.Fprintln(out, id)
		}
		return nil
	case replayFormat == "json":
		if events == nil {
			events = []capture.Event{}
		}
		return writeJSON(out, events)
	default:
		return capture.WriteTranscript(out, events)
	}
}
