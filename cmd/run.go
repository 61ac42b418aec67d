package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kozaktomas/checkpoint/internal/capture"
	"github.com/kozaktomas/checkpoint/internal/checkpoint"
	"github.com/kozaktomas/checkpoint/internal/config"
	"github.com/kozaktomas/checkpoint/internal/constants"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one checkpoint in the terminal",
	Long: `Run a single checkpoint flow without the web server and print every
phase change. The command exits once the flow completes or aborts.

Examples:
  # Run with the configured expected codes
  checkpoint run

  # Override the expected codes and keep both evidence snapshots
  checkpoint run --expected GATE-A,GATE-B --evidence ./evidence

  # JSON output
  checkpoint run --json`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringSlice("expected", nil, "Expected codes (overrides CODE_EXPECTED)")
	runCmd.Flags().Duration("timeout", 0, "Abort the flow with reason timeout after this long (0 waits indefinitely)")
	runCmd.Flags().String("evidence", "", "Directory to save the face and code snapshots to")
	runCmd.Flags().Bool("json", false, "Output the result as JSON")
}

func runRun(cmd *cobra.Command, args []string) error {
	expected := mustGetStringSlice(cmd, "expected")
	timeout := mustGetDuration(cmd, "timeout")
	evidenceDir := mustGetString(cmd, "evidence")
	jsonOutput := mustGetBool(cmd, "json")

	cfg, log, err := loadConfig(func(cfg *config.Config) {
		if len(expected) > 0 {
			cfg.Code.Expected = expected
		}
	})
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	st, err := newStation(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		st.Close(closeCtx)
	}()

	events, unsubscribe := st.flow.Subscribe()
	defer unsubscribe()
	printed := make(chan struct{})
	if jsonOutput {
		close(printed)
	} else {
		go func() {
			defer close(printed)
			printEvents(events)
		}()
	}

	if err := st.flow.Start(ctx); err != nil {
		return fmt.Errorf("starting checkpoint: %w", err)
	}
	res, err := st.flow.Wait(context.Background())
	if err != nil {
		return err
	}
	select {
	case <-printed:
	case <-time.After(time.Second):
	}

	if evidenceDir != "" {
		if err := saveEvidence(evidenceDir, res); err != nil {
			return err
		}
	}

	if jsonOutput {
		return outputJSON(res)
	}
	printResult(res)
	return nil
}

// printEvents prints phase changes and advisory errors until the flow ends.
func printEvents(events <-chan checkpoint.Event) {
	for ev := range events {
		switch ev.Type {
		case checkpoint.EventPhase:
			fmt.Printf("[%s] %s\n", ev.State.UpdatedAt.Format(time.TimeOnly), ev.State.Phase)
			if ev.State.Phase.Terminal() {
				return
			}
		case checkpoint.EventFace:
			if f := ev.State.Face; f != nil && f.Detected {
				fmt.Printf("           face detected (confidence %.2f)\n", f.Confidence)
			}
		case checkpoint.EventError:
			fmt.Printf("           warning: %s\n", ev.Message)
		}
	}
}

func printResult(res checkpoint.Result) {
	fmt.Println()
	fmt.Printf("Checkpoint %s: %s\n", res.ID, res.Phase)
	if res.Reason != "" {
		fmt.Printf("  Reason:   %s\n", res.Reason)
	}
	if res.Face != nil {
		identity := res.Face.MatchedIdentity
		switch {
		case identity == "":
			identity = "(no match)"
		case res.Face.MatchedName != "" && res.Face.MatchedName != identity:
			identity = fmt.Sprintf("%s [%s]", res.Face.MatchedName, identity)
		}
		fmt.Printf("  Face:     %s (confidence %.2f)\n", identity, res.Face.Confidence)
	}
	if res.Code != nil {
		fmt.Printf("  Code:     %s (valid: %t)\n", res.Code.DecodedPayload, res.Code.IsValid)
	}
	if res.Location != nil {
		fmt.Printf("  Location: %.6f, %.6f (±%.0fm)\n", res.Location.Latitude, res.Location.Longitude, res.Location.Accuracy)
	}
	fmt.Printf("  Duration: %s\n", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
}

// saveEvidence writes the snapshots attached to res as PNG files named after the flow.
func saveEvidence(dir string, res checkpoint.Result) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating evidence directory: %w", err)
	}
	snaps := map[string]*capture.Snapshot{
		"face": res.FaceSnapshot,
		"code": res.CodeSnapshot,
	}
	for kind, snap := range snaps {
		if snap == nil {
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("%s-%s.png", res.ID, kind))
		if err := os.WriteFile(path, snap.Data, 0600); err != nil {
			return fmt.Errorf("writing %s snapshot: %w", kind, err)
		}
		fmt.Fprintf(os.Stderr, "Saved %s snapshot to %s\n", kind, path)
	}
	return nil
}
