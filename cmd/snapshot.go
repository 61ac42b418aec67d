package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kozaktomas/checkpoint/internal/camera"
	"github.com/kozaktomas/checkpoint/internal/capture"
	"github.com/kozaktomas/checkpoint/internal/constants"
	"github.com/spf13/cobra"
)

const framePollInterval = 50 * time.Millisecond

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Capture one still from a camera",
	Long: `Open the camera with the given facing, capture the frame it currently
shows at native resolution, and write it as a PNG file.

Examples:
  checkpoint snapshot --facing environment --output gate.png`,
	RunE: runSnapshot,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)

	snapshotCmd.Flags().String("facing", string(capture.FacingUser), "Camera facing: user or environment")
	snapshotCmd.Flags().String("output", "snapshot.png", "Output PNG file")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	facing, err := capture.ParseFacing(mustGetString(cmd, "facing"))
	if err != nil {
		return err
	}
	output := mustGetString(cmd, "output")

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	source, err := newCameraSource(&cfg.Camera, log)
	if err != nil {
		return err
	}
	director := camera.NewDirector(source, cfg.Camera.ReadyTimeout, log)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Camera.ReadyTimeout+cfg.Checkpoint.SwitchTimeout)
	defer cancel()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer stopCancel()
		director.Stop(stopCtx)
	}()

	if err := director.SwitchTo(ctx, facing); err != nil {
		return fmt.Errorf("opening %s camera: %w", facing, err)
	}

	snap, err := captureWhenReady(ctx, capture.NewSurface(director))
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, snap.Data, 0600); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}

	fmt.Printf("Saved %dx%d %s snapshot to %s\n", snap.Width, snap.Height, facing, output)
	fmt.Printf("  Hash: %016x\n", snap.DHash)
	return nil
}

// captureWhenReady retries while the camera has not delivered its first frame.
func captureWhenReady(ctx context.Context, surface *capture.Surface) (*capture.Snapshot, error) {
	ticker := time.NewTicker(framePollInterval)
	defer ticker.Stop()
	for {
		snap, err := surface.Capture()
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, capture.ErrNoActiveFeed) {
			return nil, fmt.Errorf("capturing snapshot: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("capturing snapshot: %w", err)
		case <-ticker.C:
		}
	}
}
