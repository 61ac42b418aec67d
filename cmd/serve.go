package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kozaktomas/checkpoint/internal/config"
	"github.com/kozaktomas/checkpoint/internal/constants"
	"github.com/kozaktomas/checkpoint/internal/web"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the checkpoint API server",
	Long: `Start the checkpoint web server.
The server exposes the checkpoint flow, the camera, and the device location
over a JSON API with a server-sent event stream for kiosk front ends.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
}

func runServe(cmd *cobra.Command, args []string) error {
	port := mustGetInt(cmd, "port")
	host := mustGetString(cmd, "host")

	cfg, log, err := loadConfig(func(cfg *config.Config) {
		if port > 0 {
			cfg.Web.Port = port
		}
		if host != "" {
			cfg.Web.Host = host
		}
	})
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := newStation(ctx, cfg, log)
	if err != nil {
		return err
	}

	server := web.NewServer(&cfg.Web, web.Deps{
		Flow:        st.flow,
		Camera:      st.director,
		Location:    st.tracker,
		FlowContext: ctx,
		Log:         log,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	reloadChan := make(chan os.Signal, 1)
	signal.Notify(reloadChan, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-reloadChan:
				log.Info("reloading references")
				st.flow.SetReferences(loadReferences(ctx, cfg, log))
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), constants.ShutdownTimeout)
		defer shutdownCancel()

		// Running flows end as user-cancelled before the listener goes away.
		cancel()
		st.Close(shutdownCtx)

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("error during shutdown", zap.Error(err))
		}
	}()

	fmt.Printf("Starting checkpoint API on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		cancel()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer closeCancel()
		st.Close(closeCtx)
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
