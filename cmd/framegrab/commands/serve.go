package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/bryanchriswhite/framegrab/internal/api"
	"github.com/bryanchriswhite/framegrab/internal/config"
	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/output"
	"github.com/bryanchriswhite/framegrab/internal/overlay"
	"github.com/bryanchriswhite/framegrab/internal/stream"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start capturing and serve the live preview",
	Long: `Start the frame pump on the first available capture backend and serve an
MJPEG preview, a capture status API and Prometheus metrics over HTTP.

Edits to the config file are applied without a restart, except for the
backend list and server port.`,
	Example: `  # Start server on default port (8080)
  framegrab serve

  # Start server on custom port
  framegrab serve --port 9090

  # Start with specific config file
  framegrab serve --config /path/to/config.yaml

  # Start with debug logging
  framegrab serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

const statusWidgetID = "capture-status"

// newStatusWidget builds the overlay label that shows the pump status.
func newStatusWidget(c config.OverlayConfig, source func() string) *overlay.TextWidget {
	opts := overlay.DefaultTextOptions()
	opts.X, opts.Y = c.X, c.Y
	opts.Opacity = c.Opacity
	return overlay.NewStatusWidget(statusWidgetID, source, opts)
}

// applyOverlay updates the overlay from config.
func applyOverlay(mgr *overlay.Manager, widget *overlay.TextWidget, c config.OverlayConfig) {
	mgr.SetEnabled(c.Enabled)
	widget.SetPosition(c.X, c.Y)
	widget.SetOpacity(c.Opacity)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("serve")
	cfg := configMgr.Get()

	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Strs("backends", cfg.Capture.Backends).
		Msg("Configuration loaded")

	router, err := newRouter(cfg.Capture)
	if err != nil {
		return fmt.Errorf("failed to build capture backends: %w", err)
	}

	mjpegOut := output.NewMJPEGOutput(output.Config{
		FPS:     cfg.Stream.FPS,
		Quality: cfg.Stream.JPEGQuality,
	})
	if err := mjpegOut.Start(); err != nil {
		return fmt.Errorf("failed to start MJPEG output: %w", err)
	}
	defer mjpegOut.Stop()

	var pump *stream.Pump
	overlayMgr := overlay.NewManager()
	statusWidget := newStatusWidget(cfg.Overlay, func() string {
		return pump.Status().String()
	})
	if err := overlayMgr.AddWidget(statusWidget); err != nil {
		return err
	}
	applyOverlay(overlayMgr, statusWidget, cfg.Overlay)

	pump = stream.NewPump(router, stream.Options{
		ReinitInterval:    cfg.Capture.ReinitInterval.Std(),
		SlowGrabThreshold: cfg.Capture.SlowGrabThreshold.Std(),
		Overlay:           overlayMgr,
		Output:            mjpegOut,
	})
	if err := pump.Start(cfg.Stream.FPS); err != nil {
		return fmt.Errorf("failed to start frame pump: %w", err)
	}
	defer pump.Close()

	configMgr.OnChange(func(next *config.Config) {
		logger.SetLevel(next.LogLevel)
		applyOverlay(overlayMgr, statusWidget, next.Overlay)
		mjpegOut.SetConfig(output.Config{FPS: next.Stream.FPS, Quality: next.Stream.JPEGQuality})
		pump.SetTiming(next.Capture.ReinitInterval.Std(), next.Capture.SlowGrabThreshold.Std())

		if next.Stream.FPS != cfg.Stream.FPS {
			pump.Stop()
			if err := pump.Start(next.Stream.FPS); err != nil {
				logger.WithComponent("serve").Error().Err(err).Msg("Failed to restart frame pump")
			}
		}
		if !slices.Equal(next.Capture.Backends, cfg.Capture.Backends) || next.ServerPort != cfg.ServerPort {
			logger.WithComponent("serve").Warn().Msg("Backend list and server port changes take effect after a restart")
		}
		cfg.Stream.FPS = next.Stream.FPS
	})
	if err := configMgr.Watch(); err != nil {
		log.Warn().Err(err).Msg("Config hot reload disabled")
	} else {
		defer configMgr.Close()
	}

	server := api.NewServer(pump, configMgr, mjpegOut)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.ServerPort)
	}()

	log.Info().
		Str("preview", fmt.Sprintf("http://localhost:%d/", cfg.ServerPort)).
		Str("api", fmt.Sprintf("http://localhost:%d/api", cfg.ServerPort)).
		Msg("framegrab is running, press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	log.Info().Msg("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
