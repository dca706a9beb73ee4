package commands

import (
	"fmt"
	"os"

	"github.com/bryanchriswhite/framegrab/internal/config"
	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "framegrab",
		Short: "framegrab - GPU-accelerated desktop frame capture",
		Long: `framegrab captures the desktop through NVIDIA's NvFBC system-memory
interface and falls back to the X11 root window when NvFBC is unavailable.

Features:
  • Capture into caller-owned buffers with transparent session recovery
  • Backend fallback in priority order (nvfbc, x11)
  • MJPEG live preview with a status overlay
  • REST and WebSocket capture status API
  • Prometheus metrics
  • Persistent, hot-reloaded configuration`,
		SilenceUsage:      true,
		PersistentPreRunE: initConfig,
	}

	configMgr *config.Manager
)

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/framegrab/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-pretty", false, "human-readable console logs")
}

// initConfig loads the configuration, applies any flags the user set and
// configures logging.
func initConfig(cmd *cobra.Command, args []string) error {
	mgr, err := config.NewManager(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	flagKeys := map[string]string{
		"port":       "server_port",
		"log-level":  "log_level",
		"log-pretty": "log_pretty",
	}
	for name, key := range flagKeys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := mgr.BindFlag(key, flag); err != nil {
			return fmt.Errorf("failed to apply --%s: %w", name, err)
		}
	}

	cfg := mgr.Get()
	logger.Init(cfg.LogLevel, cfg.LogPretty)
	configMgr = mgr
	return nil
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
