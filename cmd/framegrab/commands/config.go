package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage framegrab configuration",
	Long:  `View and manage framegrab configuration settings.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current framegrab configuration, including defaults and environment overrides.`,
	Example: `  # Show configuration as YAML (default)
  framegrab config show

  # Show configuration as JSON
  framegrab config show --format json`,
	RunE: runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a configuration value",
	Long: `Set a specific configuration value. The value is converted to the type of
the existing setting; lists are comma separated.`,
	Example: `  # Set server port
  framegrab config set server_port 9090

  # Prefer the x11 backend
  framegrab config set capture.backends x11,nvfbc

  # Retry initialization every 5 seconds
  framegrab config set capture.reinit_interval 5s`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Get a configuration value",
	Long:  `Get a specific configuration value.`,
	Example: `  # Get server port
  framegrab config get server_port

  # Get the backend order
  framegrab config get capture.backends`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	Long:  `Display the path to the configuration file.`,
	RunE:  runConfigPath,
}

var formatFlag string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configPathCmd)

	configShowCmd.Flags().StringVarP(&formatFlag, "format", "f", "yaml", "output format (yaml or json)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg := configMgr.Get()

	switch formatFlag {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(cfg)
	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		return encoder.Encode(cfg)
	default:
		return fmt.Errorf("unsupported format: %s (use 'yaml' or 'json')", formatFlag)
	}
}

// parseValue converts a command-line value to the type of current.
func parseValue(current any, value string) (any, error) {
	switch current.(type) {
	case int, int32, int64, uint, uint32, uint64:
		n, err := cast.ToIntE(value)
		if err != nil {
			return nil, fmt.Errorf("invalid number: %s", value)
		}
		return n, nil
	case float32, float64:
		f, err := cast.ToFloat64E(value)
		if err != nil {
			return nil, fmt.Errorf("invalid number: %s", value)
		}
		return f, nil
	case bool:
		b, err := cast.ToBoolE(value)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean: %s (use: true or false)", value)
		}
		return b, nil
	case []string, []any:
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return items, nil
	default:
		return value, nil
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := strings.ToLower(args[0])
	value := args[1]

	if !configMgr.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	parsed, err := parseValue(configMgr.Value(key), value)
	if err != nil {
		return err
	}

	if err := configMgr.Update(map[string]any{key: parsed}); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("Configuration updated: %s = %v\n", key, parsed)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	if !configMgr.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	fmt.Println(configMgr.Value(key))
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	fmt.Println(configMgr.GetConfigPath())
	return nil
}
