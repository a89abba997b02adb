// Package cmd implements the CLI commands for tvboxd.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"tvboxd/internal/config"
	"tvboxd/internal/observability"
	"tvboxd/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "tvboxd",
	Short:   "Digital signage playback daemon",
	Version: version.Short(),
	Long: `tvboxd is the device-side playback engine for digital signage boxes.

It registers the device with the signage server, keeps the playlist
manifest and media files cached locally, maintains a live update channel
for remote commands, and drives playback through a render surface —
surviving server outages by playing from cache.`,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// Global flags. These are NOT bound to viper; initLogging checks
	// Changed() so an explicitly passed flag overrides env/config, while
	// the flag default never masks them.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml, /etc/tvboxd, $HOME/.tvboxd)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")

	rootCmd.PersistentFlags().Int("port", 0, "diagnostics API port (overrides config)")
	mustBindPFlag("server.port", rootCmd.PersistentFlags().Lookup("port"))
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
// This helper ensures lint-compliant error handling for viper.BindPFlag.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}

// initLogging configures the default slog logger.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format) - only if explicitly provided
//  2. Environment variables (TVBOXD_LOGGING_LEVEL, TVBOXD_LOGGING_FORMAT)
//  3. Config file values
//  4. Built-in defaults (info, json)
func initLogging(cfg *config.Config) {
	level := cfg.Logging.Level
	format := cfg.Logging.Format

	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}

	level = strings.ToLower(level)
	if level == "warning" {
		level = "warn"
	}

	logCfg := cfg.Logging
	logCfg.Level = level
	logCfg.Format = strings.ToLower(format)

	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr)
	observability.SetDefault(logger)
}

// loadConfig reads the configuration honoring the --config flag.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	// --port is bound to the global viper; apply it over the config file
	// value only when explicitly passed so the flag default never masks
	// the configured port.
	if rootCmd.PersistentFlags().Changed("port") {
		cfg.Server.Port = viper.GetInt("server.port")
	}

	return cfg, nil
}
