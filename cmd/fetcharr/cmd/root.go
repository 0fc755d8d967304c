// Package cmd implements the CLI commands for fetcharr.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/observability"
	"github.com/jmylchreest/fetcharr/internal/version"
)

// cfgFile holds the config file path from the --config flag.
var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "fetcharr",
	Short:   "Media ingestion control plane",
	Version: version.Short(),
	Long: `fetcharr orchestrates media requests end to end: release search,
download, distributed transcoding on remote encoder workers, and delivery
to storage servers.

Run "fetcharr serve" to start the controller, then point one or more
fetcharr-encoderd workers at its /ws/encoders endpoint.`,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// These flags are NOT bound to viper: we check Changed() and only then
	// override config/env values, preserving the priority
	// CLI flag > env var > config file > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/fetcharr, $HOME/.fetcharr)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initLogging builds the root slog logger before any command runs. The full
// config is loaded again by commands that need more than logging; doing it
// twice keeps logging working even when later validation fails.
func initLogging() error {
	level := os.Getenv("FETCHARR_LOGGING_LEVEL")
	format := os.Getenv("FETCHARR_LOGGING_FORMAT")

	if cfg, err := config.Load(cfgFile); err == nil {
		if level == "" {
			level = cfg.Logging.Level
		}
		if format == "" {
			format = cfg.Logging.Format
		}
	}

	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}

	if level == "" {
		level = "info"
	}
	if format == "" {
		format = "json"
	}
	if strings.EqualFold(level, "warning") {
		level = "warn"
	}

	logger := observability.NewLoggerWithWriter(config.LoggingConfig{
		Level:  strings.ToLower(level),
		Format: strings.ToLower(format),
	}, os.Stderr)
	logger = observability.WithApp(logger, "fetcharr")
	observability.SetDefault(logger)

	return nil
}
