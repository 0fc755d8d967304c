// Package cmd implements the CLI commands for fetcharr-encoderd.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/observability"
	"github.com/jmylchreest/fetcharr/internal/version"
)

// workerViper is a separate viper instance for encoder worker configuration
// to avoid conflicts with controller configuration in all-in-one setups.
var workerViper = viper.New()

var rootCmd = &cobra.Command{
	Use:     "fetcharr-encoderd",
	Short:   "Remote transcoding worker for fetcharr",
	Version: version.Short(),
	Long: `fetcharr-encoderd is a transcoding worker that connects to a fetcharr
controller over WebSocket and accepts encode jobs.

Configuration is primarily via environment variables:
  FETCHARR_WORKER_CONTROLLER_URL  - Controller WebSocket URL (required)
  FETCHARR_WORKER_ENCODER_ID      - Stable worker identity (default: hostname)
  FETCHARR_WORKER_GPU_DEVICE      - GPU device (e.g. /dev/dri/renderD128)
  FETCHARR_WORKER_MAX_CONCURRENT  - Maximum concurrent encode jobs

Example:
  FETCHARR_WORKER_CONTROLLER_URL=ws://192.168.1.100:8484/ws/encoders \
  fetcharr-encoderd serve`,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initConfig reads environment variables for worker configuration.
func initConfig() {
	workerViper.SetEnvPrefix("FETCHARR")
	workerViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	workerViper.AutomaticEnv()

	hostname, _ := os.Hostname()
	workerViper.SetDefault("worker.controller_url", "")
	workerViper.SetDefault("worker.encoder_id", hostname)
	workerViper.SetDefault("worker.gpu_device", "")
	workerViper.SetDefault("worker.max_concurrent", 1)
	workerViper.SetDefault("worker.ffmpeg_path", "")
	workerViper.SetDefault("worker.ffprobe_path", "")
	workerViper.SetDefault("worker.work_dir", "")
	workerViper.SetDefault("worker.heartbeat_interval", "25s")
	workerViper.SetDefault("worker.reconnect_delay", "5s")
	workerViper.SetDefault("worker.reconnect_max_delay", "60s")

	workerViper.SetDefault("logging.level", "info")
	workerViper.SetDefault("logging.format", "json")
}

// initLogging configures the slog logger for the worker.
func initLogging() error {
	level := workerViper.GetString("logging.level")
	format := workerViper.GetString("logging.format")

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
	logger = observability.WithApp(logger, "fetcharr-encoderd")
	observability.SetDefault(logger)

	return nil
}
