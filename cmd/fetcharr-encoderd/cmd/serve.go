package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/fetcharr/internal/version"
	"github.com/jmylchreest/fetcharr/pkg/encoderd"
)

// statsLogInterval is how often the worker logs a host utilization snapshot.
const statsLogInterval = time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the encoder worker",
	Long: `Start the fetcharr-encoderd transcoding worker.

The worker will:
1. Detect the local FFmpeg installation
2. Connect to the controller's /ws/encoders endpoint and register
3. Accept encode jobs, report progress, and reconnect on failures

Examples:
  # Connect to a controller
  FETCHARR_WORKER_CONTROLLER_URL=ws://192.168.1.100:8484/ws/encoders fetcharr-encoderd serve

  # Connect with a stable identity and two job slots
  fetcharr-encoderd serve --controller-url ws://controller:8484/ws/encoders \
    --encoder-id gpu-worker-1 --max-concurrent 2`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("controller-url", "", "controller WebSocket URL (overrides FETCHARR_WORKER_CONTROLLER_URL)")
	serveCmd.Flags().String("encoder-id", "", "stable worker identity (default: hostname)")
	serveCmd.Flags().String("gpu-device", "", "GPU device path (e.g. /dev/dri/renderD128)")
	serveCmd.Flags().Int("max-concurrent", 0, "maximum concurrent encode jobs (0 = config/default)")
	serveCmd.Flags().String("ffmpeg", "", "ffmpeg binary path (default: $PATH lookup)")
	serveCmd.Flags().String("ffprobe", "", "ffprobe binary path (default: $PATH lookup)")
	serveCmd.Flags().String("work-dir", "", "working directory reported in host stats")
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()

	info := version.GetInfo()
	logger.Info("fetcharr-encoderd starting",
		slog.String("version", info.Version),
		slog.String("commit", info.Commit),
		slog.String("go", info.GoVersion),
		slog.String("platform", info.Platform),
	)

	v := workerViper

	controllerURL := v.GetString("worker.controller_url")
	if url, _ := cmd.Flags().GetString("controller-url"); url != "" {
		controllerURL = url
	}
	if controllerURL == "" {
		return fmt.Errorf("controller URL is required (FETCHARR_WORKER_CONTROLLER_URL or --controller-url)")
	}

	encoderID := v.GetString("worker.encoder_id")
	if id, _ := cmd.Flags().GetString("encoder-id"); id != "" {
		encoderID = id
	}

	gpuDevice := v.GetString("worker.gpu_device")
	if dev, _ := cmd.Flags().GetString("gpu-device"); dev != "" {
		gpuDevice = dev
	}

	maxConcurrent := v.GetInt("worker.max_concurrent")
	if n, _ := cmd.Flags().GetInt("max-concurrent"); n > 0 {
		maxConcurrent = n
	}

	ffmpegPath := v.GetString("worker.ffmpeg_path")
	if p, _ := cmd.Flags().GetString("ffmpeg"); p != "" {
		ffmpegPath = p
	}
	ffprobePath := v.GetString("worker.ffprobe_path")
	if p, _ := cmd.Flags().GetString("ffprobe"); p != "" {
		ffprobePath = p
	}
	workDir := v.GetString("worker.work_dir")
	if d, _ := cmd.Flags().GetString("work-dir"); d != "" {
		workDir = d
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Verify ffmpeg before dialing so a misconfigured worker fails fast.
	detectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	ffmpegInfo, err := encoderd.DetectFFmpeg(detectCtx, ffmpegPath)
	cancel()
	if err != nil {
		return fmt.Errorf("detecting ffmpeg: %w", err)
	}
	logger.Info("ffmpeg detected",
		slog.String("path", ffmpegInfo.Path),
		slog.String("version", ffmpegInfo.Version),
		slog.Int("encoders", len(ffmpegInfo.Encoders)),
		slog.Any("hwaccels", ffmpegInfo.HWAccels),
	)

	runner := encoderd.NewFFmpegRunner(ffmpegInfo.Path, ffprobePath, logger)

	client, err := encoderd.NewClient(encoderd.Options{
		ControllerURL:     controllerURL,
		EncoderID:         encoderID,
		GPUDevice:         gpuDevice,
		MaxConcurrent:     maxConcurrent,
		Version:           info.Version,
		HeartbeatInterval: v.GetDuration("worker.heartbeat_interval"),
		ReconnectDelay:    v.GetDuration("worker.reconnect_delay"),
		ReconnectMaxDelay: v.GetDuration("worker.reconnect_max_delay"),
	}, runner, logger)
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	go logHostStats(ctx, encoderd.NewStatsCollector(workDir), logger)

	logger.Info("connecting to controller",
		slog.String("url", controllerURL),
		slog.String("encoder_id", encoderID),
		slog.Int("max_concurrent", maxConcurrent),
	)

	err = client.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker stopped: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// logHostStats periodically logs a host utilization snapshot. Collection is
// best-effort; fields that cannot be probed stay zero.
func logHostStats(ctx context.Context, collector *encoderd.StatsCollector, logger *slog.Logger) {
	ticker := time.NewTicker(statsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := collector.Collect(ctx)
			logger.Debug("host stats",
				slog.Float64("cpu_percent", stats.CPUPercent),
				slog.Float64("load1", stats.Load1),
				slog.Float64("memory_percent", stats.MemoryPercent),
				slog.Float64("disk_percent", stats.DiskPercent),
			)
		}
	}
}
