package encoderd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/fetcharr/pkg/encoderd/protocol"
)

// Job is one transcode handed down by the controller. Paths are already in
// this worker's filesystem namespace.
type Job struct {
	ID         string
	InputPath  string
	OutputPath string
	Profile    protocol.Profile
}

// Progress is a point-in-time transcode measurement.
type Progress struct {
	Percent    float64
	FPS        float64
	Speed      float64
	ETASeconds int
	Frame      int64
	Bitrate    string
	TotalSize  int64
	Elapsed    time.Duration
}

// Result summarises a finished transcode.
type Result struct {
	OutputSize      int64
	InputSize       int64
	DurationSeconds float64
}

// Runner executes transcode jobs. Implementations must honour context
// cancellation by killing the underlying work.
type Runner interface {
	Run(ctx context.Context, job Job, progress func(Progress)) (*Result, error)
}

// FFmpegRunner runs jobs by spawning ffmpeg and parsing its machine-readable
// progress stream from stdout.
type FFmpegRunner struct {
	ffmpegPath  string
	ffprobePath string
	logger      *slog.Logger
}

// NewFFmpegRunner creates a runner around the given binaries. Empty paths
// fall back to PATH lookup at run time.
func NewFFmpegRunner(ffmpegPath, ffprobePath string, logger *slog.Logger) *FFmpegRunner {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegRunner{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		logger:      logger.With("component", "ffmpeg-runner"),
	}
}

// Run transcodes job.InputPath into job.OutputPath per the job profile.
func (r *FFmpegRunner) Run(ctx context.Context, job Job, progress func(Progress)) (*Result, error) {
	inputInfo, err := os.Stat(job.InputPath)
	if err != nil {
		return nil, fmt.Errorf("input file: %w", err)
	}

	// Duration drives the percent calculation; without it progress still
	// flows, just with Percent stuck at zero.
	duration := r.probeDuration(ctx, job.InputPath)

	args := buildFFmpegArgs(job)
	cmd := exec.CommandContext(ctx, r.ffmpegPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr tailBuffer
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}

	r.logger.Info("transcode started",
		slog.String("job_id", job.ID),
		slog.String("input", job.InputPath),
		slog.String("encoder", job.Profile.VideoEncoder),
	)

	parseProgressStream(stdout, duration, started, progress)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ffmpeg failed: %w: %s", err, stderr.Tail())
	}

	outInfo, err := os.Stat(job.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("output file missing after transcode: %w", err)
	}

	return &Result{
		OutputSize:      outInfo.Size(),
		InputSize:       inputInfo.Size(),
		DurationSeconds: time.Since(started).Seconds(),
	}, nil
}

// probeDuration asks ffprobe for the container duration in seconds.
func (r *FFmpegRunner) probeDuration(ctx context.Context, path string) float64 {
	cmd := exec.CommandContext(ctx, r.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		r.logger.Debug("ffprobe duration failed", slog.String("error", err.Error()))
		return 0
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0
	}
	return seconds
}

// buildFFmpegArgs assembles the ffmpeg command line for a job.
func buildFFmpegArgs(job Job) []string {
	p := job.Profile
	args := []string{"-hide_banner", "-nostdin", "-y"}

	if p.HWAccel != "" {
		args = append(args, "-hwaccel", p.HWAccel)
		if p.HWDevice != "" {
			args = append(args, "-hwaccel_device", p.HWDevice)
		}
	}

	args = append(args, "-i", job.InputPath)

	args = append(args, "-c:v", p.VideoEncoder)
	if p.VideoQuality > 0 {
		args = append(args, qualityFlag(p.VideoEncoder), strconv.Itoa(p.VideoQuality))
	}
	if height := resolutionHeight(p.VideoMaxResolution); height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=-2:'min(%d,ih)'", height))
	}
	if p.VideoMaxBitrate != "" {
		args = append(args, "-maxrate", p.VideoMaxBitrate)
	}
	args = append(args, strings.Fields(p.VideoFlags)...)

	args = append(args, "-c:a", p.AudioEncoder)
	args = append(args, strings.Fields(p.AudioFlags)...)

	switch p.SubtitlesMode {
	case "strip", "none":
		args = append(args, "-sn")
	default:
		args = append(args, "-c:s", "copy")
	}

	if format := containerFormat(p.Container); format != "" {
		args = append(args, "-f", format)
	}
	if p.Container == "mp4" {
		args = append(args, "-movflags", "+faststart")
	}

	args = append(args, "-progress", "pipe:1", "-nostats", job.OutputPath)
	return args
}

// qualityFlag picks the rate-control flag matching the encoder family.
func qualityFlag(encoder string) string {
	if strings.Contains(encoder, "nvenc") {
		return "-cq"
	}
	if strings.Contains(encoder, "qsv") || strings.Contains(encoder, "vaapi") {
		return "-global_quality"
	}
	return "-crf"
}

// resolutionHeight parses "2160p", "1080p" or a bare "720" into pixels.
func resolutionHeight(res string) int {
	res = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(res)), "p")
	if res == "" {
		return 0
	}
	height, err := strconv.Atoi(res)
	if err != nil {
		return 0
	}
	return height
}

// containerFormat maps container names to ffmpeg muxer names.
func containerFormat(container string) string {
	switch container {
	case "mkv":
		return "matroska"
	case "":
		return ""
	default:
		return container
	}
}

// parseProgressStream consumes ffmpeg's -progress key=value stream, emitting
// one Progress per block boundary.
func parseProgressStream(r io.Reader, durationSeconds float64, started time.Time, emit func(Progress)) {
	scanner := bufio.NewScanner(r)
	var current Progress
	var outSeconds float64

	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "frame":
			current.Frame, _ = strconv.ParseInt(value, 10, 64)
		case "fps":
			current.FPS, _ = strconv.ParseFloat(value, 64)
		case "speed":
			current.Speed, _ = strconv.ParseFloat(strings.TrimSuffix(value, "x"), 64)
		case "bitrate":
			if value != "N/A" {
				current.Bitrate = value
			}
		case "total_size":
			current.TotalSize, _ = strconv.ParseInt(value, 10, 64)
		case "out_time_us":
			outSeconds = float64(parseInt64(value)) / 1e6
			if durationSeconds > 0 {
				current.Percent = clampPercent(outSeconds / durationSeconds * 100)
			}
		case "progress":
			current.Elapsed = time.Since(started)
			// speed arrives after out_time_us within a block, so the ETA
			// is computed here where both are current.
			current.ETASeconds = 0
			if durationSeconds > 0 && current.Speed > 0 {
				if remaining := (durationSeconds - outSeconds) / current.Speed; remaining > 0 {
					current.ETASeconds = int(remaining)
				}
			}
			if value == "end" {
				current.Percent = 100
				current.ETASeconds = 0
			}
			if emit != nil {
				emit(current)
			}
		}
	}
}

func parseInt64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func clampPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// tailBuffer keeps the last few KB written to it, enough to surface the
// useful end of ffmpeg's stderr in error messages.
type tailBuffer struct {
	buf []byte
}

const tailBufferSize = 4096

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailBufferSize {
		t.buf = t.buf[len(t.buf)-tailBufferSize:]
	}
	return len(p), nil
}

func (t *tailBuffer) Tail() string {
	return strings.TrimSpace(string(t.buf))
}
