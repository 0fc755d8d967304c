package encoderd

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// FFmpegInfo describes a detected ffmpeg installation.
type FFmpegInfo struct {
	Path     string   `json:"path"`
	Version  string   `json:"version"`
	Encoders []string `json:"encoders,omitempty"`
	HWAccels []string `json:"hw_accels,omitempty"`
}

var ffmpegVersionRe = regexp.MustCompile(`^ffmpeg version (\S+)`)

// DetectFFmpeg probes an ffmpeg binary for its version, available encoders
// and hardware accelerators. An empty path searches PATH.
func DetectFFmpeg(ctx context.Context, path string) (*FFmpegInfo, error) {
	if path == "" {
		found, err := exec.LookPath("ffmpeg")
		if err != nil {
			return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
		}
		path = found
	}

	info := &FFmpegInfo{Path: path}

	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("running %s -version: %w", path, err)
	}
	info.Version = parseFFmpegVersion(string(out))
	if info.Version == "" {
		return nil, fmt.Errorf("unrecognized -version output from %s", path)
	}

	if out, err := exec.CommandContext(ctx, path, "-hide_banner", "-encoders").Output(); err == nil {
		info.Encoders = parseFFmpegEncoders(string(out))
	}
	if out, err := exec.CommandContext(ctx, path, "-hide_banner", "-hwaccels").Output(); err == nil {
		info.HWAccels = parseFFmpegHWAccels(string(out))
	}

	return info, nil
}

// parseFFmpegVersion pulls the version token out of `ffmpeg -version`.
func parseFFmpegVersion(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if m := ffmpegVersionRe.FindStringSubmatch(line); m != nil {
			return m[1]
		}
	}
	return ""
}

// parseFFmpegEncoders extracts video and audio encoder names from
// `ffmpeg -encoders`. Lines look like:
//
//	V....D libx264              libx264 H.264 / AVC / ...
//	A....D aac                  AAC (Advanced Audio Coding)
func parseFFmpegEncoders(output string) []string {
	var encoders []string
	inList := false

	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "-----") {
			inList = true
			continue
		}
		if !inList || trimmed == "" {
			continue
		}

		fields := strings.Fields(trimmed)
		if len(fields) < 2 {
			continue
		}
		flags := fields[0]
		if len(flags) != 6 {
			continue
		}
		if flags[0] == 'V' || flags[0] == 'A' {
			encoders = append(encoders, fields[1])
		}
	}
	return encoders
}

// parseFFmpegHWAccels extracts accelerator names from `ffmpeg -hwaccels`,
// skipping the "Hardware acceleration methods:" header.
func parseFFmpegHWAccels(output string) []string {
	var accels []string
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasSuffix(trimmed, ":") {
			continue
		}
		accels = append(accels, trimmed)
	}
	return accels
}
