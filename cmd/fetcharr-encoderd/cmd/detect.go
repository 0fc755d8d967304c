package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/fetcharr/pkg/encoderd"
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect the local FFmpeg installation",
	Long: `Detect the local FFmpeg installation and report its capabilities.

This command probes the ffmpeg binary and outputs the detected version,
available encoders, and hardware acceleration methods as JSON. Use it to
verify a worker host before pointing it at a controller.

Examples:
  # Basic detection (JSON output)
  fetcharr-encoderd detect

  # Pretty-printed JSON
  fetcharr-encoderd detect --pretty

  # Probe a specific binary
  fetcharr-encoderd detect --ffmpeg /opt/ffmpeg/bin/ffmpeg`,
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)

	detectCmd.Flags().Bool("pretty", false, "pretty-print JSON output")
	detectCmd.Flags().String("ffmpeg", "", "ffmpeg binary path (default: $PATH lookup)")
	detectCmd.Flags().Duration("timeout", 30*time.Second, "detection timeout")
}

func runDetect(cmd *cobra.Command, _ []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	pretty, _ := cmd.Flags().GetBool("pretty")
	ffmpegPath, _ := cmd.Flags().GetString("ffmpeg")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	info, err := encoderd.DetectFFmpeg(ctx, ffmpegPath)
	if err != nil {
		return fmt.Errorf("detection failed: %w", err)
	}

	var output []byte
	if pretty {
		output, err = json.MarshalIndent(info, "", "  ")
	} else {
		output, err = json.Marshal(info)
	}
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	fmt.Fprintln(os.Stdout, string(output))
	return nil
}
