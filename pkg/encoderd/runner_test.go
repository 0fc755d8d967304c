package encoderd

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/fetcharr/pkg/encoderd/protocol"
)

func TestBuildFFmpegArgsSoftware(t *testing.T) {
	job := Job{
		ID:         "job-1",
		InputPath:  "/in/movie.mkv",
		OutputPath: "/out/movie.mkv",
		Profile: protocol.Profile{
			VideoEncoder: "libx265",
			VideoQuality: 22,
			AudioEncoder: "aac",
			AudioFlags:   "-b:a 192k",
			Container:    "mkv",
		},
	}

	args := buildFFmpegArgs(job)
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-i /in/movie.mkv")
	assert.Contains(t, joined, "-c:v libx265")
	assert.Contains(t, joined, "-crf 22")
	assert.Contains(t, joined, "-c:a aac")
	assert.Contains(t, joined, "-b:a 192k")
	assert.Contains(t, joined, "-f matroska")
	assert.Contains(t, joined, "-progress pipe:1")
	assert.Contains(t, joined, "-c:s copy")
	assert.NotContains(t, joined, "-hwaccel")
	assert.Equal(t, "/out/movie.mkv", args[len(args)-1])
}

func TestBuildFFmpegArgsHardware(t *testing.T) {
	job := Job{
		InputPath:  "/in/ep.mkv",
		OutputPath: "/out/ep.mp4",
		Profile: protocol.Profile{
			VideoEncoder:       "hevc_nvenc",
			VideoQuality:       25,
			VideoMaxResolution: "1080p",
			VideoMaxBitrate:    "8M",
			HWAccel:            "cuda",
			HWDevice:           "0",
			AudioEncoder:       "copy",
			SubtitlesMode:      "strip",
			Container:          "mp4",
		},
	}

	args := buildFFmpegArgs(job)
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-hwaccel cuda")
	assert.Contains(t, joined, "-hwaccel_device 0")
	assert.Contains(t, joined, "-cq 25")
	assert.Contains(t, joined, "min(1080,ih)")
	assert.Contains(t, joined, "-maxrate 8M")
	assert.Contains(t, joined, "-sn")
	assert.Contains(t, joined, "-movflags +faststart")
	assert.NotContains(t, joined, "-c:s copy")
}

func TestQualityFlag(t *testing.T) {
	assert.Equal(t, "-crf", qualityFlag("libx264"))
	assert.Equal(t, "-crf", qualityFlag("libsvtav1"))
	assert.Equal(t, "-cq", qualityFlag("h264_nvenc"))
	assert.Equal(t, "-global_quality", qualityFlag("hevc_qsv"))
	assert.Equal(t, "-global_quality", qualityFlag("h264_vaapi"))
}

func TestResolutionHeight(t *testing.T) {
	assert.Equal(t, 2160, resolutionHeight("2160p"))
	assert.Equal(t, 1080, resolutionHeight("1080P"))
	assert.Equal(t, 720, resolutionHeight("720"))
	assert.Equal(t, 0, resolutionHeight(""))
	assert.Equal(t, 0, resolutionHeight("best"))
}

func TestContainerFormat(t *testing.T) {
	assert.Equal(t, "matroska", containerFormat("mkv"))
	assert.Equal(t, "mp4", containerFormat("mp4"))
	assert.Equal(t, "", containerFormat(""))
}

const sampleProgressStream = `frame=120
fps=48.5
bitrate=2100.3kbits/s
total_size=1048576
out_time_us=5000000
speed=2.0x
progress=continue
frame=240
fps=50.1
bitrate=2050.0kbits/s
total_size=2097152
out_time_us=10000000
speed=2.0x
progress=continue
frame=2400
fps=49.0
bitrate=N/A
total_size=20971520
out_time_us=100000000
speed=1.9x
progress=end
`

func TestParseProgressStream(t *testing.T) {
	var updates []Progress
	started := time.Now().Add(-10 * time.Second)

	parseProgressStream(strings.NewReader(sampleProgressStream), 100, started, func(p Progress) {
		updates = append(updates, p)
	})

	require.Len(t, updates, 3)

	first := updates[0]
	assert.Equal(t, int64(120), first.Frame)
	assert.InDelta(t, 48.5, first.FPS, 0.01)
	assert.InDelta(t, 2.0, first.Speed, 0.01)
	assert.InDelta(t, 5.0, first.Percent, 0.01)
	assert.Equal(t, "2100.3kbits/s", first.Bitrate)
	assert.Equal(t, int64(1048576), first.TotalSize)
	// 95 seconds left at 2x speed.
	assert.Equal(t, 47, first.ETASeconds)
	assert.Greater(t, first.Elapsed, 9*time.Second)

	second := updates[1]
	assert.InDelta(t, 10.0, second.Percent, 0.01)

	last := updates[2]
	assert.Equal(t, 100.0, last.Percent)
	assert.Equal(t, 0, last.ETASeconds)
	// N/A bitrate keeps the previous reading.
	assert.Equal(t, "2050.0kbits/s", last.Bitrate)
}

func TestParseProgressStreamNoDuration(t *testing.T) {
	var updates []Progress
	parseProgressStream(strings.NewReader(sampleProgressStream), 0, time.Now(), func(p Progress) {
		updates = append(updates, p)
	})

	require.Len(t, updates, 3)
	assert.Equal(t, 0.0, updates[0].Percent)
	// The end marker still forces 100.
	assert.Equal(t, 100.0, updates[2].Percent)
}

func TestTailBufferKeepsTail(t *testing.T) {
	var buf tailBuffer
	_, err := buf.Write([]byte(strings.Repeat("x", 5000)))
	require.NoError(t, err)
	_, err = buf.Write([]byte("the actual error"))
	require.NoError(t, err)

	tail := buf.Tail()
	assert.LessOrEqual(t, len(tail), tailBufferSize)
	assert.True(t, strings.HasSuffix(tail, "the actual error"))
}
