package encoderd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const sampleVersionOutput = `ffmpeg version 7.1.1 Copyright (c) 2000-2025 the FFmpeg developers
built with gcc 14.2.0 (GCC)
configuration: --enable-gpl --enable-libx264 --enable-libx265
`

const sampleEncodersOutput = `Encoders:
 V..... = Video
 A..... = Audio
 S..... = Subtitle
 .F.... = Frame-level multithreading
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC
 V....D libx265              libx265 H.265 / HEVC
 V....D h264_nvenc           NVIDIA NVENC H.264 encoder
 A....D aac                  AAC (Advanced Audio Coding)
 A....D libopus              libopus Opus
 S..... srt                  SubRip subtitle
`

const sampleHWAccelsOutput = `Hardware acceleration methods:
vdpau
cuda
vaapi
`

func TestParseFFmpegVersion(t *testing.T) {
	assert.Equal(t, "7.1.1", parseFFmpegVersion(sampleVersionOutput))
	assert.Equal(t, "", parseFFmpegVersion("not ffmpeg output"))
}

func TestParseFFmpegEncoders(t *testing.T) {
	encoders := parseFFmpegEncoders(sampleEncodersOutput)
	assert.Equal(t, []string{"libx264", "libx265", "h264_nvenc", "aac", "libopus"}, encoders)
}

func TestParseFFmpegEncodersSkipsSubtitles(t *testing.T) {
	encoders := parseFFmpegEncoders(sampleEncodersOutput)
	assert.NotContains(t, encoders, "srt")
}

func TestParseFFmpegHWAccels(t *testing.T) {
	accels := parseFFmpegHWAccels(sampleHWAccelsOutput)
	assert.Equal(t, []string{"vdpau", "cuda", "vaapi"}, accels)
}
