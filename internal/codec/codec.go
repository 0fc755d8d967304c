// Package codec maps encoder implementation names ("libx265", "hevc_nvenc")
// and loose user input ("h265", "HEVC") to the canonical codec labels used in
// serialized profiles and library file naming.
package codec

import "strings"

// Video is a canonical video codec label.
type Video string

// Video codec labels.
const (
	VideoH264 Video = "h264"
	VideoHEVC Video = "hevc"
	VideoAV1  Video = "av1"
	VideoVP9  Video = "vp9"
)

// String returns the label.
func (v Video) String() string { return string(v) }

// IsValid returns true if this is a recognized codec label.
func (v Video) IsValid() bool {
	switch v {
	case VideoH264, VideoHEVC, VideoAV1, VideoVP9:
		return true
	default:
		return false
	}
}

// ParseVideo resolves a loose codec name to its canonical label. It accepts
// the common aliases seen in release names and user configuration.
func ParseVideo(s string) (Video, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "h264", "h.264", "avc", "x264":
		return VideoH264, true
	case "h265", "h.265", "hevc", "x265":
		return VideoHEVC, true
	case "av1":
		return VideoAV1, true
	case "vp9":
		return VideoVP9, true
	default:
		return "", false
	}
}

// FromEncoder maps an encoder implementation name to its codec label:
// "libx265", "hevc_nvenc" and "hevc_qsv" all yield hevc. Unknown encoders
// fall back to the lowercased input so the label stays stable either way.
func FromEncoder(encoder string) Video {
	lower := strings.ToLower(strings.TrimSpace(encoder))
	switch {
	case strings.Contains(lower, "265"), strings.Contains(lower, "hevc"):
		return VideoHEVC
	case strings.Contains(lower, "264"):
		return VideoH264
	case strings.Contains(lower, "av1"):
		return VideoAV1
	case strings.Contains(lower, "vp9"):
		return VideoVP9
	default:
		return Video(lower)
	}
}
