package models

import "gorm.io/gorm"

// SubtitlesMode controls what a worker does with subtitle streams.
type SubtitlesMode string

const (
	// SubtitlesModeCopy passes subtitle streams through untouched.
	SubtitlesModeCopy SubtitlesMode = "copy"

	// SubtitlesModeBurn renders subtitles into the video.
	SubtitlesModeBurn SubtitlesMode = "burn"

	// SubtitlesModeDrop discards subtitle streams.
	SubtitlesModeDrop SubtitlesMode = "drop"
)

// IsValid returns true if this is a recognized subtitles mode.
func (m SubtitlesMode) IsValid() bool {
	switch m {
	case SubtitlesModeCopy, SubtitlesModeBurn, SubtitlesModeDrop:
		return true
	default:
		return false
	}
}

// EncodingProfile defines the transcode parameters serialized wholesale into
// job:assign. Workers interpret the fields; the control plane only stores and
// ships them.
type EncodingProfile struct {
	BaseModel

	// Name is a unique identifier for this profile.
	Name string `gorm:"uniqueIndex;not null;size:100" json:"name"`

	// Description explains what this profile is for.
	Description string `gorm:"size:500" json:"description,omitempty"`

	// VideoEncoder selects the codec implementation ("hevc_nvenc", "libx264").
	VideoEncoder string `gorm:"not null;size:50" json:"video_encoder"`

	// VideoQuality is an encoder-specific quality target (CRF/CQ value).
	VideoQuality int `gorm:"default:23" json:"video_quality"`

	// VideoMaxResolution caps output resolution ("1080p", "2160p"; empty = source).
	VideoMaxResolution string `gorm:"size:10" json:"video_max_resolution,omitempty"`

	// VideoMaxBitrate caps output bitrate ("8M"; empty = unlimited).
	VideoMaxBitrate string `gorm:"size:20" json:"video_max_bitrate,omitempty"`

	// HWAccel and HWDevice select hardware acceleration on the worker.
	HWAccel  string `gorm:"size:30" json:"hw_accel,omitempty"`
	HWDevice string `gorm:"size:50" json:"hw_device,omitempty"`

	// VideoFlags are extra encoder arguments passed through verbatim.
	VideoFlags string `gorm:"size:500" json:"video_flags,omitempty"`

	// AudioEncoder and AudioFlags configure the audio side.
	AudioEncoder string `gorm:"size:50;default:copy" json:"audio_encoder"`
	AudioFlags   string `gorm:"size:500" json:"audio_flags,omitempty"`

	// SubtitlesMode controls subtitle stream handling.
	SubtitlesMode SubtitlesMode `gorm:"size:10;default:copy" json:"subtitles_mode"`

	// Container is the output container format ("mkv", "mp4").
	Container string `gorm:"size:10;default:mkv" json:"container"`

	// IsDefault marks the profile used when a step config names none.
	IsDefault bool `gorm:"default:false;index" json:"is_default"`
}

// TableName overrides the table name.
func (EncodingProfile) TableName() string {
	return "encoding_profiles"
}

// Validate checks that required fields are present and recognized.
func (p *EncodingProfile) Validate() error {
	if p.Name == "" {
		return ErrNameRequired
	}
	if p.VideoEncoder == "" {
		return ErrVideoEncoderRequired
	}
	if p.SubtitlesMode != "" && !p.SubtitlesMode.IsValid() {
		return ErrInvalidSubtitlesMode
	}
	return nil
}

// BeforeCreate validates and applies defaults.
func (p *EncodingProfile) BeforeCreate(tx *gorm.DB) error {
	if err := p.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if p.AudioEncoder == "" {
		p.AudioEncoder = "copy"
	}
	if p.SubtitlesMode == "" {
		p.SubtitlesMode = SubtitlesModeCopy
	}
	if p.Container == "" {
		p.Container = "mkv"
	}
	return p.Validate()
}
