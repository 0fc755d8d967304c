package models

import "errors"

// Common validation errors for models.
var (
	// ErrNameRequired indicates a required name field is empty.
	ErrNameRequired = errors.New("name is required")

	// ErrTitleRequired indicates a required title field is empty.
	ErrTitleRequired = errors.New("title is required")

	// ErrInvalidMediaKind indicates a media kind outside {movie, tv}.
	ErrInvalidMediaKind = errors.New("invalid media kind: must be 'movie' or 'tv'")

	// ErrInvalidItemType indicates an item type outside {movie, episode}.
	ErrInvalidItemType = errors.New("invalid item type: must be 'movie' or 'episode'")

	// ErrTmdbIDRequired indicates a missing external catalog id.
	ErrTmdbIDRequired = errors.New("tmdb_id is required")

	// ErrDeliveryTargetRequired indicates a request with no storage targets.
	ErrDeliveryTargetRequired = errors.New("at least one delivery target is required")

	// ErrRequestIDRequired indicates a required request ID field is zero.
	ErrRequestIDRequired = errors.New("request_id is required")

	// ErrTemplateIDRequired indicates a required template ID field is zero.
	ErrTemplateIDRequired = errors.New("template_id is required")

	// ErrSeasonRequired indicates an episode item without a season number.
	ErrSeasonRequired = errors.New("season is required for episode items")

	// ErrStepsRequired indicates a pipeline template with no steps.
	ErrStepsRequired = errors.New("at least one step is required")

	// ErrJobIDRequired indicates a required job ID field is empty.
	ErrJobIDRequired = errors.New("job_id is required")

	// ErrInputPathRequired indicates a required input path field is empty.
	ErrInputPathRequired = errors.New("input_path is required")

	// ErrOutputPathRequired indicates a required output path field is empty.
	ErrOutputPathRequired = errors.New("output_path is required")

	// ErrEncoderIDRequired indicates a required encoder ID field is empty.
	ErrEncoderIDRequired = errors.New("encoder_id is required")

	// ErrInvalidMaxConcurrent indicates a negative concurrency cap.
	ErrInvalidMaxConcurrent = errors.New("max_concurrent must not be negative")

	// ErrServiceRequired indicates a required service name field is empty.
	ErrServiceRequired = errors.New("service is required")

	// ErrTorrentHashRequired indicates a required torrent hash field is empty.
	ErrTorrentHashRequired = errors.New("torrent_hash is required")

	// ErrVideoEncoderRequired indicates a profile without a video encoder.
	ErrVideoEncoderRequired = errors.New("video_encoder is required")

	// ErrInvalidSubtitlesMode indicates a subtitles mode outside {copy, burn, drop}.
	ErrInvalidSubtitlesMode = errors.New("invalid subtitles mode: must be 'copy', 'burn' or 'drop'")
)
