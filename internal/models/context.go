package models

import "time"

// StepContext is the pipeline blackboard persisted with an item or execution.
// Each reserved key is written once by its own step on success; later steps
// treat earlier keys as read-only. Extra carries step-defined data that has
// no typed home.
type StepContext struct {
	Search   *SearchContext   `json:"search,omitempty"`
	Download *DownloadContext `json:"download,omitempty"`
	Encode   *EncodeContext   `json:"encode,omitempty"`
	Deliver  *DeliverContext  `json:"deliver,omitempty"`
	Approval *ApprovalContext `json:"approval,omitempty"`
	Extra    map[string]any   `json:"extra,omitempty"`
}

// SearchContext is produced by the search step.
type SearchContext struct {
	SelectedRelease *Release `json:"selected_release,omitempty"`

	// ExistingDownload is set when a completed download already present in
	// the torrent client satisfied the request and search short-circuited.
	ExistingDownload *ExistingDownload `json:"existing_download,omitempty"`

	// SearchedAt records when the selection happened.
	SearchedAt time.Time `json:"searched_at,omitempty"`
}

// ExistingDownload points at an already-complete torrent that satisfies the
// request without a fresh download.
type ExistingDownload struct {
	TorrentHash string `json:"torrent_hash"`
	Name        string `json:"name"`
	SavePath    string `json:"save_path"`
}

// DownloadContext is produced when a download finishes and its video file has
// been located.
type DownloadContext struct {
	TorrentHash    string    `json:"torrent_hash"`
	SourceFilePath string    `json:"source_file_path"`
	SavePath       string    `json:"save_path,omitempty"`
	SizeBytes      int64     `json:"size_bytes,omitempty"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`
}

// EncodedFile describes one transcoded output ready for delivery.
type EncodedFile struct {
	Path            string  `json:"path"`
	Resolution      string  `json:"resolution,omitempty"`
	Codec           string  `json:"codec,omitempty"`
	TargetServerIDs []string `json:"target_server_ids"`
	Season          int     `json:"season,omitempty"`
	Episode         int     `json:"episode,omitempty"`
	EpisodeItemID   *ULID   `json:"episode_item_id,omitempty"`
	SizeBytes       int64   `json:"size_bytes,omitempty"`
}

// EncodeContext is produced by the encode step on completion.
type EncodeContext struct {
	JobID            string        `json:"job_id"`
	EncodedFiles     []EncodedFile `json:"encoded_files"`
	CompressionRatio float64       `json:"compression_ratio,omitempty"`
	DurationSeconds  float64       `json:"duration_seconds,omitempty"`
}

// DeliverContext is produced by the deliver step.
type DeliverContext struct {
	DeliveredServers []string  `json:"delivered_servers"`
	FailedServers    []string  `json:"failed_servers,omitempty"`
	RecoveredServers []string  `json:"recovered_servers,omitempty"`
	DeliveredAt      time.Time `json:"delivered_at,omitempty"`
}

// ApprovalContext tracks a pending or resolved approval gate.
type ApprovalContext struct {
	ApprovalID string     `json:"approval_id"`
	Approved   *bool      `json:"approved,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Clone returns a deep-enough copy for safe mutation during a step run.
// Sub-structs are value-copied; Extra is copied shallowly per key.
func (c StepContext) Clone() StepContext {
	out := StepContext{}
	if c.Search != nil {
		v := *c.Search
		out.Search = &v
	}
	if c.Download != nil {
		v := *c.Download
		out.Download = &v
	}
	if c.Encode != nil {
		v := *c.Encode
		v.EncodedFiles = append([]EncodedFile(nil), c.Encode.EncodedFiles...)
		out.Encode = &v
	}
	if c.Deliver != nil {
		v := *c.Deliver
		v.DeliveredServers = append([]string(nil), c.Deliver.DeliveredServers...)
		v.FailedServers = append([]string(nil), c.Deliver.FailedServers...)
		v.RecoveredServers = append([]string(nil), c.Deliver.RecoveredServers...)
		out.Deliver = &v
	}
	if c.Approval != nil {
		v := *c.Approval
		out.Approval = &v
	}
	if len(c.Extra) > 0 {
		out.Extra = make(map[string]any, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Merge overlays non-nil reserved keys and Extra entries of other onto c.
func (c *StepContext) Merge(other StepContext) {
	if other.Search != nil {
		c.Search = other.Search
	}
	if other.Download != nil {
		c.Download = other.Download
	}
	if other.Encode != nil {
		c.Encode = other.Encode
	}
	if other.Deliver != nil {
		c.Deliver = other.Deliver
	}
	if other.Approval != nil {
		c.Approval = other.Approval
	}
	if len(other.Extra) > 0 {
		if c.Extra == nil {
			c.Extra = make(map[string]any, len(other.Extra))
		}
		for k, v := range other.Extra {
			c.Extra[k] = v
		}
	}
}
