package models

import (
	"time"

	"gorm.io/gorm"
)

// DownloadStatus mirrors the torrent client's view of a download.
type DownloadStatus string

const (
	DownloadStatusQueued      DownloadStatus = "queued"
	DownloadStatusDownloading DownloadStatus = "downloading"
	DownloadStatusCompleted   DownloadStatus = "completed"
	DownloadStatusFailed      DownloadStatus = "failed"
	DownloadStatusRemoved     DownloadStatus = "removed"
)

// Download is the torrent-side bookkeeping row. Created by the download step
// keyed by torrent hash (idempotent on collision) and read by the recovery
// workers when reconciling items that completed while nobody was watching.
type Download struct {
	BaseModel

	// TorrentHash is the info hash; one row per torrent.
	TorrentHash string `gorm:"uniqueIndex;not null;size:64" json:"torrent_hash"`

	// Title is the release title as added.
	Title string `gorm:"size:500" json:"title"`

	// MagnetURI is kept for re-adding after client resets.
	MagnetURI string `gorm:"type:text" json:"magnet_uri,omitempty"`

	Status   DownloadStatus `gorm:"not null;size:20;index;default:queued" json:"status"`
	Progress float64        `gorm:"default:0" json:"progress"`

	// SavePath is where the client stores the torrent content.
	SavePath string `gorm:"size:1024" json:"save_path,omitempty"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName overrides the table name.
func (Download) TableName() string {
	return "downloads"
}

// Validate checks that required fields are present.
func (d *Download) Validate() error {
	if d.TorrentHash == "" {
		return ErrTorrentHashRequired
	}
	return nil
}

// BeforeCreate validates and initializes the download row.
func (d *Download) BeforeCreate(tx *gorm.DB) error {
	if err := d.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if d.Status == "" {
		d.Status = DownloadStatusQueued
	}
	return d.Validate()
}

// IsComplete reports whether the torrent finished downloading.
func (d *Download) IsComplete() bool {
	return d.Status == DownloadStatusCompleted || d.Progress >= 100
}
