package models

import "time"

// LibraryItem records a delivered file on one storage server. The
// (tmdb_id, kind, server_id, season, episode) tuple is unique; re-delivery
// upserts quality and sync time.
type LibraryItem struct {
	BaseModel

	TmdbID   int64     `gorm:"not null;uniqueIndex:idx_library_identity,priority:1" json:"tmdb_id"`
	Kind     MediaKind `gorm:"not null;size:10;uniqueIndex:idx_library_identity,priority:2" json:"kind"`
	ServerID string    `gorm:"not null;size:100;uniqueIndex:idx_library_identity,priority:3" json:"server_id"`
	Season   int       `gorm:"default:0;uniqueIndex:idx_library_identity,priority:4" json:"season,omitempty"`
	Episode  int       `gorm:"default:0;uniqueIndex:idx_library_identity,priority:5" json:"episode,omitempty"`

	// Quality is the delivered rendition ("1080p hevc").
	Quality string `gorm:"size:50" json:"quality,omitempty"`

	// Path is the absolute destination path on the server.
	Path string `gorm:"size:1024" json:"path,omitempty"`

	AddedAt  time.Time  `json:"added_at"`
	SyncedAt *time.Time `json:"synced_at,omitempty"`
}

// TableName overrides the table name.
func (LibraryItem) TableName() string {
	return "library_items"
}
