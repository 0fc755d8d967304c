// Package delivery places encoded files on storage servers using
// library-style naming, records what landed where, and optionally pokes the
// server's library scanner afterwards.
package delivery

import (
	"context"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// Media identifies what is being delivered. Season, Episode and EpisodeTitle
// are zero for movies.
type Media struct {
	Kind         models.MediaKind
	Title        string
	Year         int
	TmdbID       int64
	Season       int
	Episode      int
	EpisodeTitle string
}

// Result reports one file landing on one server.
type Result struct {
	// Destination is the absolute path the file ended up at.
	Destination string
	// Recovered is true when the destination already existed and no bytes
	// were transferred.
	Recovered bool
	// BytesCopied is the transferred size; zero when recovered.
	BytesCopied int64
}

// Transport moves bytes onto a storage server's filesystem.
type Transport interface {
	// Exists reports whether the destination path is already present.
	Exists(path string) (bool, error)
	// Transfer copies src to dst, creating parent directories. The progress
	// callback, when non-nil, receives running byte counts.
	Transfer(ctx context.Context, src, dst string, progress func(done, total int64)) (int64, error)
}

// ScanTrigger asks a storage server to rescan its library after a delivery.
type ScanTrigger interface {
	TriggerScan(ctx context.Context, url string) error
}
