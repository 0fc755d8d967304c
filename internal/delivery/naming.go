package delivery

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// pathCleaner strips characters that are hostile to common filesystems while
// keeping the spaces, parens and brackets library naming relies on.
var pathCleaner = strings.NewReplacer(
	"/", "-",
	"\\", "-",
	":", " -",
	"*", "",
	"?", "",
	"\"", "",
	"<", "",
	">", "",
	"|", "",
)

func cleanName(s string) string {
	s = pathCleaner.Replace(s)
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimSpace(s)
}

// qualityTag renders the bracketed rendition suffix, e.g. "[1080p hevc]".
// Empty parts are dropped; both empty yields no tag.
func qualityTag(file models.EncodedFile) string {
	parts := make([]string, 0, 2)
	if file.Resolution != "" {
		parts = append(parts, file.Resolution)
	}
	if file.Codec != "" {
		parts = append(parts, file.Codec)
	}
	if len(parts) == 0 {
		return ""
	}
	return " [" + strings.Join(parts, " ") + "]"
}

func extension(file models.EncodedFile) string {
	if ext := filepath.Ext(file.Path); ext != "" {
		return ext
	}
	return ".mkv"
}

// MoviePath resolves the destination for a movie file:
//
//	<root>/<Title> (<Year>) [tmdb-<id>] [<res> <codec>].<ext>
func MoviePath(root string, media Media, file models.EncodedFile) string {
	name := fmt.Sprintf("%s (%d) [tmdb-%d]%s%s",
		cleanName(media.Title), media.Year, media.TmdbID, qualityTag(file), extension(file))
	return filepath.Join(root, name)
}

// EpisodePath resolves the destination for a TV episode file:
//
//	<root>/<Series> (<Year>)/Season <SS>/<Series> - S<SS>E<EE> - <EpTitle> [<res> <codec>].<ext>
//
// The episode title segment is dropped when unknown.
func EpisodePath(root string, media Media, file models.EncodedFile) string {
	series := cleanName(media.Title)
	seriesDir := fmt.Sprintf("%s (%d)", series, media.Year)
	seasonDir := fmt.Sprintf("Season %02d", media.Season)

	name := fmt.Sprintf("%s - S%02dE%02d", series, media.Season, media.Episode)
	if title := cleanName(media.EpisodeTitle); title != "" {
		name += " - " + title
	}
	name += qualityTag(file) + extension(file)

	return filepath.Join(root, seriesDir, seasonDir, name)
}

// DestinationPath picks the naming scheme by media kind. The root must be the
// kind-appropriate library root for the target server.
func DestinationPath(root string, media Media, file models.EncodedFile) string {
	if media.Kind == models.MediaKindTV {
		return EpisodePath(root, media, file)
	}
	return MoviePath(root, media, file)
}
