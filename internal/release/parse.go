// Package release parses scene-style release names and scores indexer
// results against per-target quality requirements.
package release

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// ParsedName is the metadata recoverable from a release or torrent name.
// Zero values mean the token was absent.
type ParsedName struct {
	Title      string
	Year       int
	Season     int
	Episode    int
	Resolution string
	Codec      string
}

// Known resolution tokens, highest first. Canonical form is the "<height>p"
// spelling used everywhere else (config minimums, encoded file labels).
var resolutionPatterns = []struct {
	pattern   *regexp.Regexp
	canonical string
}{
	{regexp.MustCompile(`(?i)\b(2160p|4k|uhd)\b`), "2160p"},
	{regexp.MustCompile(`(?i)\b1080p\b`), "1080p"},
	{regexp.MustCompile(`(?i)\b720p\b`), "720p"},
	{regexp.MustCompile(`(?i)\b(480p|sdtv)\b`), "480p"},
}

// Known codec tokens mapped to the canonical names encoding profiles use.
var codecPatterns = []struct {
	pattern   *regexp.Regexp
	canonical string
}{
	{regexp.MustCompile(`(?i)\b(x265|h\.?265|hevc)\b`), "hevc"},
	{regexp.MustCompile(`(?i)\b(x264|h\.?264|avc)\b`), "h264"},
	{regexp.MustCompile(`(?i)\bav1\b`), "av1"},
	{regexp.MustCompile(`(?i)\b(xvid|divx)\b`), "xvid"},
}

var (
	seasonEpisodeRe = regexp.MustCompile(`(?i)\bS(\d{1,2})[ ._-]?E(\d{1,3})\b`)
	crossEpisodeRe  = regexp.MustCompile(`(?i)\b(\d{1,2})x(\d{2,3})\b`)
	seasonPackRe    = regexp.MustCompile(`(?i)\b(?:S(\d{1,2})|Season[ ._-]?(\d{1,2}))\b`)
	yearRe          = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
	separatorRe     = regexp.MustCompile(`[._]+`)
	whitespaceRe    = regexp.MustCompile(`\s+`)
)

// Parse extracts title, year, season/episode, resolution and codec from a
// release or torrent name. The title is everything before the first
// structural marker; a year-only name ("1917") keeps the digits as title.
func Parse(name string) ParsedName {
	cleaned := whitespaceRe.ReplaceAllString(separatorRe.ReplaceAllString(name, " "), " ")
	cleaned = strings.TrimSpace(cleaned)

	parsed := ParsedName{}
	titleEnd := len(cleaned)

	if loc := seasonEpisodeRe.FindStringSubmatchIndex(cleaned); loc != nil {
		parsed.Season = atoi(cleaned[loc[2]:loc[3]])
		parsed.Episode = atoi(cleaned[loc[4]:loc[5]])
		titleEnd = min(titleEnd, loc[0])
	} else if loc := crossEpisodeRe.FindStringSubmatchIndex(cleaned); loc != nil {
		parsed.Season = atoi(cleaned[loc[2]:loc[3]])
		parsed.Episode = atoi(cleaned[loc[4]:loc[5]])
		titleEnd = min(titleEnd, loc[0])
	} else if loc := seasonPackRe.FindStringSubmatchIndex(cleaned); loc != nil {
		for _, g := range []int{2, 4} {
			if loc[g] >= 0 {
				parsed.Season = atoi(cleaned[loc[g]:loc[g+1]])
			}
		}
		titleEnd = min(titleEnd, loc[0])
	}

	for _, rp := range resolutionPatterns {
		if loc := rp.pattern.FindStringIndex(cleaned); loc != nil {
			parsed.Resolution = rp.canonical
			titleEnd = min(titleEnd, loc[0])
			break
		}
	}
	for _, cp := range codecPatterns {
		if loc := cp.pattern.FindStringIndex(cleaned); loc != nil {
			parsed.Codec = cp.canonical
			titleEnd = min(titleEnd, loc[0])
			break
		}
	}

	// Release years come after the title, so the last year token wins
	// ("Blade Runner 2049 2017" is the 2017 film). A year token at the very
	// start is part of the title unless another year follows.
	if years := yearRe.FindAllStringIndex(cleaned[:titleEnd], -1); len(years) > 0 {
		loc := years[len(years)-1]
		if loc[0] > 0 {
			parsed.Year = atoi(cleaned[loc[0]:loc[1]])
			titleEnd = min(titleEnd, loc[0])
		}
	}

	parsed.Title = strings.TrimSpace(cleaned[:titleEnd])
	return parsed
}

var foldMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeTitle reduces a title to lowercase alphanumerics with diacritics
// folded, so "Amélie" and "amelie" compare equal.
func NormalizeTitle(title string) string {
	folded, _, err := transform.String(foldMarks, title)
	if err != nil {
		folded = title
	}

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ResolutionRank orders canonical resolutions for comparison. Unknown or
// empty resolutions rank zero.
func ResolutionRank(resolution string) int {
	switch strings.ToLower(resolution) {
	case "2160p":
		return 4
	case "1080p":
		return 3
	case "720p":
		return 2
	case "480p":
		return 1
	default:
		return 0
	}
}

// MeetsMinimum reports whether a resolution satisfies a floor. An empty floor
// accepts anything; an unknown resolution never satisfies a set floor.
func MeetsMinimum(resolution, minimum string) bool {
	if minimum == "" {
		return true
	}
	rank := ResolutionRank(resolution)
	return rank > 0 && rank >= ResolutionRank(minimum)
}

var videoExtensions = map[string]struct{}{
	".mkv": {}, ".mp4": {}, ".avi": {}, ".m4v": {}, ".ts": {},
}

// IsVideoFile reports whether the path carries a recognized video extension.
func IsVideoFile(path string) bool {
	dot := strings.LastIndex(path, ".")
	if dot < 0 {
		return false
	}
	_, ok := videoExtensions[strings.ToLower(path[dot:])]
	return ok
}

// IsSample reports whether a file path is a sample clip: a "sample" directory
// component, or a standalone "sample" token in the file name. "samplerate"
// style substrings do not count.
func IsSample(path string) bool {
	lower := strings.ToLower(strings.ReplaceAll(path, "\\", "/"))

	dir, file := "", lower
	if idx := strings.LastIndex(lower, "/"); idx >= 0 {
		dir, file = lower[:idx], lower[idx+1:]
	}
	for _, part := range strings.Split(dir, "/") {
		if part == "sample" || part == "samples" {
			return true
		}
	}

	if dot := strings.LastIndex(file, "."); dot >= 0 {
		file = file[:dot]
	}
	for _, token := range strings.FieldsFunc(file, isNameSeparator) {
		if token == "sample" {
			return true
		}
	}
	return false
}

func isNameSeparator(r rune) bool {
	switch r {
	case ' ', '.', '_', '-', '(', ')', '[', ']':
		return true
	}
	return false
}

// MatchesMedia reports whether a torrent or release name refers to the given
// media: normalized titles must match, movies additionally need the year and
// TV the season. A missing token in the name fails a required comparison.
func MatchesMedia(name string, kind models.MediaKind, title string, year, season int) bool {
	parsed := Parse(name)
	if NormalizeTitle(parsed.Title) != NormalizeTitle(title) {
		return false
	}
	if kind == models.MediaKindMovie {
		return year == 0 || parsed.Year == year
	}
	return season == 0 || parsed.Season == season
}

// Enrich fills a release's Resolution, Codec, Season and Episode from its
// title when the indexer left them unset.
func Enrich(r *models.Release) {
	parsed := Parse(r.Title)
	if r.Resolution == "" {
		r.Resolution = parsed.Resolution
	}
	if r.Codec == "" {
		r.Codec = parsed.Codec
	}
	if r.Season == 0 {
		r.Season = parsed.Season
	}
	if r.Episode == 0 {
		r.Episode = parsed.Episode
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
