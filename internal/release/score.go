package release

import (
	"sort"
	"strings"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// Criteria is the quality bar a release is judged against. MinResolution is
// the strictest floor across the request's target servers; MaxResolution
// caps oversized grabs; PreferredCodec breaks ties.
type Criteria struct {
	MinResolution  string
	MaxResolution  string
	PreferredCodec string
}

// sizeSanityBand is how far apart two sizes may be before the smaller one is
// treated as suspect rather than efficient.
const sizeSanityBand = 0.30

// Meets reports whether a release satisfies the criteria's resolution window.
func (c Criteria) Meets(r models.Release) bool {
	rank := ResolutionRank(r.Resolution)
	if !MeetsMinimum(r.Resolution, c.MinResolution) {
		return false
	}
	if c.MaxResolution != "" && rank > ResolutionRank(c.MaxResolution) {
		return false
	}
	return true
}

// Better reports whether a should be preferred over b. Tie-break order:
// resolution closest to the floor without exceeding the cap, higher seeders,
// preferred codec, smaller size within a 30% band (a drastically smaller
// release is suspect and loses), newer publish date.
func Better(a, b models.Release, c Criteria) bool {
	ap, bp := resolutionPreference(a.Resolution, c), resolutionPreference(b.Resolution, c)
	if ap != bp {
		return ap > bp
	}

	if a.Seeders != b.Seeders {
		return a.Seeders > b.Seeders
	}

	if c.PreferredCodec != "" {
		am := strings.EqualFold(a.Codec, c.PreferredCodec)
		bm := strings.EqualFold(b.Codec, c.PreferredCodec)
		if am != bm {
			return am
		}
	}

	if a.SizeBytes > 0 && b.SizeBytes > 0 && a.SizeBytes != b.SizeBytes {
		smaller, larger := a.SizeBytes, b.SizeBytes
		if smaller > larger {
			smaller, larger = larger, smaller
		}
		withinBand := float64(smaller) >= (1-sizeSanityBand)*float64(larger)
		if withinBand {
			return a.SizeBytes < b.SizeBytes
		}
		return a.SizeBytes > b.SizeBytes
	}

	return a.PublishedAt.After(b.PublishedAt)
}

// resolutionPreference collapses a resolution into one comparable score.
// Inside the window: higher the closer to the floor. No floor at all:
// straight quality ordering, unknown last. Above the cap: below any
// in-window score. Below the floor: higher resolutions first.
func resolutionPreference(resolution string, c Criteria) int {
	rank := ResolutionRank(resolution)
	minRank := ResolutionRank(c.MinResolution)
	maxRank := ResolutionRank(c.MaxResolution)
	overCap := maxRank > 0 && rank > maxRank

	switch {
	case overCap:
		return 100 - (rank - maxRank)
	case minRank == 0:
		return 100 + rank
	case rank >= minRank && rank > 0:
		return 200 - (rank - minRank)
	default:
		return rank
	}
}

// Sort orders releases best-first according to Better.
func Sort(releases []models.Release, c Criteria) {
	sort.SliceStable(releases, func(i, j int) bool {
		return Better(releases[i], releases[j], c)
	})
}

// Partition enriches every release from its title, then splits the list into
// releases meeting the criteria and below-bar alternatives, each sorted
// best-first. Sample releases are dropped outright.
func Partition(releases []models.Release, c Criteria) (meets, alternatives []models.Release) {
	for _, r := range releases {
		Enrich(&r)
		if IsSample(r.Title) {
			continue
		}
		if c.Meets(r) {
			meets = append(meets, r)
		} else {
			alternatives = append(alternatives, r)
		}
	}
	Sort(meets, c)
	Sort(alternatives, c)
	return meets, alternatives
}

// SelectBest returns the best release meeting the criteria, or nil when only
// alternatives (or nothing) exist.
func SelectBest(releases []models.Release, c Criteria) *models.Release {
	meets, _ := Partition(releases, c)
	if len(meets) == 0 {
		return nil
	}
	best := meets[0]
	return &best
}
