package dispatch

import (
	"sort"
	"strings"

	"github.com/jmylchreest/fetcharr/internal/apperrors"
	"github.com/jmylchreest/fetcharr/internal/config"
)

// PathTranslator rewrites controller-side paths into a worker's filesystem
// namespace and back. Mappings are applied most-specific first regardless of
// their declaration order.
type PathTranslator struct {
	mappings []config.PathMapping
}

// NewPathTranslator creates a translator with mappings sorted longest
// server prefix first.
func NewPathTranslator(mappings []config.PathMapping) *PathTranslator {
	sorted := make([]config.PathMapping, len(mappings))
	copy(sorted, mappings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].ServerPrefix) > len(sorted[j].ServerPrefix)
	})
	return &PathTranslator{mappings: sorted}
}

// ToRemote translates a controller path into the worker namespace. Paths
// outside every mapping pass through unchanged, covering setups where both
// sides mount the same tree.
func (t *PathTranslator) ToRemote(serverPath string) string {
	for _, m := range t.mappings {
		if strings.HasPrefix(serverPath, m.ServerPrefix) {
			return m.RemotePrefix + strings.TrimPrefix(serverPath, m.ServerPrefix)
		}
	}
	return serverPath
}

// ToServer translates a worker path back into the controller namespace. A
// path no mapping covers is an error: the controller cannot guess where a
// worker-side file lives.
func (t *PathTranslator) ToServer(remotePath string) (string, error) {
	best := -1
	for i, m := range t.mappings {
		if strings.HasPrefix(remotePath, m.RemotePrefix) {
			if best < 0 || len(m.RemotePrefix) > len(t.mappings[best].RemotePrefix) {
				best = i
			}
		}
	}
	if best < 0 {
		return "", apperrors.New(apperrors.KindPathTranslation, "no path mapping covers %q", remotePath)
	}
	m := t.mappings[best]
	return m.ServerPrefix + strings.TrimPrefix(remotePath, m.RemotePrefix), nil
}
