package release

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jmylchreest/fetcharr/internal/apperrors"
)

// videoFiles walks root and returns every non-sample video file it holds.
// A root that is itself a file is treated as a single candidate.
func videoFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindIntegrity, err, "reading download path %q", root)
	}

	if !info.IsDir() {
		if IsVideoFile(root) && !IsSample(root) {
			return []string{root}, nil
		}
		return nil, nil
	}

	var found []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsVideoFile(path) && !IsSample(path) {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindIntegrity, err, "walking download path %q", root)
	}
	return found, nil
}

// LocateEpisode finds the video file for one episode inside a completed
// download, matching season/episode tokens in the file name. Season packs
// hold many episodes; singles hold one.
func LocateEpisode(root string, season, episode int) (string, int64, error) {
	candidates, err := videoFiles(root)
	if err != nil {
		return "", 0, err
	}

	for _, path := range candidates {
		parsed := Parse(filepath.Base(path))
		if parsed.Season == season && parsed.Episode == episode {
			info, err := os.Stat(path)
			if err != nil {
				return "", 0, apperrors.Wrap(apperrors.KindIntegrity, err, "stating %q", path)
			}
			return path, info.Size(), nil
		}
	}
	return "", 0, apperrors.New(apperrors.KindIntegrity, "no video file for S%02dE%02d in %q", season, episode, root)
}

// LocateMovie finds the main movie file inside a completed download: the
// largest non-sample video file.
func LocateMovie(root string) (string, int64, error) {
	candidates, err := videoFiles(root)
	if err != nil {
		return "", 0, err
	}

	var best string
	var bestSize int64 = -1
	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.Size() > bestSize {
			best, bestSize = path, info.Size()
		}
	}
	if best == "" {
		return "", 0, apperrors.New(apperrors.KindIntegrity, "no video file in %q", root)
	}
	return best, bestSize, nil
}
