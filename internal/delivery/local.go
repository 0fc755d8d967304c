package delivery

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalTransport copies files onto storage roots mounted on the local
// filesystem. Writes go to a temp sibling first and are renamed into place so
// a crash mid-transfer never leaves a half-written file under the final name.
type LocalTransport struct{}

// NewLocalTransport creates a filesystem transport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{}
}

// Exists reports whether the destination path is already present.
func (t *LocalTransport) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking destination: %w", err)
}

// Transfer copies src to dst via a temp file and atomic rename.
func (t *LocalTransport) Transfer(ctx context.Context, src, dst string, progress func(done, total int64)) (int64, error) {
	srcFile, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("opening source file: %w", err)
	}
	defer srcFile.Close()

	info, err := srcFile.Stat()
	if err != nil {
		return 0, fmt.Errorf("stating source file: %w", err)
	}
	total := info.Size()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("creating destination directory: %w", err)
	}

	tempPath := dst + ".partial"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	copied, copyErr := func() (int64, error) {
		defer tempFile.Close()

		// Copy in chunks so cancellation is honoured mid-transfer.
		buf := make([]byte, 256*1024)
		var done int64
		for {
			select {
			case <-ctx.Done():
				return done, ctx.Err()
			default:
			}

			n, readErr := srcFile.Read(buf)
			if n > 0 {
				if _, writeErr := tempFile.Write(buf[:n]); writeErr != nil {
					return done, fmt.Errorf("writing to temp file: %w", writeErr)
				}
				done += int64(n)
				if progress != nil {
					progress(done, total)
				}
			}
			if readErr == io.EOF {
				return done, nil
			}
			if readErr != nil {
				return done, fmt.Errorf("reading source file: %w", readErr)
			}
		}
	}()

	if copyErr != nil {
		os.Remove(tempPath)
		return 0, copyErr
	}

	if err := os.Rename(tempPath, dst); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("renaming to final path: %w", err)
	}
	return copied, nil
}

var _ Transport = (*LocalTransport)(nil)
