// Package service provides business logic for fetcharr housekeeping
// operations that sit outside the request pipeline: database backups and
// the activity feed.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/database"
	"github.com/jmylchreest/fetcharr/internal/version"
	"github.com/jmylchreest/fetcharr/pkg/format"
)

// BackupInfo describes one on-disk backup archive.
type BackupInfo struct {
	Filename     string         `json:"filename"`
	FilePath     string         `json:"file_path"`
	CreatedAt    time.Time      `json:"created_at"`
	FileSize     int64          `json:"file_size"`
	Checksum     string         `json:"checksum"`
	AppVersion   string         `json:"app_version"`
	DatabaseSize int64          `json:"database_size"`
	TableCounts  map[string]int `json:"table_counts,omitempty"`
}

// backupSidecar is the .meta.json companion written next to each archive.
// Archives remain readable without it; the sidecar only enriches listings.
type backupSidecar struct {
	AppVersion     string         `json:"app_version"`
	DatabaseSize   int64          `json:"database_size"`
	CompressedSize int64          `json:"compressed_size"`
	Checksum       string         `json:"checksum"`
	CreatedAt      time.Time      `json:"created_at"`
	TableCounts    map[string]int `json:"table_counts,omitempty"`
}

const (
	backupSuffix     = ".db.xz"
	backupTimeLayout = "2006-01-02T15-04-05.000"

	// Minimum free disk space required before taking a backup (100MB).
	minBackupDiskSpace = 100 * 1024 * 1024
)

// BackupService snapshots the sqlite database into xz-compressed archives
// and prunes old ones. Snapshots use VACUUM INTO, which only the sqlite
// driver supports; for mysql/postgres deployments use the server's native
// dump tooling instead.
type BackupService struct {
	db     *database.DB
	cfg    config.BackupConfig
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// NewBackupService creates a backup service writing into the configured
// backup directory (default {storageBaseDir}/backups).
func NewBackupService(db *database.DB, cfg config.BackupConfig, storageBaseDir string, logger *slog.Logger) *BackupService {
	if logger == nil {
		logger = slog.Default()
	}
	return &BackupService{
		db:     db,
		cfg:    cfg,
		dir:    cfg.BackupPath(storageBaseDir),
		logger: logger.With("component", "backup"),
		now:    time.Now,
	}
}

// Directory returns the backup storage directory path.
func (s *BackupService) Directory() string {
	return s.dir
}

// CreateBackup creates a full database backup.
func (s *BackupService) CreateBackup(ctx context.Context) (*BackupInfo, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}

	if err := s.checkDiskSpace(); err != nil {
		return nil, err
	}

	// Millisecond timestamps keep filenames unique across rapid manual runs.
	timestamp := s.now().UTC()
	baseName := fmt.Sprintf("fetcharr-%s", timestamp.Format(backupTimeLayout))
	dbPath := filepath.Join(s.dir, baseName+".db")
	xzPath := filepath.Join(s.dir, baseName+backupSuffix)
	metaPath := filepath.Join(s.dir, baseName+".meta.json")

	if _, err := os.Stat(xzPath); err == nil {
		return nil, fmt.Errorf("backup already exists: %s", filepath.Base(xzPath))
	}

	// VACUUM INTO produces a consistent snapshot without blocking writers.
	s.logger.Debug("creating backup using VACUUM INTO", slog.String("path", dbPath))
	if err := s.db.VacuumInto(ctx, dbPath); err != nil {
		return nil, fmt.Errorf("snapshotting database: %w", err)
	}

	dbInfo, err := os.Stat(dbPath)
	if err != nil {
		return nil, fmt.Errorf("stat backup db: %w", err)
	}
	databaseSize := dbInfo.Size()

	if err := s.compressFile(dbPath, xzPath); err != nil {
		os.Remove(dbPath)
		return nil, fmt.Errorf("compressing backup: %w", err)
	}
	os.Remove(dbPath)

	xzInfo, err := os.Stat(xzPath)
	if err != nil {
		return nil, fmt.Errorf("stat compressed backup: %w", err)
	}

	checksum, err := s.calculateChecksum(xzPath)
	if err != nil {
		return nil, fmt.Errorf("calculating checksum: %w", err)
	}

	tableCounts, err := s.getTableCounts(ctx)
	if err != nil {
		s.logger.Warn("failed to get table counts", slog.String("error", err.Error()))
		tableCounts = make(map[string]int)
	}

	sidecar := &backupSidecar{
		AppVersion:     version.Version,
		DatabaseSize:   databaseSize,
		CompressedSize: xzInfo.Size(),
		Checksum:       checksum,
		CreatedAt:      timestamp,
		TableCounts:    tableCounts,
	}

	metaJSON, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, metaJSON, 0o644); err != nil {
		return nil, fmt.Errorf("writing metadata: %w", err)
	}

	info := &BackupInfo{
		Filename:     filepath.Base(xzPath),
		FilePath:     xzPath,
		CreatedAt:    timestamp,
		FileSize:     xzInfo.Size(),
		Checksum:     checksum,
		AppVersion:   version.Version,
		DatabaseSize: databaseSize,
		TableCounts:  tableCounts,
	}

	s.logger.Info("backup created",
		slog.String("filename", info.Filename),
		slog.String("size", format.Bytes(info.FileSize)),
		slog.String("checksum", truncateChecksum(info.Checksum)),
	)

	return info, nil
}

// ListBackups returns all available backups sorted by creation time, newest
// first.
func (s *BackupService) ListBackups(ctx context.Context) ([]*BackupInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*BackupInfo{}, nil
		}
		return nil, err
	}

	var backups []*BackupInfo
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), backupSuffix) {
			continue
		}

		info, err := s.loadBackupInfo(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.logger.Warn("failed to load backup metadata",
				slog.String("filename", entry.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		backups = append(backups, info)
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})

	return backups, nil
}

// DeleteBackup deletes a backup archive and its metadata sidecar.
func (s *BackupService) DeleteBackup(ctx context.Context, filename string) error {
	// Reject anything that isn't a bare filename (path traversal).
	if filepath.Base(filename) != filename {
		return fmt.Errorf("invalid filename")
	}

	backupPath := filepath.Join(s.dir, filename)
	metaPath := strings.TrimSuffix(backupPath, backupSuffix) + ".meta.json"

	if err := os.Remove(backupPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing backup file: %w", err)
	}

	if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove metadata file",
			slog.String("path", metaPath),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("backup deleted", slog.String("filename", filename))
	return nil
}

// CleanupOldBackups prunes backups beyond the retention count and, when
// max_age is set, backups older than that age. Returns the number deleted.
func (s *BackupService) CleanupOldBackups(ctx context.Context) (int, error) {
	retention := s.cfg.Schedule.Retention
	maxAge := s.cfg.Schedule.MaxAge.Std()
	if retention <= 0 && maxAge <= 0 {
		return 0, nil
	}

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return 0, err
	}

	var cutoff time.Time
	if maxAge > 0 {
		cutoff = s.now().UTC().Add(-maxAge)
	}

	deleted := 0
	for i, backup := range backups {
		overCount := retention > 0 && i >= retention
		overAge := maxAge > 0 && backup.CreatedAt.Before(cutoff)
		if !overCount && !overAge {
			continue
		}

		if err := s.DeleteBackup(ctx, backup.Filename); err != nil {
			s.logger.Warn("failed to delete old backup",
				slog.String("filename", backup.Filename),
				slog.String("error", err.Error()),
			)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		s.logger.Info("cleaned up old backups", slog.Int("deleted", deleted))
	}

	return deleted, nil
}

// RunScheduled is the cron task body: take a backup, then prune old ones.
func (s *BackupService) RunScheduled(ctx context.Context) error {
	info, err := s.CreateBackup(ctx)
	if err != nil {
		return fmt.Errorf("scheduled backup: %w", err)
	}

	deleted, err := s.CleanupOldBackups(ctx)
	if err != nil {
		s.logger.Warn("backup cleanup failed", slog.String("error", err.Error()))
	}

	s.logger.Info("scheduled backup finished",
		slog.String("filename", info.Filename),
		slog.Int("pruned", deleted),
	)
	return nil
}

// checkDiskSpace verifies sufficient disk space is available for a backup.
// The check is best-effort; statfs failures are logged and ignored.
func (s *BackupService) checkDiskSpace() error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(s.dir, &stat); err != nil {
		s.logger.Warn("unable to check disk space", slog.String("error", err.Error()))
		return nil
	}

	availableBytes := stat.Bavail * uint64(stat.Bsize)
	if availableBytes < minBackupDiskSpace {
		return fmt.Errorf("insufficient disk space for backup: %d bytes available, %d bytes required",
			availableBytes, minBackupDiskSpace)
	}

	return nil
}

func (s *BackupService) compressFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	xzWriter, err := xz.NewWriter(dstFile)
	if err != nil {
		return err
	}

	if _, err := io.Copy(xzWriter, srcFile); err != nil {
		xzWriter.Close()
		return err
	}
	return xzWriter.Close()
}

func (s *BackupService) calculateChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

func (s *BackupService) getTableCounts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	tables := []string{
		"requests",
		"processing_items",
		"pipeline_executions",
		"downloads",
		"encoder_assignments",
		"remote_encoders",
		"encoding_profiles",
		"pipeline_templates",
		"library_items",
		"activity_logs",
	}

	for _, table := range tables {
		var count int64
		if err := s.db.WithContext(ctx).Table(table).Count(&count).Error; err != nil {
			continue // skip tables that don't exist
		}
		counts[table] = int(count)
	}

	return counts, nil
}

func (s *BackupService) loadBackupInfo(backupPath string) (*BackupInfo, error) {
	fileInfo, err := os.Stat(backupPath)
	if err != nil {
		return nil, err
	}

	metaPath := strings.TrimSuffix(backupPath, backupSuffix) + ".meta.json"
	var sidecar backupSidecar

	metaData, err := os.ReadFile(metaPath)
	if err == nil {
		if err := json.Unmarshal(metaData, &sidecar); err != nil {
			s.logger.Warn("failed to parse metadata file",
				slog.String("path", metaPath),
				slog.String("error", err.Error()),
			)
		}
	}

	// The filename timestamp backs up missing or unreadable sidecars.
	createdAt := sidecar.CreatedAt
	if createdAt.IsZero() {
		createdAt = parseBackupTimestamp(filepath.Base(backupPath))
		if createdAt.IsZero() {
			createdAt = fileInfo.ModTime()
		}
	}

	return &BackupInfo{
		Filename:     filepath.Base(backupPath),
		FilePath:     backupPath,
		CreatedAt:    createdAt,
		FileSize:     fileInfo.Size(),
		Checksum:     sidecar.Checksum,
		AppVersion:   sidecar.AppVersion,
		DatabaseSize: sidecar.DatabaseSize,
		TableCounts:  sidecar.TableCounts,
	}, nil
}

var backupNameRe = regexp.MustCompile(`fetcharr-(\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}\.\d{3})\.db\.xz`)

// parseBackupTimestamp extracts the creation time from an archive filename,
// returning the zero time when the name doesn't match.
func parseBackupTimestamp(filename string) time.Time {
	matches := backupNameRe.FindStringSubmatch(filename)
	if len(matches) != 2 {
		return time.Time{}
	}

	t, err := time.Parse(backupTimeLayout, matches[1])
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// truncateChecksum returns a shortened checksum for log lines.
func truncateChecksum(checksum string) string {
	if len(checksum) > 23 { // "sha256:" + 16 chars
		return checksum[:23] + "..."
	}
	return checksum
}
