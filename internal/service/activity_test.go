package service

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

func setupActivityService(t *testing.T) (*ActivityService, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.ActivityLog{}))

	return NewActivityService(repository.NewActivityLogRepository(db), testLogger()), db
}

func TestActivityService_AppendAndList(t *testing.T) {
	svc, _ := setupActivityService(t)
	ctx := context.Background()

	requestID := models.NewULID()
	itemID := models.NewULID()

	svc.Append(ctx, models.ActivityLevelInfo, "item.transition", "pending to searching", &requestID, &itemID, map[string]any{"from": "pending", "to": "searching"})
	svc.Append(ctx, models.ActivityLevelWarn, "dispatch.stall", "no progress for 120s", &requestID, &itemID, nil)
	svc.Append(ctx, models.ActivityLevelInfo, "backup.finished", "nightly backup", nil, nil, nil)

	page, err := svc.List(ctx, repository.ActivityFilter{}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	require.Len(t, page.Entries, 3)

	byRequest, err := svc.List(ctx, repository.ActivityFilter{RequestID: &requestID}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), byRequest.Total)
	for _, entry := range byRequest.Entries {
		require.NotNil(t, entry.RequestID)
		assert.Equal(t, requestID, *entry.RequestID)
	}

	stalls, err := svc.List(ctx, repository.ActivityFilter{Event: "dispatch.stall"}, 0, 10)
	require.NoError(t, err)
	require.Len(t, stalls.Entries, 1)
	assert.Equal(t, "no progress for 120s", stalls.Entries[0].Message)
	assert.Equal(t, models.ActivityLevelWarn, stalls.Entries[0].Level)
}

func TestActivityService_ListClampsPagination(t *testing.T) {
	svc, _ := setupActivityService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		svc.Append(ctx, models.ActivityLevelInfo, "item.transition", "hop", nil, nil, nil)
	}

	page, err := svc.List(ctx, repository.ActivityFilter{}, -5, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, page.Offset)
	assert.Equal(t, defaultActivityLimit, page.Limit)
	assert.Len(t, page.Entries, 3)

	page, err = svc.List(ctx, repository.ActivityFilter{}, 0, 10_000)
	require.NoError(t, err)
	assert.Equal(t, maxActivityLimit, page.Limit)
}

func TestActivityService_AppendSurvivesRepoFailure(t *testing.T) {
	svc, db := setupActivityService(t)
	ctx := context.Background()

	// Dropping the table forces Create to fail; Append must not panic.
	require.NoError(t, db.Migrator().DropTable(&models.ActivityLog{}))
	svc.Append(ctx, models.ActivityLevelInfo, "item.transition", "hop", nil, nil, nil)
}

func TestActivityService_Prune(t *testing.T) {
	svc, db := setupActivityService(t)
	ctx := context.Background()

	svc.Append(ctx, models.ActivityLevelInfo, "item.transition", "old", nil, nil, nil)
	svc.Append(ctx, models.ActivityLevelInfo, "item.transition", "older", nil, nil, nil)
	svc.Append(ctx, models.ActivityLevelInfo, "item.transition", "fresh", nil, nil, nil)

	// Age two entries past the cutoff.
	stale := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, db.Model(&models.ActivityLog{}).
		Where("message IN ?", []string{"old", "older"}).
		Update("created_at", stale).Error)

	deleted, err := svc.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	page, err := svc.List(ctx, repository.ActivityFilter{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "fresh", page.Entries[0].Message)

	deleted, err = svc.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
