package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/fetcharr/internal/models"
)

func setupAssignmentTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	err = db.AutoMigrate(&models.EncoderAssignment{})
	require.NoError(t, err)

	return db
}

func newTestAssignment(jobID, inputPath string) *models.EncoderAssignment {
	return &models.EncoderAssignment{
		JobID:      jobID,
		InputPath:  inputPath,
		OutputPath: inputPath + ".out.mkv",
		ProfileID:  models.NewULID(),
	}
}

func TestAssignmentRepo_GetByJobID(t *testing.T) {
	db := setupAssignmentTestDB(t)
	repo := NewEncoderAssignmentRepository(db)
	ctx := context.Background()

	assignment := newTestAssignment("job-1", "/downloads/a.mkv")
	require.NoError(t, repo.Create(ctx, assignment))

	t.Run("found", func(t *testing.T) {
		got, err := repo.GetByJobID(ctx, "job-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, assignment.ID, got.ID)
	})

	t.Run("not found", func(t *testing.T) {
		got, err := repo.GetByJobID(ctx, "job-nope")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestAssignmentRepo_GetActiveByInputPath(t *testing.T) {
	db := setupAssignmentTestDB(t)
	repo := NewEncoderAssignmentRepository(db)
	ctx := context.Background()

	assignment := newTestAssignment("job-1", "/downloads/a.mkv")
	require.NoError(t, repo.Create(ctx, assignment))

	got, err := repo.GetActiveByInputPath(ctx, "/downloads/a.mkv")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "job-1", got.JobID)

	t.Run("terminal assignment releases the path", func(t *testing.T) {
		assignment.MarkCompleted(1024, 0.5, 60)
		require.NoError(t, repo.Update(ctx, assignment))

		got, err := repo.GetActiveByInputPath(ctx, "/downloads/a.mkv")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestAssignmentRepo_GetPending_OldestFirst(t *testing.T) {
	db := setupAssignmentTestDB(t)
	repo := NewEncoderAssignmentRepository(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assignment := newTestAssignment(fmt.Sprintf("job-%d", i), fmt.Sprintf("/downloads/%d.mkv", i))
		require.NoError(t, repo.Create(ctx, assignment))
		// Spread created_at so the order is deterministic.
		createdAt := time.Now().Add(time.Duration(i-10) * time.Minute)
		require.NoError(t, db.Model(&models.EncoderAssignment{}).
			Where("id = ?", assignment.ID).
			UpdateColumn("created_at", createdAt).Error)
	}

	pending, err := repo.GetPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "job-0", pending[0].JobID)
	assert.Equal(t, "job-2", pending[2].JobID)
}

func TestAssignmentRepo_GetActiveByEncoderID(t *testing.T) {
	db := setupAssignmentTestDB(t)
	repo := NewEncoderAssignmentRepository(db)
	ctx := context.Background()

	owned := newTestAssignment("job-owned", "/downloads/owned.mkv")
	require.NoError(t, repo.Create(ctx, owned))
	owned.MarkAssigned("encoder-a")
	require.NoError(t, repo.Update(ctx, owned))

	finished := newTestAssignment("job-finished", "/downloads/finished.mkv")
	require.NoError(t, repo.Create(ctx, finished))
	finished.MarkAssigned("encoder-a")
	finished.MarkCompleted(2048, 0.4, 120)
	require.NoError(t, repo.Update(ctx, finished))

	other := newTestAssignment("job-other", "/downloads/other.mkv")
	require.NoError(t, repo.Create(ctx, other))
	other.MarkAssigned("encoder-b")
	require.NoError(t, repo.Update(ctx, other))

	got, err := repo.GetActiveByEncoderID(ctx, "encoder-a")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "job-owned", got[0].JobID)
}

func TestAssignmentRepo_GetEncoding(t *testing.T) {
	db := setupAssignmentTestDB(t)
	repo := NewEncoderAssignmentRepository(db)
	ctx := context.Background()

	pending := newTestAssignment("job-pending", "/downloads/p.mkv")
	require.NoError(t, repo.Create(ctx, pending))

	encoding := newTestAssignment("job-encoding", "/downloads/e.mkv")
	require.NoError(t, repo.Create(ctx, encoding))
	encoding.MarkAssigned("encoder-a")
	require.NoError(t, repo.Update(ctx, encoding))

	got, err := repo.GetEncoding(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "job-encoding", got[0].JobID)
}

func TestAssignmentRepo_CountByStatus(t *testing.T) {
	db := setupAssignmentTestDB(t)
	repo := NewEncoderAssignmentRepository(db)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assignment := newTestAssignment(fmt.Sprintf("job-%d", i), fmt.Sprintf("/downloads/%d.mkv", i))
		require.NoError(t, repo.Create(ctx, assignment))
	}

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.AssignmentStatusPending])
}
