package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessingItem_Validate(t *testing.T) {
	tests := []struct {
		name    string
		item    ProcessingItem
		wantErr error
	}{
		{
			name: "valid movie",
			item: ProcessingItem{RequestID: NewULID(), Type: ItemTypeMovie},
		},
		{
			name: "valid episode",
			item: ProcessingItem{RequestID: NewULID(), Type: ItemTypeEpisode, Season: 1, Episode: 4},
		},
		{
			name:    "missing request id",
			item:    ProcessingItem{Type: ItemTypeMovie},
			wantErr: ErrRequestIDRequired,
		},
		{
			name:    "invalid type",
			item:    ProcessingItem{RequestID: NewULID(), Type: "bogus"},
			wantErr: ErrInvalidItemType,
		},
		{
			name:    "episode without season",
			item:    ProcessingItem{RequestID: NewULID(), Type: ItemTypeEpisode},
			wantErr: ErrSeasonRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.item.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestProcessingItem_BeforeCreate_Defaults(t *testing.T) {
	item := &ProcessingItem{RequestID: NewULID(), Type: ItemTypeMovie}
	require.NoError(t, item.BeforeCreate(nil))

	assert.False(t, item.ID.IsZero())
	assert.Equal(t, ProcessingStatusPending, item.Status)
	assert.Equal(t, 3, item.MaxAttempts)
}

func TestProcessingItem_HasAttemptsLeft(t *testing.T) {
	item := ProcessingItem{Attempts: 2, MaxAttempts: 3}
	assert.True(t, item.HasAttemptsLeft())

	item.Attempts = 3
	assert.False(t, item.HasAttemptsLeft())
}

func TestProcessingItem_ScheduleRetry(t *testing.T) {
	base := 30 * time.Second

	tests := []struct {
		name     string
		attempts int
		backoff  time.Duration
	}{
		{"first attempt", 1, 30 * time.Second},
		{"second attempt", 2, time.Minute},
		{"third attempt", 3, 2 * time.Minute},
		{"deep attempt capped at an hour", 10, time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := ProcessingItem{Attempts: tt.attempts}
			before := time.Now()
			item.ScheduleRetry(base)

			require.NotNil(t, item.NextRetryAt)
			assert.WithinDuration(t, before.Add(tt.backoff), *item.NextRetryAt, 2*time.Second)
		})
	}
}

func TestEpisodeCode(t *testing.T) {
	assert.Equal(t, "S01E04", EpisodeCode(1, 4))
	assert.Equal(t, "S12E110", EpisodeCode(12, 110))

	episode := ProcessingItem{Type: ItemTypeEpisode, Season: 2, Episode: 7}
	assert.Equal(t, "S02E07", episode.EpisodeCode())

	movie := ProcessingItem{Type: ItemTypeMovie}
	assert.Empty(t, movie.EpisodeCode())
}

func TestRequestStatus_IsTerminal(t *testing.T) {
	assert.True(t, RequestStatusCompleted.IsTerminal())
	assert.True(t, RequestStatusFailed.IsTerminal())
	assert.True(t, RequestStatusCancelled.IsTerminal())
	assert.False(t, RequestStatusPending.IsTerminal())
	assert.False(t, RequestStatusProcessing.IsTerminal())
	assert.False(t, RequestStatusQualityUnavailable.IsTerminal())
}

func TestRequest_MarkCompleted(t *testing.T) {
	r := &Request{Status: RequestStatusProcessing}
	r.MarkCompleted()

	assert.Equal(t, RequestStatusCompleted, r.Status)
	assert.Equal(t, float64(100), r.Progress)
	require.NotNil(t, r.CompletedAt)
}

func TestRequest_MarkFailed(t *testing.T) {
	r := &Request{Status: RequestStatusProcessing}
	r.MarkFailed("no release found")

	assert.Equal(t, RequestStatusFailed, r.Status)
	assert.Equal(t, "no release found", r.Error)
	require.NotNil(t, r.CompletedAt)
}

func TestRequest_IsTV(t *testing.T) {
	assert.True(t, (&Request{Kind: MediaKindTV}).IsTV())
	assert.False(t, (&Request{Kind: MediaKindMovie}).IsTV())
}
