// Copyright 2025 Lumenworks
package jobs

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setup(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStore(rdb, zap.NewNop())
}

func sample() Record {
	return Record{
		JobID:       "job-1",
		Prompt:      "An AWS Solutions Architect",
		SessionID:   "1.2.3.4_override1",
		ClientIP:    "1.2.3.4",
		DeviceID:    "d1",
		UserNumber:  1,
		DisplayName: "User #1",
	}
}

func TestCreateAndGet(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sample()))
	rec, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, StatusQueued, rec.Status)
	require.Equal(t, "An AWS Solutions Architect", rec.Prompt)
	require.Equal(t, "1.2.3.4_override1", rec.SessionID)
	require.Equal(t, 1, rec.UserNumber)
	require.NotEmpty(t, rec.CreatedAt)
	require.Equal(t, rec.CreatedAt, rec.UpdatedAt)
}

func TestGetMissing(t *testing.T) {
	s := setup(t)
	_, err := s.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLifecycleHappyPath(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sample()))
	require.NoError(t, s.MarkProcessing(ctx, "job-1"))
	rec, _ := s.Get(ctx, "job-1")
	require.Equal(t, StatusProcessing, rec.Status)

	require.NoError(t, s.MarkCompleted(ctx, "job-1", "cards/x.png", "https://bucket/cards/x.png"))
	rec, _ = s.Get(ctx, "job-1")
	require.Equal(t, StatusCompleted, rec.Status)
	require.Equal(t, "cards/x.png", rec.ArtifactKey)
	require.Equal(t, "https://bucket/cards/x.png", rec.ArtifactURL)
}

func TestCompletedIsSticky(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sample()))
	require.NoError(t, s.MarkProcessing(ctx, "job-1"))
	require.NoError(t, s.MarkCompleted(ctx, "job-1", "cards/x.png", "u"))

	// completed twice is idempotent
	require.NoError(t, s.MarkCompleted(ctx, "job-1", "cards/x.png", "u"))
	rec, _ := s.Get(ctx, "job-1")
	require.Equal(t, StatusCompleted, rec.Status)

	// moving backwards is refused
	require.ErrorIs(t, s.MarkProcessing(ctx, "job-1"), ErrInvalidTransition)
	require.ErrorIs(t, s.MarkFailed(ctx, "job-1", "boom"), ErrInvalidTransition)
	rec, _ = s.Get(ctx, "job-1")
	require.Equal(t, StatusCompleted, rec.Status)
}

func TestReprocessingAfterThrottleIsAllowed(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sample()))
	require.NoError(t, s.MarkProcessing(ctx, "job-1"))
	// a redelivered message marks processing again before the retry
	require.NoError(t, s.MarkProcessing(ctx, "job-1"))
	rec, _ := s.Get(ctx, "job-1")
	require.Equal(t, StatusProcessing, rec.Status)
}

func TestMarkFailedRecordsReason(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sample()))
	require.NoError(t, s.MarkProcessing(ctx, "job-1"))
	require.NoError(t, s.MarkFailed(ctx, "job-1", "model rejected prompt"))
	rec, _ := s.Get(ctx, "job-1")
	require.Equal(t, StatusFailed, rec.Status)
	require.Equal(t, "model rejected prompt", rec.Error)
	require.True(t, rec.Status.IsTerminal())
}
