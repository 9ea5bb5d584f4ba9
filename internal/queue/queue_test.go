// Copyright 2025 Lumenworks
package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lumenworks/card-forge/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setup(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Storage.Backend = "memory"
	cfg.Redis.Addr = mr.Addr()
	cfg.Queue.ReceiveTimeout = 50 * time.Millisecond
	cfg.Queue.VisibilityWindow = time.Second
	log := zap.NewNop()
	return New(cfg, rdb, log), mr
}

func msg(id string) Message {
	return Message{JobID: id, Prompt: "a prompt long enough", UserNumber: 1, DisplayName: "User #1", DeviceID: "d1", SessionID: "1.2.3.4_override1"}
}

func TestFIFOOrder(t *testing.T) {
	q, _ := setup(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, msg(id)))
	}
	for _, want := range []string{"a", "b", "c"} {
		d, err := q.Receive(ctx)
		require.NoError(t, err)
		require.NotNil(t, d)
		require.Equal(t, want, d.Msg.JobID)
		require.NoError(t, q.Ack(ctx, d))
	}
	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Nil(t, d)
}

func TestReleaseKeepsHeadOfLine(t *testing.T) {
	q, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, msg("first")))
	require.NoError(t, q.Enqueue(ctx, msg("second")))

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "first", d.Msg.JobID)
	require.EqualValues(t, 1, d.Attempts)

	// No capacity: release without acknowledging. The same message must be
	// the next one received, ahead of "second".
	require.NoError(t, q.Release(ctx, d))

	d2, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "first", d2.Msg.JobID)
	require.EqualValues(t, 2, d2.Attempts)
	require.NoError(t, q.Ack(ctx, d2))

	d3, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "second", d3.Msg.JobID)
}

func TestAckRemovesForGood(t *testing.T) {
	q, mr := setup(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, msg("only")))
	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, d))

	n, err := q.RedeliverExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	mr.FastForward(2 * time.Second)
	n, err = q.RedeliverExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRedeliverExpired(t *testing.T) {
	q, mr := setup(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, msg("crashy")))
	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)

	// Dispatcher dies: neither ack nor release. Before the visibility
	// window lapses the message stays hidden.
	n, err := q.RedeliverExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	mr.FastForward(2 * time.Second)
	n, err = q.RedeliverExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	d2, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, d2)
	require.Equal(t, "crashy", d2.Msg.JobID)
	require.EqualValues(t, 2, d2.Attempts)
}

func TestPoisonPayloadDiscarded(t *testing.T) {
	q, mr := setup(t)
	ctx := context.Background()

	require.NoError(t, q.rdb.LPush(ctx, q.cfg.Queue.Key, "{not json").Err())
	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Nil(t, d)

	require.False(t, mr.Exists(q.cfg.Queue.PendingKey))
}
