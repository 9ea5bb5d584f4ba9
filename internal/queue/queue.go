// Copyright 2025 Lumenworks
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/lumenworks/card-forge/internal/config"
	"github.com/lumenworks/card-forge/internal/obs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Queue is a durable FIFO job queue on Redis lists with visibility
// semantics: a received message moves to a pending list and carries a
// deadline key with the visibility-window TTL. Acknowledged messages are
// removed; released or abandoned messages return to the front of the line.
//
// LPUSH enqueues at the head, BRPOPLPUSH receives from the tail, so the
// oldest message is always the next received. Returning a message with
// RPUSH places it at the tail, i.e. first in line again.
type Queue struct {
	cfg *config.Config
	rdb *redis.Client
	log *zap.Logger
}

// Delivery is one received message. Attempts counts deliveries of this
// payload including the current one.
type Delivery struct {
	Payload  string
	Msg      Message
	Attempts int64
}

func New(cfg *config.Config, rdb *redis.Client, log *zap.Logger) *Queue {
	return &Queue{cfg: cfg, rdb: rdb, log: log}
}

func (q *Queue) deadlineKey(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return fmt.Sprintf("%s:deadline:%s", q.cfg.Queue.PendingKey, hex.EncodeToString(sum[:8]))
}

func (q *Queue) attemptsKey(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return fmt.Sprintf("%s:attempts:%s", q.cfg.Queue.PendingKey, hex.EncodeToString(sum[:8]))
}

// Enqueue appends a message to the queue.
func (q *Queue) Enqueue(ctx context.Context, m Message) error {
	payload, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.cfg.Queue.Key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	obs.JobsEnqueued.Inc()
	return nil
}

// Receive blocks up to the configured receive timeout for the oldest
// message. Returns (nil, nil) when no message arrived in time.
func (q *Queue) Receive(ctx context.Context) (*Delivery, error) {
	payload, err := q.rdb.BRPopLPush(ctx, q.cfg.Queue.Key, q.cfg.Queue.PendingKey, q.cfg.Queue.ReceiveTimeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}

	msg, err := UnmarshalMessage(payload)
	if err != nil {
		// Poison payload: drop it from pending so it cannot wedge the queue.
		q.log.Error("invalid queue payload, discarding", obs.Err(err))
		_ = q.rdb.LRem(ctx, q.cfg.Queue.PendingKey, 1, payload).Err()
		return nil, nil
	}

	attempts, err := q.rdb.Incr(ctx, q.attemptsKey(payload)).Result()
	if err != nil {
		attempts = 1
	}
	if err := q.rdb.Set(ctx, q.deadlineKey(payload), msg.JobID, q.cfg.Queue.VisibilityWindow).Err(); err != nil {
		q.log.Warn("set visibility deadline failed", obs.Err(err), obs.String("job_id", msg.JobID))
	}

	return &Delivery{Payload: payload, Msg: msg, Attempts: attempts}, nil
}

// Ack removes a delivered message for good.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.rdb.LRem(ctx, q.cfg.Queue.PendingKey, 1, d.Payload).Err(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	_ = q.rdb.Del(ctx, q.deadlineKey(d.Payload), q.attemptsKey(d.Payload)).Err()
	return nil
}

// Release puts a delivered message back at the front of the queue without
// acknowledging it. The delivery attempt count survives so callers can
// bound retries. Used when admission is refused or the provider throttles.
func (q *Queue) Release(ctx context.Context, d *Delivery) error {
	if err := q.rdb.LRem(ctx, q.cfg.Queue.PendingKey, 1, d.Payload).Err(); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	_ = q.rdb.Del(ctx, q.deadlineKey(d.Payload)).Err()
	if err := q.rdb.RPush(ctx, q.cfg.Queue.Key, d.Payload).Err(); err != nil {
		return fmt.Errorf("release requeue: %w", err)
	}
	return nil
}

// RedeliverExpired returns pending messages whose visibility deadline has
// lapsed (a dispatcher died mid-flight) to the front of the queue.
func (q *Queue) RedeliverExpired(ctx context.Context) (int, error) {
	payloads, err := q.rdb.LRange(ctx, q.cfg.Queue.PendingKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("scan pending: %w", err)
	}
	redelivered := 0
	for _, payload := range payloads {
		exists, err := q.rdb.Exists(ctx, q.deadlineKey(payload)).Result()
		if err != nil || exists == 1 {
			continue
		}
		removed, err := q.rdb.LRem(ctx, q.cfg.Queue.PendingKey, 1, payload).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.rdb.RPush(ctx, q.cfg.Queue.Key, payload).Err(); err != nil {
			q.log.Error("redeliver requeue failed", obs.Err(err))
			continue
		}
		redelivered++
		obs.MessagesRedelivered.Inc()
		if msg, err := UnmarshalMessage(payload); err == nil {
			q.log.Warn("redelivered abandoned message", obs.String("job_id", msg.JobID))
		}
	}
	return redelivered, nil
}

// Depth returns the visible queue length.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.cfg.Queue.Key).Result()
}
