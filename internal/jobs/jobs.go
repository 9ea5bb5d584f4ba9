// Copyright 2025 Lumenworks
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lumenworks/card-forge/internal/obs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Status is a job's lifecycle position. Transitions run
// queued -> processing -> {completed, failed}; terminal states are sticky.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

var statusRank = map[Status]int{
	StatusQueued:     0,
	StatusProcessing: 1,
	StatusCompleted:  2,
	StatusFailed:     2,
}

// IsTerminal reports whether a status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record is the durable per-job row.
type Record struct {
	JobID       string `json:"job_id"`
	Status      Status `json:"status"`
	Prompt      string `json:"prompt"`
	SessionID   string `json:"session_id"`
	ClientIP    string `json:"client_ip"`
	DeviceID    string `json:"device_id"`
	UserNumber  int    `json:"user_number"`
	DisplayName string `json:"display_name"`
	ArtifactKey string `json:"artifact_key,omitempty"`
	ArtifactURL string `json:"artifact_url,omitempty"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Store keeps one Redis hash per job.
type Store struct {
	rdb *redis.Client
	log *zap.Logger
}

const keyPrefix = "cardforge:job:"

func NewStore(rdb *redis.Client, log *zap.Logger) *Store {
	return &Store{rdb: rdb, log: log}
}

func key(jobID string) string {
	return keyPrefix + jobID
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Create writes a fresh queued record.
func (s *Store) Create(ctx context.Context, rec Record) error {
	if rec.JobID == "" {
		return fmt.Errorf("create job: empty job id")
	}
	ts := now()
	rec.Status = StatusQueued
	rec.CreatedAt = ts
	rec.UpdatedAt = ts
	if err := s.rdb.HSet(ctx, key(rec.JobID), fields(rec)).Err(); err != nil {
		return fmt.Errorf("create job %s: %w", rec.JobID, err)
	}
	return nil
}

func fields(rec Record) map[string]interface{} {
	return map[string]interface{}{
		"status":       string(rec.Status),
		"prompt":       rec.Prompt,
		"session_id":   rec.SessionID,
		"client_ip":    rec.ClientIP,
		"device_id":    rec.DeviceID,
		"user_number":  rec.UserNumber,
		"display_name": rec.DisplayName,
		"artifact_key": rec.ArtifactKey,
		"artifact_url": rec.ArtifactURL,
		"error":        rec.Error,
		"created_at":   rec.CreatedAt,
		"updated_at":   rec.UpdatedAt,
	}
}

// Get loads a record, or ErrNotFound.
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	vals, err := s.rdb.HGetAll(ctx, key(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	userNumber, _ := strconv.Atoi(vals["user_number"])
	return &Record{
		JobID:       jobID,
		Status:      Status(vals["status"]),
		Prompt:      vals["prompt"],
		SessionID:   vals["session_id"],
		ClientIP:    vals["client_ip"],
		DeviceID:    vals["device_id"],
		UserNumber:  userNumber,
		DisplayName: vals["display_name"],
		ArtifactKey: vals["artifact_key"],
		ArtifactURL: vals["artifact_url"],
		Error:       vals["error"],
		CreatedAt:   vals["created_at"],
		UpdatedAt:   vals["updated_at"],
	}, nil
}

// transition enforces the status order. Re-writing the current status is
// idempotent; moving backwards (queued over completed) is refused.
func (s *Store) transition(ctx context.Context, jobID string, to Status, extra map[string]interface{}) error {
	rec, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	from := rec.Status
	if from != to && statusRank[to] <= statusRank[from] {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	update := map[string]interface{}{
		"status":     string(to),
		"updated_at": now(),
	}
	for k, v := range extra {
		update[k] = v
	}
	if err := s.rdb.HSet(ctx, key(jobID), update).Err(); err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	s.log.Info("job status updated",
		obs.String("job_id", jobID),
		obs.String("from", string(from)),
		obs.String("to", string(to)))
	return nil
}

// MarkProcessing moves a queued job to processing. Re-marking a job that is
// already processing (a redelivered throttle) is allowed.
func (s *Store) MarkProcessing(ctx context.Context, jobID string) error {
	return s.transition(ctx, jobID, StatusProcessing, map[string]interface{}{
		"started_at": now(),
	})
}

// MarkCompleted records the result pointer and finishes the job.
func (s *Store) MarkCompleted(ctx context.Context, jobID, artifactKey, artifactURL string) error {
	return s.transition(ctx, jobID, StatusCompleted, map[string]interface{}{
		"artifact_key": artifactKey,
		"artifact_url": artifactURL,
		"completed_at": now(),
	})
}

// MarkFailed finishes the job with a timestamped reason.
func (s *Store) MarkFailed(ctx context.Context, jobID, reason string) error {
	return s.transition(ctx, jobID, StatusFailed, map[string]interface{}{
		"error":     reason,
		"failed_at": now(),
	})
}
