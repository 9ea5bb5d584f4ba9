// Copyright 2025 Lumenworks
package capacity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lumenworks/card-forge/internal/config"
	"github.com/lumenworks/card-forge/internal/obs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Outcome classifies how a dispatched model call ended.
type Outcome int

const (
	Success Outcome = iota
	Throttled
	Errored
)

// State is the durable capacity record. The provider's true concurrency
// limit is unknown; AvailableSlots is the learned estimate.
type State struct {
	AvailableSlots  int                  `json:"available_slots"`
	InFlight        map[string]time.Time `json:"in_flight"`
	TotalSuccesses  int64                `json:"total_successes"`
	TotalThrottles  int64                `json:"total_throttles"`
	LastSuccessTime time.Time            `json:"last_success_time"`
	LastThrottleTime time.Time           `json:"last_throttle_time"`
}

// Controller owns the shared capacity state. Every mutation runs as a
// WATCH/MULTI compare-and-set loop against the Redis hash, so concurrent
// dispatchers serialize on the state without a separate lock service.
type Controller struct {
	cfg *config.Config
	rdb *redis.Client
	log *zap.Logger
}

const casAttempts = 16

func New(cfg *config.Config, rdb *redis.Client, log *zap.Logger) *Controller {
	return &Controller{cfg: cfg, rdb: rdb, log: log}
}

func (c *Controller) initialState() State {
	return State{
		AvailableSlots: c.cfg.Capacity.InitialSlots,
		InFlight:       map[string]time.Time{},
	}
}

func loadState(ctx context.Context, rdb redis.Cmdable, key string, init State) (State, error) {
	vals, err := rdb.HMGet(ctx, key, "available_slots", "in_flight", "total_successes", "total_throttles", "last_success_time", "last_throttle_time").Result()
	if err != nil {
		return State{}, err
	}
	st := init
	if s, ok := vals[0].(string); ok {
		if n, err := strconv.Atoi(s); err == nil {
			st.AvailableSlots = n
		}
	}
	if s, ok := vals[1].(string); ok && s != "" {
		m := map[string]time.Time{}
		if err := json.Unmarshal([]byte(s), &m); err == nil {
			st.InFlight = m
		}
	}
	if s, ok := vals[2].(string); ok {
		st.TotalSuccesses, _ = strconv.ParseInt(s, 10, 64)
	}
	if s, ok := vals[3].(string); ok {
		st.TotalThrottles, _ = strconv.ParseInt(s, 10, 64)
	}
	if s, ok := vals[4].(string); ok && s != "" {
		st.LastSuccessTime, _ = time.Parse(time.RFC3339Nano, s)
	}
	if s, ok := vals[5].(string); ok && s != "" {
		st.LastThrottleTime, _ = time.Parse(time.RFC3339Nano, s)
	}
	if st.AvailableSlots < 1 {
		st.AvailableSlots = 1
	}
	if st.InFlight == nil {
		st.InFlight = map[string]time.Time{}
	}
	return st, nil
}

func stateFields(st State) map[string]interface{} {
	inflight, _ := json.Marshal(st.InFlight)
	fields := map[string]interface{}{
		"available_slots": st.AvailableSlots,
		"in_flight":       string(inflight),
		"total_successes": st.TotalSuccesses,
		"total_throttles": st.TotalThrottles,
	}
	if !st.LastSuccessTime.IsZero() {
		fields["last_success_time"] = st.LastSuccessTime.UTC().Format(time.RFC3339Nano)
	}
	if !st.LastThrottleTime.IsZero() {
		fields["last_throttle_time"] = st.LastThrottleTime.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

// update runs fn against the current state under a CAS loop. fn returns the
// new state and whether it should be persisted.
func (c *Controller) update(ctx context.Context, fn func(State) (State, bool)) (State, error) {
	key := c.cfg.Capacity.StateKey
	var out State
	for i := 0; i < casAttempts; i++ {
		err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
			st, err := loadState(ctx, tx, key, c.initialState())
			if err != nil {
				return err
			}
			next, persist := fn(st)
			out = next
			if !persist {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, stateFields(next))
				return nil
			})
			return err
		}, key)
		if err == nil {
			c.exportGauges(out)
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return State{}, fmt.Errorf("capacity update: %w", err)
	}
	return State{}, fmt.Errorf("capacity update: contention persisted after %d attempts", casAttempts)
}

func (c *Controller) exportGauges(st State) {
	obs.CapacitySlots.Set(float64(st.AvailableSlots))
	obs.CapacityInFlight.Set(float64(len(st.InFlight)))
}

// Admit decides whether one more concurrent model call is permitted. On
// admission the job id joins the in-flight set and the state persists
// atomically; a refusal leaves the state untouched.
func (c *Controller) Admit(ctx context.Context, jobID string) (bool, error) {
	admitted := false
	_, err := c.update(ctx, func(st State) (State, bool) {
		if len(st.InFlight) >= st.AvailableSlots {
			admitted = false
			return st, false
		}
		st.InFlight[jobID] = time.Now().UTC()
		admitted = true
		return st, true
	})
	if err != nil {
		return false, err
	}
	if !admitted {
		obs.AdmissionRefused.Inc()
	}
	return admitted, nil
}

// Complete reports the outcome of an admitted call and applies the
// learning rules: every K-th success raises the ceiling by one (capped),
// a throttle contracts it to whatever concurrency is still in flight, an
// error changes nothing.
func (c *Controller) Complete(ctx context.Context, jobID string, outcome Outcome) error {
	step := c.cfg.Capacity.SuccessStep
	ceiling := c.cfg.Capacity.MaxSlots
	st, err := c.update(ctx, func(st State) (State, bool) {
		delete(st.InFlight, jobID)
		switch outcome {
		case Success:
			st.TotalSuccesses++
			st.LastSuccessTime = time.Now().UTC()
			if st.TotalSuccesses%int64(step) == 0 && st.AvailableSlots < ceiling {
				st.AvailableSlots++
			}
		case Throttled:
			st.TotalThrottles++
			st.LastThrottleTime = time.Now().UTC()
			st.AvailableSlots = len(st.InFlight)
			if st.AvailableSlots < 1 {
				st.AvailableSlots = 1
			}
		case Errored:
			// no ceiling adjustment
		}
		return st, true
	})
	if err != nil {
		return err
	}
	switch outcome {
	case Success:
		c.log.Info("capacity: success recorded",
			obs.String("job_id", jobID),
			obs.Int("available_slots", st.AvailableSlots),
			obs.Int("in_flight", len(st.InFlight)))
	case Throttled:
		c.log.Warn("capacity: throttle recorded, ceiling contracted",
			obs.String("job_id", jobID),
			obs.Int("available_slots", st.AvailableSlots),
			obs.Int("in_flight", len(st.InFlight)))
	case Errored:
		c.log.Warn("capacity: error recorded",
			obs.String("job_id", jobID),
			obs.Int("in_flight", len(st.InFlight)))
	}
	return nil
}

// ReapStale ages out in-flight entries older than the configured
// threshold. A dispatcher that died past its wall-clock budget never
// reports completion; its slot returns to the pool here.
func (c *Controller) ReapStale(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-c.cfg.Capacity.StaleAge)
	reaped := 0
	_, err := c.update(ctx, func(st State) (State, bool) {
		reaped = 0
		for id, started := range st.InFlight {
			if started.Before(cutoff) {
				delete(st.InFlight, id)
				reaped++
			}
		}
		return st, reaped > 0
	})
	if err != nil {
		return 0, err
	}
	if reaped > 0 {
		obs.StaleInFlightReaped.Add(float64(reaped))
		c.log.Warn("capacity: reaped stale in-flight entries", obs.Int("reaped", reaped))
	}
	return reaped, nil
}

// Stats returns a read-only snapshot of the capacity state.
func (c *Controller) Stats(ctx context.Context) (State, error) {
	st, err := loadState(ctx, c.rdb, c.cfg.Capacity.StateKey, c.initialState())
	if err != nil {
		return State{}, fmt.Errorf("capacity stats: %w", err)
	}
	return st, nil
}

// SuccessRate is successes over all terminal outcomes the controller has
// learned from, 1.0 when nothing has completed yet.
func (s State) SuccessRate() float64 {
	total := s.TotalSuccesses + s.TotalThrottles
	if total == 0 {
		return 1.0
	}
	return float64(s.TotalSuccesses) / float64(total)
}
