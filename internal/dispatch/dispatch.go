// Copyright 2025 Lumenworks

// Package dispatch consumes the job queue one message at a time per
// invocation. A message leaves the queue only after a terminal decision;
// refusing to acknowledge is the sole backpressure mechanism.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lumenworks/card-forge/internal/capacity"
	"github.com/lumenworks/card-forge/internal/config"
	"github.com/lumenworks/card-forge/internal/jobs"
	"github.com/lumenworks/card-forge/internal/ledger"
	"github.com/lumenworks/card-forge/internal/model"
	"github.com/lumenworks/card-forge/internal/obs"
	"github.com/lumenworks/card-forge/internal/queue"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Dispatcher struct {
	cfg    *config.Config
	q      *queue.Queue
	caps   *capacity.Controller
	jobs   *jobs.Store
	ledger *ledger.Ledger
	img    model.ImageClient
	log    *zap.Logger
}

func New(cfg *config.Config, q *queue.Queue, caps *capacity.Controller, js *jobs.Store, led *ledger.Ledger, img model.ImageClient, log *zap.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, q: q, caps: caps, jobs: js, ledger: led, img: img, log: log}
}

// Run starts the dispatcher instances and the maintenance sweeps and
// blocks until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", d.cfg.Queue.RedeliverEvery), func() {
		if _, err := d.q.RedeliverExpired(ctx); err != nil && ctx.Err() == nil {
			d.log.Warn("redelivery sweep failed", obs.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule redelivery sweep: %w", err)
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", d.cfg.Capacity.SweepEvery), func() {
		if _, err := d.caps.ReapStale(ctx); err != nil && ctx.Err() == nil {
			d.log.Warn("capacity aging sweep failed", obs.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule capacity sweep: %w", err)
	}
	c.Start()
	defer c.Stop()

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Worker.Count; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.runOne(ctx, id)
		}(i)
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) runOne(ctx context.Context, id int) {
	for ctx.Err() == nil {
		delivery, err := d.q.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Warn("receive failed", obs.Err(err), obs.Int("instance", id))
			d.pause(ctx, 100*time.Millisecond)
			continue
		}
		if delivery == nil {
			continue
		}
		if refused := d.processOne(ctx, delivery); refused {
			// at capacity: let the head of the line rest before retrying
			d.pause(ctx, d.cfg.Queue.RefusedPause)
		}
	}
}

func (d *Dispatcher) pause(ctx context.Context, dur time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(dur):
	}
}

// processOne handles exactly one delivery. The return value reports a
// capacity refusal so the caller can back off.
func (d *Dispatcher) processOne(ctx context.Context, delivery *queue.Delivery) bool {
	jobID := delivery.Msg.JobID
	log := d.log.With(obs.String("job_id", jobID))

	rec, err := d.jobs.Get(ctx, jobID)
	if errors.Is(err, jobs.ErrNotFound) {
		// nothing to report back to; drop the message
		log.Warn("job record missing, discarding message")
		obs.JobsDiscarded.Inc()
		d.ack(ctx, delivery, log)
		return false
	}
	if err != nil {
		// lifecycle store outage: leave the job for the next invocation
		log.Warn("job lookup failed, releasing message", obs.Err(err))
		d.release(ctx, delivery, log)
		return false
	}
	if rec.Status.IsTerminal() {
		log.Info("job already terminal, acknowledging redelivery", obs.String("status", string(rec.Status)))
		obs.JobsDiscarded.Inc()
		d.ack(ctx, delivery, log)
		return false
	}

	admitted, err := d.caps.Admit(ctx, jobID)
	if err != nil {
		log.Warn("admission check failed, releasing message", obs.Err(err))
		d.release(ctx, delivery, log)
		return false
	}
	if !admitted {
		// No capacity: the message goes back unacknowledged so no later
		// message can be processed past this one.
		log.Info("no capacity, message stays queued")
		d.release(ctx, delivery, log)
		return true
	}

	obs.JobsDispatched.Inc()
	if err := d.jobs.MarkProcessing(ctx, jobID); err != nil {
		log.Warn("mark processing failed", obs.Err(err))
	}

	png, err := d.img.Generate(ctx, rec.Prompt)
	if err != nil {
		d.handleGenerateError(ctx, delivery, rec, err, log)
		return false
	}

	stored, err := d.ledger.StoreCard(ctx, rec.ClientIP, png, map[string]string{
		"job_id":       jobID,
		"prompt":       rec.Prompt,
		"device_id":    rec.DeviceID,
		"display_name": rec.DisplayName,
	})
	if err != nil {
		// object store outage: give the slot back and let the queue retry
		log.Error("artifact write failed, releasing message", obs.Err(err))
		if cerr := d.caps.Complete(ctx, jobID, capacity.Errored); cerr != nil {
			log.Warn("capacity completion failed", obs.Err(cerr))
		}
		d.release(ctx, delivery, log)
		return false
	}

	if err := d.jobs.MarkCompleted(ctx, jobID, stored.Key, stored.URL); err != nil {
		log.Warn("mark completed failed", obs.Err(err))
	}
	if err := d.caps.Complete(ctx, jobID, capacity.Success); err != nil {
		log.Warn("capacity completion failed", obs.Err(err))
	}
	d.ack(ctx, delivery, log)
	obs.JobsCompleted.Inc()
	log.Info("job completed",
		obs.String("artifact_key", stored.Key),
		obs.String("session", stored.Session))
	return false
}

func (d *Dispatcher) handleGenerateError(ctx context.Context, delivery *queue.Delivery, rec *jobs.Record, genErr error, log *zap.Logger) {
	jobID := rec.JobID
	if model.IsThrottle(genErr) {
		// The capacity estimate was wrong; contract it and let the queue
		// redeliver. The record stays processing.
		log.Warn("model throttled, message stays queued", obs.Err(genErr))
		obs.JobsThrottled.Inc()
		if err := d.caps.Complete(ctx, jobID, capacity.Throttled); err != nil {
			log.Warn("capacity completion failed", obs.Err(err))
		}
		d.release(ctx, delivery, log)
		return
	}

	if err := d.caps.Complete(ctx, jobID, capacity.Errored); err != nil {
		log.Warn("capacity completion failed", obs.Err(err))
	}

	// Transient failures get one natural redelivery cycle before they are
	// terminal.
	if delivery.Attempts < 2 {
		log.Warn("model call failed, retrying via redelivery", obs.Err(genErr))
		d.release(ctx, delivery, log)
		return
	}

	log.Error("model call failed terminally", obs.Err(genErr))
	obs.JobsFailed.Inc()
	if err := d.jobs.MarkFailed(ctx, jobID, genErr.Error()); err != nil {
		log.Warn("mark failed failed", obs.Err(err))
	}
	d.ack(ctx, delivery, log)
}

func (d *Dispatcher) ack(ctx context.Context, delivery *queue.Delivery, log *zap.Logger) {
	if err := d.q.Ack(ctx, delivery); err != nil {
		log.Warn("ack failed", obs.Err(err))
	}
}

func (d *Dispatcher) release(ctx context.Context, delivery *queue.Delivery, log *zap.Logger) {
	if err := d.q.Release(ctx, delivery); err != nil {
		log.Warn("release failed", obs.Err(err))
	}
}
