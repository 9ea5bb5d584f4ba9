// Copyright 2025 Lumenworks
package obs

import (
	"context"
	"time"

	"github.com/lumenworks/card-forge/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StartQueueDepthUpdater samples the queue and pending list lengths on an
// interval and exports them as gauges.
func StartQueueDepthUpdater(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger) {
	interval := cfg.Observability.QueueSampleInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := rdb.LLen(ctx, cfg.Queue.Key).Result(); err == nil {
					QueueDepth.WithLabelValues("queue").Set(float64(n))
				} else if ctx.Err() == nil {
					log.Warn("queue depth sample failed", Err(err))
				}
				if n, err := rdb.LLen(ctx, cfg.Queue.PendingKey).Result(); err == nil {
					QueueDepth.WithLabelValues("pending").Set(float64(n))
				}
			}
		}
	}()
}
