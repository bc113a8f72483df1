// Package batch is the two cooperating loops of the batch publish path:
// a collector that assembles deterministically ordered batches, and a
// broadcaster that drains them job-by-job under the token bucket.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codenlighten/sldrm-anchor/internal/jobstore"
)

var ErrInvalidConfig = errors.New("batch: invalid config")

// CollectorConfig carries the collector loop's knobs.
type CollectorConfig struct {
	Window       time.Duration // default 5s
	MaxBatchSize int           // default 500
}

// Collector runs the windowed ClaimQueued loop.
type Collector struct {
	jobs jobstore.Store
	cfg  CollectorConfig
	log  *slog.Logger
}

func NewCollector(jobs jobstore.Store, cfg CollectorConfig, log *slog.Logger) (*Collector, error) {
	if jobs == nil {
		return nil, fmt.Errorf("%w: nil job store", ErrInvalidConfig)
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 500
	}
	if log == nil {
		log = slog.Default()
	}
	return &Collector{jobs: jobs, cfg: cfg, log: log}, nil
}

// Run calls ClaimQueued every Window until ctx is canceled.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			claimed, err := c.jobs.ClaimQueued(ctx, c.cfg.MaxBatchSize)
			if err != nil {
				c.log.Error("claim queued failed", "error", err)
				continue
			}
			if len(claimed) > 0 {
				c.log.Info("assembled batch", "batch_id", claimed[0].BatchID, "count", len(claimed))
			}
		}
	}
}
