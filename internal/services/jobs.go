package services

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

type JobConfig struct {
	RepairSpec  string
	RepairBatch int
	HealthSpec  string
	Timeout     time.Duration
}

// NewScheduler registers the progress-repair and host-health jobs. The caller
// starts and stops the returned cron.
func NewScheduler(cascade *Cascade, probe *HealthProbe, cfg JobConfig) (*cron.Cron, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.RepairBatch <= 0 {
		cfg.RepairBatch = 100
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))

	if cascade != nil && cfg.RepairSpec != "" {
		_, err := c.AddFunc(cfg.RepairSpec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
			defer cancel()
			repaired, err := cascade.RepairDrift(ctx, cfg.RepairBatch)
			if err != nil {
				log.Printf("[jobs] progress-repair failed: %v", err)
				return
			}
			if repaired > 0 {
				log.Printf("[jobs] progress-repair recomputed %d enrollments", repaired)
			}
		})
		if err != nil {
			return nil, WrapError(err, "schedule progress-repair")
		}
	}

	if probe != nil && cfg.HealthSpec != "" {
		_, err := c.AddFunc(cfg.HealthSpec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
			defer cancel()
			if _, err := probe.Check(ctx); err != nil {
				log.Printf("[jobs] host-health failed: %v", err)
			}
		})
		if err != nil {
			return nil, WrapError(err, "schedule host-health")
		}
	}
	return c, nil
}
