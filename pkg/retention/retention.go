// Package retention purges captured interactions past the configured
// age on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/Coldaine/coldProxy/pkg/config"
	"github.com/Coldaine/coldProxy/pkg/logger"
	"github.com/Coldaine/coldProxy/pkg/store"
	"github.com/Coldaine/coldProxy/pkg/telemetry"
)

// Runner executes scheduled purge passes over the interaction store.
type Runner struct {
	store   *store.Store
	cfg     config.RetentionConfig
	period  time.Duration
	metrics *telemetry.Metrics
}

// New validates the retention configuration and builds a runner.
func New(st *store.Store, cfg config.RetentionConfig, metrics *telemetry.Metrics) (*Runner, error) {
	if !gronx.IsValid(cfg.Cron) {
		return nil, fmt.Errorf("invalid retention cron expression: %s", cfg.Cron)
	}
	period, err := time.ParseDuration(cfg.Period)
	if err != nil {
		return nil, fmt.Errorf("invalid retention period: %w", err)
	}
	if period <= 0 {
		return nil, fmt.Errorf("retention period must be positive")
	}
	return &Runner{store: st, cfg: cfg, period: period, metrics: metrics}, nil
}

// Start launches the scheduler goroutine. Returns a cancel func. A
// disabled config yields a no-op cancel.
func Start(ctx context.Context, st *store.Store, cfg config.RetentionConfig, metrics *telemetry.Metrics) (context.CancelFunc, error) {
	if !cfg.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}
	r, err := New(st, cfg, metrics)
	if err != nil {
		return nil, err
	}
	ctx2, cancel := context.WithCancel(ctx)
	go r.schedule(ctx2)
	logger.Info("retention_scheduler_started", "cron", cfg.Cron, "period", cfg.Period)
	return cancel, nil
}

// schedule sleeps until the next cron tick and runs a pass.
func (r *Runner) schedule(ctx context.Context) {
	for {
		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(r.cfg.Cron, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", r.cfg.Cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-time.After(time.Until(next)):
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
		if r.cfg.Paused {
			logger.Info("retention_paused_skip")
			continue
		}
		if err := r.RunOnce(ctx); err != nil {
			logger.Error("retention_run_error", "error", err)
		}
	}
}

// RunOnce performs a single purge pass, deleting interactions older
// than the period in batches until none remain or the context stops.
func (r *Runner) RunOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.period)
	var purged int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ids, err := r.store.ListInteractionsBefore(cutoff, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			break
		}
		if r.cfg.DryRun {
			logger.Info("retention_dry_run", "candidates", len(ids), "cutoff", cutoff)
			break
		}
		var deleted int
		for _, id := range ids {
			if err := r.store.DeleteInteraction(id); err != nil {
				logger.Warn("retention_delete_failed", "id", id, "error", err)
				continue
			}
			deleted++
			if r.metrics != nil {
				r.metrics.Purged.Inc()
			}
		}
		purged += deleted
		if deleted == 0 {
			break
		}
	}
	logger.AuditEvent("retention_run", "purged", purged, "cutoff", cutoff, "dry_run", r.cfg.DryRun)
	return nil
}
