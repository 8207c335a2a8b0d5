// Package reaper sweeps the work unit table for rows whose drivers died:
// running units past the execution ceiling, pending units whose queue task
// was lost, and terminal rows past their retention window.
package reaper

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/database"
	"github.com/clipforge/clipforge/internal/events"
	"github.com/clipforge/clipforge/internal/recognition"
	"github.com/clipforge/clipforge/internal/worker"
)

// expiredCorrelationRetention keeps expired correlation rows around briefly
// for operator inspection before they are purged.
const expiredCorrelationRetention = 24 * time.Hour

// Reaper periodically applies staleness ceilings and retention windows. All
// of its writes are optimistic: a unit whose row moved since it was read is
// left alone, so a live worker always wins against the sweep.
type Reaper struct {
	store     *worker.Store
	corr      *recognition.CorrelationStore
	publisher worker.ProgressPublisher
	cfg       config.ReaperConfig
	logger    hclog.Logger
}

// New builds a reaper over the shared stores.
func New(store *worker.Store, corr *recognition.CorrelationStore, publisher worker.ProgressPublisher,
	cfg config.ReaperConfig, logger hclog.Logger) *Reaper {
	return &Reaper{
		store:     store,
		corr:      corr,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.Named("reaper"),
	}
}

// Run sweeps on the configured interval until the context is canceled.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started",
		"interval", r.cfg.Interval,
		"running_ceiling", r.cfg.RunningCeiling,
		"pending_ceiling", r.cfg.PendingCeiling)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one full pass: staleness ceilings first, then retention.
func (r *Reaper) Sweep(ctx context.Context) {
	now := time.Now()

	r.failStale(ctx, database.StatusRunning, now.Add(-r.cfg.RunningCeiling),
		"reaped: exceeded running ceiling")
	r.failStale(ctx, database.StatusPending, now.Add(-r.cfg.PendingCeiling),
		"reaped: never picked up within pending ceiling")
	r.failStale(ctx, database.StatusRetry, now.Add(-r.cfg.PendingCeiling),
		"reaped: retry never redelivered within pending ceiling")

	r.purgeTerminal(ctx, database.StatusFailure, now.Add(-r.cfg.FailureRetention))
	r.purgeTerminal(ctx, database.StatusSuccess, now.Add(-r.cfg.SuccessRetention))

	if n, err := r.corr.PurgeExpiredBefore(ctx, now.Add(-expiredCorrelationRetention)); err != nil {
		r.logger.Error("failed to purge expired correlations", "error", err)
	} else if n > 0 {
		r.logger.Info("purged expired correlations", "count", n)
	}
}

func (r *Reaper) failStale(ctx context.Context, status database.WorkUnitStatus, cutoff time.Time, message string) {
	units, err := r.store.FindStale(ctx, status, cutoff)
	if err != nil {
		r.logger.Error("failed to scan stale work units", "status", status, "error", err)
		return
	}

	for i := range units {
		unit := units[i]
		won, err := r.store.FailIfUnchanged(ctx, &unit, message)
		if err != nil {
			r.logger.Error("failed to reap work unit", "work_unit_id", unit.ID, "error", err)
			continue
		}
		if !won {
			// The row moved since the scan; its driver is alive after all.
			continue
		}

		r.logger.Warn("reaped stale work unit",
			"work_unit_id", unit.ID, "target_id", unit.TargetID,
			"status", status, "stage", unit.Stage, "updated_at", unit.UpdatedAt)
		r.publishFailure(ctx, &unit, message)
	}
}

func (r *Reaper) publishFailure(ctx context.Context, unit *database.WorkUnit, message string) {
	ev := events.ProgressEvent{
		TargetID:   unit.TargetID,
		WorkUnitID: unit.ID,
		OwnerID:    unit.OwnerID,
		Kind:       unit.Kind,
		Stage:      unit.Stage,
		Progress:   unit.Progress,
		Message:    message,
		Status:     string(database.StatusFailure),
		Attempt:    unit.Attempts,
		Timestamp:  time.Now(),
	}
	if err := r.publisher.Publish(ctx, ev); err != nil {
		r.logger.Warn("failed to publish reap event", "work_unit_id", unit.ID, "error", err)
	}
	r.publisher.Forget(unit.TargetID)
}

func (r *Reaper) purgeTerminal(ctx context.Context, status database.WorkUnitStatus, cutoff time.Time) {
	n, err := r.store.PurgeTerminalBefore(ctx, status, cutoff)
	if err != nil {
		r.logger.Error("failed to purge terminal work units", "status", status, "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("purged terminal work units", "status", status, "count", n)
	}
}
