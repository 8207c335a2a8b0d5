package worker

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/clipforge/clipforge/internal/errors"
	"github.com/clipforge/clipforge/internal/recognition"
)

// Poller wakes work units parked on the recognition stage. It consumes
// delivered callback results exactly once (the correlation store arbitrates
// racing pollers) and fails units whose correlation expired unanswered.
type Poller struct {
	store    *Store
	corr     *recognition.CorrelationStore
	executor *Executor
	interval time.Duration
	logger   hclog.Logger
}

// NewPoller builds a poller sweeping at the given interval.
func NewPoller(store *Store, corr *recognition.CorrelationStore, executor *Executor,
	interval time.Duration, logger hclog.Logger) *Poller {
	return &Poller{
		store:    store,
		corr:     corr,
		executor: executor,
		interval: interval,
		logger:   logger.Named("poller"),
	}
}

// Run sweeps until the context is canceled.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("recognition poller started", "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("recognition poller stopped")
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep runs one poll cycle: resume delivered units, then expire overdue
// correlations.
func (p *Poller) Sweep(ctx context.Context) {
	p.resumeDelivered(ctx)
	p.expireOverdue(ctx)
}

func (p *Poller) resumeDelivered(ctx context.Context) {
	parked, err := p.store.ListParked(ctx)
	if err != nil {
		p.logger.Error("failed to list parked work units", "error", err)
		return
	}

	for _, unit := range parked {
		corr, err := p.corr.Latest(ctx, unit.ID)
		if err != nil {
			// No correlation at all means the submit never completed; the
			// stale-task reaper will eventually collect the unit.
			continue
		}

		payload, won, err := p.corr.Consume(ctx, corr.ID)
		if err != nil {
			p.logger.Error("failed to consume callback result",
				"work_unit_id", unit.ID, "correlation_id", corr.ID, "error", err)
			continue
		}
		if !won {
			continue
		}

		p.logger.Info("resuming work unit after recognition callback",
			"work_unit_id", unit.ID, "correlation_id", corr.ID, "callback_status", payload.Status)
		if err := p.executor.Resume(ctx, unit.ID, *payload); err != nil {
			p.logger.Error("resume failed", "work_unit_id", unit.ID, "error", err)
		}
	}
}

func (p *Poller) expireOverdue(ctx context.Context) {
	expired, err := p.corr.ExpireOverdue(ctx, time.Now())
	if err != nil {
		p.logger.Error("failed to expire overdue correlations", "error", err)
		return
	}

	for _, corr := range expired {
		unit, err := p.store.Get(ctx, corr.WorkUnitID)
		if err != nil {
			p.logger.Warn("expired correlation has no work unit",
				"correlation_id", corr.ID, "work_unit_id", corr.WorkUnitID, "error", err)
			continue
		}
		if unit.Terminal() {
			continue
		}

		timeoutErr := errors.NewCallbackTimeout("recognition callback never arrived")
		if err := p.executor.finalizeFailure(ctx, unit, timeoutErr.Error()); err != nil {
			p.logger.Error("failed to finalize callback timeout",
				"work_unit_id", unit.ID, "error", err)
		}
	}
}
