package worker

import (
	"context"
	"encoding/json"

	"github.com/hashicorp/go-hclog"

	"github.com/clipforge/clipforge/internal/database"
	"github.com/clipforge/clipforge/internal/errors"
	"github.com/clipforge/clipforge/internal/stages"
)

// Service is the submission and inspection surface consumed by the HTTP API.
type Service struct {
	store      *Store
	dispatcher Dispatcher
	logger     hclog.Logger
}

// NewService wires the work unit store to the queue dispatcher.
func NewService(store *Store, dispatcher Dispatcher, logger hclog.Logger) *Service {
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger.Named("work-service"),
	}
}

// Enqueue registers a process work unit for a target. Repeated enqueues for
// the same target return the existing live unit; only a genuinely new unit
// produces a queue task. The second return reports whether a unit was created.
func (s *Service) Enqueue(ctx context.Context, ownerID, targetID, kind string, params ProcessParams) (*database.WorkUnit, bool, error) {
	if targetID == "" {
		return nil, false, errors.NewValidationError("target_id is required", "target_id")
	}
	if kind == "" {
		kind = stages.KindProcess
	}
	if _, err := stages.ForKind(kind); err != nil {
		return nil, false, errors.NewValidationError(err.Error(), "kind")
	}
	if params.SourceURL == "" {
		return nil, false, errors.NewValidationError("source_url is required", "source_url")
	}

	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, false, errors.NewInternalError("failed to encode params", err)
	}

	unit, created, err := s.store.Enqueue(ctx, ownerID, targetID, kind, string(encoded))
	if err != nil {
		return nil, false, err
	}
	if !created {
		s.logger.Debug("duplicate enqueue resolved to live work unit",
			"target_id", targetID, "work_unit_id", unit.ID)
		return unit, false, nil
	}

	if err := s.dispatcher.DispatchProcess(ctx, unit.ID); err != nil {
		// The unit row exists; the reaper collects it if the dispatch is
		// never repaired. Surface the failure to the caller.
		return nil, false, errors.NewInternalError("failed to enqueue work", err)
	}

	s.logger.Info("work unit enqueued",
		"work_unit_id", unit.ID, "target_id", targetID, "owner_id", ownerID, "kind", kind)
	return unit, true, nil
}

// Get returns one work unit by id.
func (s *Service) Get(ctx context.Context, id string) (*database.WorkUnit, error) {
	return s.store.Get(ctx, id)
}

// ListByTarget returns the history of a target, newest first.
func (s *Service) ListByTarget(ctx context.Context, targetID string) ([]database.WorkUnit, error) {
	return s.store.ListByTarget(ctx, targetID)
}

// Cancel requests cooperative cancellation of a live unit.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if err := s.store.RequestCancel(ctx, id); err != nil {
		return err
	}
	s.logger.Info("cancellation requested", "work_unit_id", id)
	return nil
}

// CountsByStatus aggregates queue depth for the status endpoint.
func (s *Service) CountsByStatus(ctx context.Context) (map[database.WorkUnitStatus]int64, error) {
	return s.store.CountsByStatus(ctx)
}
