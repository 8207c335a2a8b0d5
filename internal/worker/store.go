// Package worker implements the durable work unit state machine, the queue
// consumer that drives the stage pipeline, and the poller that wakes units
// parked on recognition callbacks.
package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/clipforge/clipforge/internal/database"
	"github.com/clipforge/clipforge/internal/errors"
	"github.com/clipforge/clipforge/internal/stages"
)

// Store owns all WorkUnit persistence. Every state transition is a
// conditional update checked by affected row count, so concurrent consumers
// and pollers race safely without table locks.
type Store struct {
	db *gorm.DB
}

// NewStore wraps the shared database handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func livePtr() *bool {
	b := true
	return &b
}

// Enqueue finds or creates the live work unit for (targetID, kind). The
// second return reports whether a new unit was created; repeated enqueues
// for the same target return the existing live unit unchanged.
func (s *Store) Enqueue(ctx context.Context, ownerID, targetID, kind, params string) (*database.WorkUnit, bool, error) {
	if existing, err := s.findLive(ctx, targetID, kind); err == nil {
		return existing, false, nil
	} else if !stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	unit := &database.WorkUnit{
		ID:       uuid.NewString(),
		OwnerID:  ownerID,
		TargetID: targetID,
		Kind:     kind,
		IsLive:   livePtr(),
		Status:   database.StatusPending,
		Params:   params,
	}
	if err := s.db.WithContext(ctx).Create(unit).Error; err != nil {
		// A racing enqueue hit the unique live index first; the winner's row
		// is the answer.
		if existing, lookupErr := s.findLive(ctx, targetID, kind); lookupErr == nil {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("create work unit: %w", err)
	}
	return unit, true, nil
}

// findLive returns the live unit for a target, tolerating duplicate rows from
// historical races by picking the newest.
func (s *Store) findLive(ctx context.Context, targetID, kind string) (*database.WorkUnit, error) {
	var unit database.WorkUnit
	err := s.db.WithContext(ctx).
		Where("target_id = ? AND kind = ? AND is_live = ?", targetID, kind, true).
		Order("created_at DESC").
		First(&unit).Error
	if err != nil {
		return nil, err
	}
	return &unit, nil
}

// Get loads a work unit by id.
func (s *Store) Get(ctx context.Context, id string) (*database.WorkUnit, error) {
	var unit database.WorkUnit
	err := s.db.WithContext(ctx).First(&unit, "id = ?", id).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NewNotFoundError("work unit", id)
	}
	if err != nil {
		return nil, err
	}
	return &unit, nil
}

// ListByTarget returns all units for a target, newest first.
func (s *Store) ListByTarget(ctx context.Context, targetID string) ([]database.WorkUnit, error) {
	var units []database.WorkUnit
	err := s.db.WithContext(ctx).
		Where("target_id = ?", targetID).
		Order("created_at DESC").
		Find(&units).Error
	return units, err
}

// Claim atomically takes a pending or retry unit for execution: status moves
// to running, the attempt counter increments and stage progress resets. A
// lost race returns a conflict error.
func (s *Store) Claim(ctx context.Context, id string) (*database.WorkUnit, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&database.WorkUnit{}).
		Where("id = ? AND status IN ?", id, []database.WorkUnitStatus{database.StatusPending, database.StatusRetry}).
		Updates(map[string]interface{}{
			"status":     database.StatusRunning,
			"attempts":   gorm.Expr("attempts + 1"),
			"stage":      "",
			"progress":   0,
			"message":    "",
			"started_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errors.NewConflict(fmt.Sprintf("work unit %s is not claimable", id))
	}
	return s.Get(ctx, id)
}

// AdvanceStage records stage progress for a running unit. The stage may only
// move forward and the global progress is monotonic: a lower value than the
// stored one is silently lifted to the stored one.
func (s *Store) AdvanceStage(ctx context.Context, id, stageName string, localProgress float64, message string) (*database.WorkUnit, error) {
	st, ok := stages.ByName(stageName)
	if !ok {
		return nil, errors.NewPermanent(fmt.Sprintf("unknown stage: %s", stageName), nil)
	}

	unit, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if unit.Status != database.StatusRunning {
		return nil, errors.NewConflict(fmt.Sprintf("work unit %s is %s, not running", id, unit.Status))
	}
	if err := stages.ValidateAdvance(unit.Stage, st); err != nil {
		return nil, errors.NewPermanent(err.Error(), nil)
	}

	global := st.GlobalProgress(localProgress)
	if global < unit.Progress {
		global = unit.Progress
	}

	res := s.db.WithContext(ctx).Model(&database.WorkUnit{}).
		Where("id = ? AND status = ?", id, database.StatusRunning).
		Updates(map[string]interface{}{
			"stage":    st.Name,
			"progress": global,
			"message":  message,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errors.NewConflict(fmt.Sprintf("work unit %s left running state", id))
	}

	unit.Stage = st.Name
	unit.Progress = global
	unit.Message = message
	return unit, nil
}

// SetArtifacts stores pipeline artifact references for a running unit. The
// allowed columns are the artifact fields only.
func (s *Store) SetArtifacts(ctx context.Context, id string, artifacts map[string]interface{}) error {
	allowed := map[string]bool{
		"source_ref":     true,
		"merged_ref":     true,
		"converted_ref":  true,
		"audio_ref":      true,
		"segments_json":  true,
		"transcript_ref": true,
		"analysis_json":  true,
		"result_refs":    true,
	}
	for col := range artifacts {
		if !allowed[col] {
			return fmt.Errorf("not an artifact column: %s", col)
		}
	}

	res := s.db.WithContext(ctx).Model(&database.WorkUnit{}).
		Where("id = ? AND status = ?", id, database.StatusRunning).
		Updates(artifacts)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.NewConflict(fmt.Sprintf("work unit %s left running state", id))
	}
	return nil
}

// MarkSuccess finalizes a running unit: progress pins to 100 and the live
// flag clears so the target can be processed again later.
func (s *Store) MarkSuccess(ctx context.Context, id, resultRefs string) (*database.WorkUnit, error) {
	res := s.db.WithContext(ctx).Model(&database.WorkUnit{}).
		Where("id = ? AND status = ?", id, database.StatusRunning).
		Updates(map[string]interface{}{
			"status":      database.StatusSuccess,
			"progress":    100,
			"message":     "",
			"result_refs": resultRefs,
			"is_live":     nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errors.NewConflict(fmt.Sprintf("work unit %s is not running", id))
	}
	return s.Get(ctx, id)
}

// MarkFailure finalizes a unit as failed from any live state and clears the
// live flag. Progress is left where it stopped.
func (s *Store) MarkFailure(ctx context.Context, id, message string) (*database.WorkUnit, error) {
	res := s.db.WithContext(ctx).Model(&database.WorkUnit{}).
		Where("id = ? AND status IN ?", id,
			[]database.WorkUnitStatus{database.StatusPending, database.StatusRunning, database.StatusRetry}).
		Updates(map[string]interface{}{
			"status":  database.StatusFailure,
			"message": message,
			"is_live": nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errors.NewConflict(fmt.Sprintf("work unit %s already terminal", id))
	}
	return s.Get(ctx, id)
}

// MarkRetry parks a running unit for another attempt. The unit stays live so
// a duplicate enqueue still resolves to it.
func (s *Store) MarkRetry(ctx context.Context, id, message string) (*database.WorkUnit, error) {
	res := s.db.WithContext(ctx).Model(&database.WorkUnit{}).
		Where("id = ? AND status = ?", id, database.StatusRunning).
		Updates(map[string]interface{}{
			"status":  database.StatusRetry,
			"message": message,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errors.NewConflict(fmt.Sprintf("work unit %s is not running", id))
	}
	return s.Get(ctx, id)
}

// RequestCancel flags a live unit for cooperative cancellation. Workers honor
// the flag at stage boundaries; terminal units reject the request.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&database.WorkUnit{}).
		Where("id = ? AND status IN ?", id,
			[]database.WorkUnitStatus{database.StatusPending, database.StatusRunning, database.StatusRetry}).
		Update("cancel_requested", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		unit, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return errors.NewConflict(fmt.Sprintf("work unit %s already %s", id, unit.Status))
	}
	return nil
}

// CancelRequested re-reads the cooperative cancellation flag.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	unit, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return unit.CancelRequested, nil
}

// ListParked returns running units parked on the recognition stage, waiting
// for their callback.
func (s *Store) ListParked(ctx context.Context) ([]database.WorkUnit, error) {
	var units []database.WorkUnit
	err := s.db.WithContext(ctx).
		Where("status = ? AND stage = ?", database.StatusRunning, stages.StageRecognize).
		Find(&units).Error
	return units, err
}

// CountsByStatus aggregates units per status for the status endpoint.
func (s *Store) CountsByStatus(ctx context.Context) (map[database.WorkUnitStatus]int64, error) {
	type row struct {
		Status database.WorkUnitStatus
		Count  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&database.WorkUnit{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[database.WorkUnitStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// FindStale returns non-terminal units in the given status whose last update
// is older than the cutoff.
func (s *Store) FindStale(ctx context.Context, status database.WorkUnitStatus, cutoff time.Time) ([]database.WorkUnit, error) {
	var units []database.WorkUnit
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, cutoff).
		Find(&units).Error
	return units, err
}

// FailIfUnchanged fails a unit only if its row has not moved since it was
// read. The updated_at guard makes the reaper lose to any live writer.
func (s *Store) FailIfUnchanged(ctx context.Context, unit *database.WorkUnit, message string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&database.WorkUnit{}).
		Where("id = ? AND status = ? AND updated_at = ?", unit.ID, unit.Status, unit.UpdatedAt).
		Updates(map[string]interface{}{
			"status":  database.StatusFailure,
			"message": message,
			"is_live": nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// PurgeTerminalBefore deletes terminal units in the given status whose last
// update is older than the cutoff. Returns the number of deleted rows.
func (s *Store) PurgeTerminalBefore(ctx context.Context, status database.WorkUnitStatus, cutoff time.Time) (int64, error) {
	if !status.Terminal() {
		return 0, fmt.Errorf("refusing to purge non-terminal status %s", status)
	}
	res := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, cutoff).
		Delete(&database.WorkUnit{})
	return res.RowsAffected, res.Error
}
