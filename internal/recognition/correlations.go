// Package recognition integrates the slow external speech recognition
// service: a chunked/resumable upload client, the durable callback
// correlation store, and the standalone callback receiver.
//
// The receiver is deliberately a separate always-on process, never embedded
// in worker processes: with a multi-process worker pool a callback would
// otherwise land on a sibling worker with no record of the originating
// request and be silently dropped. Workers and the receiver communicate only
// through the correlation store.
package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/clipforge/clipforge/internal/database"
)

// ErrCorrelationNotFound marks a callback for an unknown correlation id.
var ErrCorrelationNotFound = errors.New("callback correlation not found")

// ErrCorrelationExpired marks a callback that arrived after expiry.
var ErrCorrelationExpired = errors.New("callback correlation expired")

// CallbackPayload is the wire payload of a recognition completion.
type CallbackPayload struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"` // "ok" or "error"
	ResultRef     string `json:"result_ref,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Ok reports whether the recognition run succeeded.
func (p CallbackPayload) Ok() bool {
	return p.Status == "ok"
}

// CorrelationStore persists CallbackCorrelation rows. Exactly two actors
// mutate a row: the client (create, consume) and the receiver (deliver); all
// transitions are conditional updates so racing pollers cannot double-consume.
type CorrelationStore struct {
	db *gorm.DB
}

// NewCorrelationStore wraps the shared database handle.
func NewCorrelationStore(db *gorm.DB) *CorrelationStore {
	return &CorrelationStore{db: db}
}

// Create persists a fresh awaiting correlation for a work unit.
func (s *CorrelationStore) Create(ctx context.Context, workUnitID string, ttl time.Duration) (*database.CallbackCorrelation, error) {
	now := time.Now()
	corr := &database.CallbackCorrelation{
		ID:          uuid.NewString(),
		WorkUnitID:  workUnitID,
		Status:      database.CorrelationAwaiting,
		SubmittedAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := s.db.WithContext(ctx).Create(corr).Error; err != nil {
		return nil, fmt.Errorf("create callback correlation: %w", err)
	}
	return corr, nil
}

// Deliver records the callback result. The transition is awaiting→delivered;
// a repeated delivery is an idempotent no-op, a delivery after expiry returns
// ErrCorrelationExpired.
func (s *CorrelationStore) Deliver(ctx context.Context, correlationID string, payload CallbackPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}

	now := time.Now()
	res := s.db.WithContext(ctx).Model(&database.CallbackCorrelation{}).
		Where("id = ? AND status = ?", correlationID, database.CorrelationAwaiting).
		Updates(map[string]interface{}{
			"status":       database.CorrelationDelivered,
			"result":       string(data),
			"delivered_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var corr database.CallbackCorrelation
	err = s.db.WithContext(ctx).First(&corr, "id = ?", correlationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrCorrelationNotFound
	}
	if err != nil {
		return err
	}
	switch corr.Status {
	case database.CorrelationDelivered, database.CorrelationConsumed:
		// The external service retried an already-accepted callback.
		return nil
	case database.CorrelationExpired:
		return ErrCorrelationExpired
	default:
		return fmt.Errorf("correlation %s in unexpected state %s", correlationID, corr.Status)
	}
}

// Latest returns the most recent correlation for a work unit, tolerating any
// number of historical rows.
func (s *CorrelationStore) Latest(ctx context.Context, workUnitID string) (*database.CallbackCorrelation, error) {
	var corr database.CallbackCorrelation
	err := s.db.WithContext(ctx).
		Where("work_unit_id = ?", workUnitID).
		Order("submitted_at DESC").
		First(&corr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCorrelationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &corr, nil
}

// Consume atomically takes a delivered result exactly once. The winning
// caller receives the payload and the row is purged; losers get ok=false.
func (s *CorrelationStore) Consume(ctx context.Context, correlationID string) (*CallbackPayload, bool, error) {
	res := s.db.WithContext(ctx).Model(&database.CallbackCorrelation{}).
		Where("id = ? AND status = ?", correlationID, database.CorrelationDelivered).
		Update("status", database.CorrelationConsumed)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}

	var corr database.CallbackCorrelation
	if err := s.db.WithContext(ctx).First(&corr, "id = ?", correlationID).Error; err != nil {
		return nil, false, err
	}

	var payload CallbackPayload
	if err := json.Unmarshal([]byte(corr.Result), &payload); err != nil {
		return nil, false, fmt.Errorf("unmarshal callback result: %w", err)
	}

	// Consumed rows are purged; the result now lives on the work unit.
	if err := s.db.WithContext(ctx).Delete(&database.CallbackCorrelation{}, "id = ?", correlationID).Error; err != nil {
		return nil, false, err
	}
	return &payload, true, nil
}

// ExpireOverdue flips awaiting correlations past their expiry to expired and
// returns them, so the caller can finalize the owning work units.
func (s *CorrelationStore) ExpireOverdue(ctx context.Context, now time.Time) ([]database.CallbackCorrelation, error) {
	var candidates []database.CallbackCorrelation
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", database.CorrelationAwaiting, now).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	expired := make([]database.CallbackCorrelation, 0, len(candidates))
	for _, corr := range candidates {
		res := s.db.WithContext(ctx).Model(&database.CallbackCorrelation{}).
			Where("id = ? AND status = ?", corr.ID, database.CorrelationAwaiting).
			Update("status", database.CorrelationExpired)
		if res.Error != nil {
			return expired, res.Error
		}
		if res.RowsAffected == 1 {
			corr.Status = database.CorrelationExpired
			expired = append(expired, corr)
		}
	}
	return expired, nil
}

// Purge deletes a correlation row outright.
func (s *CorrelationStore) Purge(ctx context.Context, correlationID string) error {
	return s.db.WithContext(ctx).Delete(&database.CallbackCorrelation{}, "id = ?", correlationID).Error
}

// PurgeExpiredBefore removes expired rows older than the cutoff.
func (s *CorrelationStore) PurgeExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", database.CorrelationExpired, cutoff).
		Delete(&database.CallbackCorrelation{})
	return res.RowsAffected, res.Error
}
