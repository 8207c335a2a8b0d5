package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/database"
	"github.com/clipforge/clipforge/internal/events"
	"github.com/clipforge/clipforge/internal/logger"
	"github.com/clipforge/clipforge/internal/recognition"
	"github.com/clipforge/clipforge/internal/stages"
	"github.com/clipforge/clipforge/internal/worker"
)

type recordingPublisher struct {
	mu      sync.Mutex
	events  []events.ProgressEvent
	forgets []string
}

func (p *recordingPublisher) Publish(ctx context.Context, ev events.ProgressEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Forget(targetID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forgets = append(p.forgets, targetID)
}

type reaperFixture struct {
	db        *gorm.DB
	store     *worker.Store
	corr      *recognition.CorrelationStore
	publisher *recordingPublisher
	reaper    *Reaper
}

func newReaperFixture(t *testing.T) *reaperFixture {
	t.Helper()
	db, err := database.OpenForTest()
	require.NoError(t, err)

	f := &reaperFixture{
		db:        db,
		store:     worker.NewStore(db),
		corr:      recognition.NewCorrelationStore(db),
		publisher: &recordingPublisher{},
	}
	f.reaper = New(f.store, f.corr, f.publisher, config.ReaperConfig{
		Interval:         time.Hour,
		RunningCeiling:   24 * time.Hour,
		PendingCeiling:   2 * time.Hour,
		FailureRetention: 7 * 24 * time.Hour,
		SuccessRetention: 30 * 24 * time.Hour,
	}, logger.Nop())
	return f
}

// backdate rewrites updated_at directly, bypassing the gorm auto-timestamp.
func (f *reaperFixture) backdate(t *testing.T, id string, age time.Duration) {
	t.Helper()
	err := f.db.Model(&database.WorkUnit{}).
		Where("id = ?", id).
		UpdateColumn("updated_at", time.Now().Add(-age)).Error
	require.NoError(t, err)
}

func (f *reaperFixture) addUnit(t *testing.T, targetID string, status database.WorkUnitStatus) *database.WorkUnit {
	t.Helper()
	ctx := context.Background()
	unit, _, err := f.store.Enqueue(ctx, "owner-1", targetID, stages.KindProcess, "{}")
	require.NoError(t, err)

	switch status {
	case database.StatusPending:
	case database.StatusRunning:
		_, err = f.store.Claim(ctx, unit.ID)
		require.NoError(t, err)
	case database.StatusRetry:
		_, err = f.store.Claim(ctx, unit.ID)
		require.NoError(t, err)
		_, err = f.store.MarkRetry(ctx, unit.ID, "transient")
		require.NoError(t, err)
	case database.StatusSuccess:
		_, err = f.store.Claim(ctx, unit.ID)
		require.NoError(t, err)
		_, err = f.store.MarkSuccess(ctx, unit.ID, "")
		require.NoError(t, err)
	case database.StatusFailure:
		_, err = f.store.Claim(ctx, unit.ID)
		require.NoError(t, err)
		_, err = f.store.MarkFailure(ctx, unit.ID, "boom")
		require.NoError(t, err)
	}
	return unit
}

func TestReaperFailsStaleRunningUnits(t *testing.T) {
	f := newReaperFixture(t)
	ctx := context.Background()

	stale := f.addUnit(t, "target-stale", database.StatusRunning)
	fresh := f.addUnit(t, "target-fresh", database.StatusRunning)
	f.backdate(t, stale.ID, 25*time.Hour)

	f.reaper.Sweep(ctx)

	got, err := f.store.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusFailure, got.Status)
	assert.Contains(t, got.Message, "running ceiling")
	assert.False(t, got.Live())

	untouched, err := f.store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusRunning, untouched.Status)

	// Subscribers hear about the reap.
	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, "target-stale", f.publisher.events[0].TargetID)
	assert.Equal(t, string(database.StatusFailure), f.publisher.events[0].Status)
	assert.Contains(t, f.publisher.forgets, "target-stale")
}

func TestReaperFailsOrphanedPendingAndRetryUnits(t *testing.T) {
	f := newReaperFixture(t)
	ctx := context.Background()

	pending := f.addUnit(t, "target-pending", database.StatusPending)
	retried := f.addUnit(t, "target-retry", database.StatusRetry)
	f.backdate(t, pending.ID, 3*time.Hour)
	f.backdate(t, retried.ID, 3*time.Hour)

	f.reaper.Sweep(ctx)

	got, err := f.store.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusFailure, got.Status)

	got, err = f.store.Get(ctx, retried.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusFailure, got.Status)
}

func TestReaperRespectsRetention(t *testing.T) {
	f := newReaperFixture(t)
	ctx := context.Background()

	oldFailure := f.addUnit(t, "target-old-failure", database.StatusFailure)
	recentFailure := f.addUnit(t, "target-recent-failure", database.StatusFailure)
	oldSuccess := f.addUnit(t, "target-old-success", database.StatusSuccess)
	f.backdate(t, oldFailure.ID, 8*24*time.Hour)
	f.backdate(t, recentFailure.ID, 2*24*time.Hour)
	f.backdate(t, oldSuccess.ID, 31*24*time.Hour)

	f.reaper.Sweep(ctx)

	_, err := f.store.Get(ctx, oldFailure.ID)
	assert.Error(t, err, "failure past retention must be purged")
	_, err = f.store.Get(ctx, oldSuccess.ID)
	assert.Error(t, err, "success past retention must be purged")

	kept, err := f.store.Get(ctx, recentFailure.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusFailure, kept.Status)
}

func TestReaperPurgesOldExpiredCorrelations(t *testing.T) {
	f := newReaperFixture(t)
	ctx := context.Background()

	corr, err := f.corr.Create(ctx, "unit-1", -48*time.Hour)
	require.NoError(t, err)
	_, err = f.corr.ExpireOverdue(ctx, time.Now())
	require.NoError(t, err)

	f.reaper.Sweep(ctx)

	_, err = f.corr.Latest(ctx, corr.WorkUnitID)
	assert.ErrorIs(t, err, recognition.ErrCorrelationNotFound)
}
