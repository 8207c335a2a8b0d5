package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge/internal/database"
	"github.com/clipforge/clipforge/internal/errors"
	"github.com/clipforge/clipforge/internal/stages"
)

func newTestWorkStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.OpenForTest()
	require.NoError(t, err)
	return NewStore(db)
}

func TestEnqueueIdempotent(t *testing.T) {
	store := newTestWorkStore(t)
	ctx := context.Background()

	first, created, err := store.Enqueue(ctx, "owner-1", "target-1", stages.KindProcess, `{"source_url":"http://a"}`)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, database.StatusPending, first.Status)
	assert.True(t, first.Live())

	second, created, err := store.Enqueue(ctx, "owner-1", "target-1", stages.KindProcess, `{"source_url":"http://b"}`)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, `{"source_url":"http://a"}`, second.Params, "duplicate enqueue must not replace params")
}

func TestEnqueueAfterTerminalCreatesFreshUnit(t *testing.T) {
	store := newTestWorkStore(t)
	ctx := context.Background()

	first, _, err := store.Enqueue(ctx, "owner-1", "target-1", stages.KindProcess, "{}")
	require.NoError(t, err)
	_, err = store.Claim(ctx, first.ID)
	require.NoError(t, err)
	_, err = store.MarkFailure(ctx, first.ID, "boom")
	require.NoError(t, err)

	second, created, err := store.Enqueue(ctx, "owner-1", "target-1", stages.KindProcess, "{}")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)

	// Both rows survive: one historical, one live.
	units, err := store.ListByTarget(ctx, "target-1")
	require.NoError(t, err)
	assert.Len(t, units, 2)
}

func TestClaimTransitionsAndCountsAttempt(t *testing.T) {
	store := newTestWorkStore(t)
	ctx := context.Background()

	unit, _, err := store.Enqueue(ctx, "owner-1", "target-1", stages.KindProcess, "{}")
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	assert.Zero(t, claimed.Progress)
	require.NotNil(t, claimed.StartedAt)

	// A second claim loses the race.
	_, err = store.Claim(ctx, unit.ID)
	assert.True(t, errors.IsConflict(err))
}

func TestClaimRaceSingleWinner(t *testing.T) {
	store := newTestWorkStore(t)
	ctx := context.Background()

	unit, _, err := store.Enqueue(ctx, "owner-1", "target-1", stages.KindProcess, "{}")
	require.NoError(t, err)

	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Claim(ctx, unit.ID); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	final, err := store.Get(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, final.Attempts)
}

func TestAdvanceStageMonotonicProgress(t *testing.T) {
	store := newTestWorkStore(t)
	ctx := context.Background()

	unit, _, err := store.Enqueue(ctx, "owner-1", "target-1", stages.KindProcess, "{}")
	require.NoError(t, err)
	_, err = store.Claim(ctx, unit.ID)
	require.NoError(t, err)

	updated, err := store.AdvanceStage(ctx, unit.ID, stages.StageTransfer, 100, "done")
	require.NoError(t, err)
	assert.InDelta(t, 20, updated.Progress, 0.001)

	// A lower local value within the same stage never moves progress back.
	updated, err = store.AdvanceStage(ctx, unit.ID, stages.StageTransfer, 50, "late report")
	require.NoError(t, err)
	assert.InDelta(t, 20, updated.Progress, 0.001)

	// Advancing to the next stage continues forward.
	updated, err = store.AdvanceStage(ctx, unit.ID, stages.StageMerge, 50, "merging")
	require.NoError(t, err)
	assert.InDelta(t, 25, updated.Progress, 0.001)
}

func TestAdvanceStageRejectsBackwardStage(t *testing.T) {
	store := newTestWorkStore(t)
	ctx := context.Background()

	unit, _, err := store.Enqueue(ctx, "owner-1", "target-1", stages.KindProcess, "{}")
	require.NoError(t, err)
	_, err = store.Claim(ctx, unit.ID)
	require.NoError(t, err)
	_, err = store.AdvanceStage(ctx, unit.ID, stages.StageConvert, 0, "")
	require.NoError(t, err)

	_, err = store.AdvanceStage(ctx, unit.ID, stages.StageTransfer, 0, "")
	require.Error(t, err)
	assert.True(t, errors.IsPermanent(err))
}

func TestAdvanceStageRequiresRunning(t *testing.T) {
	store := newTestWorkStore(t)
	ctx := context.Background()

	unit, _, err := store.Enqueue(ctx, "owner-1", "target-1", stages.KindProcess, "{}")
	require.NoError(t, err)

	_, err = store.AdvanceStage(ctx, unit.ID, stages.StageTransfer, 0, "")
	assert.True(t, errors.IsConflict(err))
}

func TestRetryResetsProgressOnReclaim(t *testing.T) {
	store := newTestWorkStore(t)
	ctx := context.Background()

	unit, _, err := store.Enqueue(ctx, "owner-1", "target-1", stages.KindProcess, "{}")
	require.NoError(t, err)
	_, err = store.Claim(ctx, unit.ID)
	require.NoError(t, err)
	_, err = store.AdvanceStage(ctx, unit.ID, stages.StageConvert, 50, "")
	require.NoError(t, err)

	retried, err := store.MarkRetry(ctx, unit.ID, "transient failure")
	require.NoError(t, err)
	assert.Equal(t, database.StatusRetry, retried.Status)
	assert.True(t, retried.Live(), "retry keeps the unit live")

	reclaimed, err := store.Claim(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, reclaimed.Attempts)
	assert.Zero(t, reclaimed.Progress)
	assert.Empty(t, reclaimed.Stage)
}

func TestMarkSuccessFinalizes(t *testing.T) {
	store := newTestWorkStore(t)
	ctx := context.Background()

	unit, _, err := store.Enqueue(ctx, "owner-1", "target-1", stages.KindProcess, "{}")
	require.NoError(t, err)
	_, err = store.Claim(ctx, unit.ID)
	require.NoError(t, err)

	done, err := store.MarkSuccess(ctx, unit.ID, "mem://clips/unit-1")
	require.NoError(t, err)
	assert.Equal(t, database.StatusSuccess, done.Status)
	assert.InDelta(t, 100, done.Progress, 0.001)
	assert.False(t, done.Live())

	// Terminal units reject further transitions.
	_, err = store.MarkFailure(ctx, unit.ID, "late failure")
	assert.True(t, errors.IsConflict(err))
	_, err = store.MarkSuccess(ctx, unit.ID, "again")
	assert.True(t, errors.IsConflict(err))
}

func TestRequestCancel(t *testing.T) {
	store := newTestWorkStore(t)
	ctx := context.Background()

	unit, _, err := store.Enqueue(ctx, "owner-1", "target-1", stages.KindProcess, "{}")
	require.NoError(t, err)

	require.NoError(t, store.RequestCancel(ctx, unit.ID))
	requested, err := store.CancelRequested(ctx, unit.ID)
	require.NoError(t, err)
	assert.True(t, requested)

	_, err = store.Claim(ctx, unit.ID)
	require.NoError(t, err)
	_, err = store.MarkSuccess(ctx, unit.ID, "")
	require.NoError(t, err)

	err = store.RequestCancel(ctx, unit.ID)
	assert.True(t, errors.IsConflict(err), "terminal units cannot be canceled")
}

func TestSetArtifactsRestrictedToArtifactColumns(t *testing.T) {
	store := newTestWorkStore(t)
	ctx := context.Background()

	unit, _, err := store.Enqueue(ctx, "owner-1", "target-1", stages.KindProcess, "{}")
	require.NoError(t, err)
	_, err = store.Claim(ctx, unit.ID)
	require.NoError(t, err)

	require.NoError(t, store.SetArtifacts(ctx, unit.ID, map[string]interface{}{"audio_ref": "mem://audio"}))
	got, err := store.Get(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, "mem://audio", got.AudioRef)

	err = store.SetArtifacts(ctx, unit.ID, map[string]interface{}{"status": "success"})
	assert.Error(t, err)
}

func TestCountsByStatus(t *testing.T) {
	store := newTestWorkStore(t)
	ctx := context.Background()

	a, _, err := store.Enqueue(ctx, "o", "target-a", stages.KindProcess, "{}")
	require.NoError(t, err)
	_, _, err = store.Enqueue(ctx, "o", "target-b", stages.KindProcess, "{}")
	require.NoError(t, err)
	_, err = store.Claim(ctx, a.ID)
	require.NoError(t, err)

	counts, err := store.CountsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[database.StatusPending])
	assert.Equal(t, int64(1), counts[database.StatusRunning])
}

func TestFailIfUnchangedLosesToLiveWriter(t *testing.T) {
	store := newTestWorkStore(t)
	ctx := context.Background()

	unit, _, err := store.Enqueue(ctx, "owner-1", "target-1", stages.KindProcess, "{}")
	require.NoError(t, err)
	claimed, err := store.Claim(ctx, unit.ID)
	require.NoError(t, err)

	snapshot := *claimed

	// A live writer touches the row after the snapshot was read.
	time.Sleep(5 * time.Millisecond)
	_, err = store.AdvanceStage(ctx, unit.ID, stages.StageTransfer, 10, "still alive")
	require.NoError(t, err)

	won, err := store.FailIfUnchanged(ctx, &snapshot, "stale")
	require.NoError(t, err)
	assert.False(t, won, "the reaper must lose to a live writer")

	got, err := store.Get(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusRunning, got.Status)
}
