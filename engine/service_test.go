package engine_test

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "statboard/adapters/memory"
	"statboard/core"
	"statboard/engine"
	"statboard/engine/enginetest"
)

// flakyStore fails the first n write calls with a transient error.
type flakyStore struct {
	*mem.Store
	failures atomic.Int64
	writes   atomic.Int64
	scanErr  error
}

func (f *flakyStore) fail() error {
	f.writes.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return nil
}

func (f *flakyStore) Insert(ctx context.Context, e core.Entry) (core.EntryID, error) {
	if err := f.fail(); err != nil {
		return 0, err
	}
	return f.Store.Insert(ctx, e)
}

func (f *flakyStore) RaiseHighScore(ctx context.Context, u core.UserID, s int64) (core.Entry, bool, error) {
	if err := f.fail(); err != nil {
		return core.Entry{}, false, err
	}
	return f.Store.RaiseHighScore(ctx, u, s)
}

func (f *flakyStore) Scan(ctx context.Context, offset int64) iter.Seq2[core.Entry, error] {
	if f.scanErr != nil {
		return func(yield func(core.Entry, error) bool) { yield(core.Entry{}, f.scanErr) }
	}
	return f.Store.Scan(ctx, offset)
}

// racingStore reports the user as absent once, so Insert hits the duplicate path.
type racingStore struct {
	*mem.Store
	missed atomic.Bool
}

func (r *racingStore) GetByUser(ctx context.Context, u core.UserID) (core.Entry, error) {
	if r.missed.CompareAndSwap(false, true) {
		return core.Entry{}, core.ErrNotFound
	}
	return r.Store.GetByUser(ctx, u)
}

func TestCreateOrTouchRetriesTransientErrors(t *testing.T) {
	store := &flakyStore{Store: mem.New()}
	store.failures.Store(2)
	svc := enginetest.NewService(t, store)

	e, err := svc.CreateOrTouch(context.Background(), 42, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), e.HighScore)
	assert.Equal(t, int64(3), store.writes.Load())
}

func TestCreateOrTouchSurfacesStorageUnavailable(t *testing.T) {
	store := &flakyStore{Store: mem.New()}
	store.failures.Store(100)
	svc := enginetest.NewService(t, store)

	_, err := svc.CreateOrTouch(context.Background(), 42, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, int64(3), store.writes.Load())
}

func TestCreateOrTouchDuplicateBecomesRaise(t *testing.T) {
	store := &racingStore{Store: mem.New()}
	_, err := store.Store.Insert(context.Background(), core.NewEntry(42, 10))
	require.NoError(t, err)
	svc := enginetest.NewService(t, store)

	e, err := svc.CreateOrTouch(context.Background(), 42, 25)
	require.NoError(t, err)
	assert.Equal(t, int64(25), e.HighScore)
	assert.Equal(t, core.EntryID(1), e.EntryID)
}

func TestScanErrorsAreNotRetried(t *testing.T) {
	boom := errors.New("scan failed")
	store := &flakyStore{Store: mem.New(), scanErr: boom}
	svc := enginetest.NewService(t, store)

	_, err := svc.GetTop(context.Background(), 10)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, core.ErrStorageUnavailable)
	_, err = svc.GetAll(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestCancelledContextIsNotStorageUnavailable(t *testing.T) {
	store := &flakyStore{Store: mem.New()}
	store.failures.Store(100)
	svc := engine.NewLeaderboardService(store, engine.NewEventBus(engine.DispatchSync),
		engine.WithRetryPolicy(engine.RetryPolicy{MaxAttempts: 5, InitialInterval: 50 * time.Millisecond, MaxInterval: 50 * time.Millisecond}))
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.CreateOrTouch(ctx, 42, 10)
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrStorageUnavailable)
}

func TestInvalidUser(t *testing.T) {
	svc := enginetest.NewService(t, mem.New())
	_, err := svc.CreateOrTouch(context.Background(), 0, 10)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
	_, err = svc.GetEntry(context.Background(), -3)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestEventsPublished(t *testing.T) {
	svc := enginetest.NewService(t, mem.New())
	ctx := context.Background()
	counts := map[core.EventType]int{}
	for _, typ := range []core.EventType{core.EventEntryCreated, core.EventHighScoreRaised, core.EventScoreSubmitted, core.EventStatsReconciled} {
		typ := typ
		svc.Subscribe(typ, func(context.Context, core.Event) { counts[typ]++ })
	}

	_, err := svc.CreateOrTouch(ctx, 1, 10)
	require.NoError(t, err)
	_, err = svc.CreateOrTouch(ctx, 1, 5)
	require.NoError(t, err)
	_, err = svc.CreateOrTouch(ctx, 1, 20)
	require.NoError(t, err)
	_, err = svc.ReconcileFromStatistics(ctx, 1, core.Statistics{DailyStreak: 1})
	require.NoError(t, err)

	assert.Equal(t, 1, counts[core.EventEntryCreated])
	assert.Equal(t, 1, counts[core.EventHighScoreRaised])
	assert.Equal(t, 3, counts[core.EventScoreSubmitted])
	assert.Equal(t, 1, counts[core.EventStatsReconciled])
}

func TestGetPositionFallsBackToScan(t *testing.T) {
	// the anonymous wrapper exposes only the EntryStore method set
	inner := mem.New()
	svc := enginetest.NewService(t, struct{ engine.EntryStore }{inner})
	ctx := context.Background()
	for i := int64(1); i <= 4; i++ {
		_, err := svc.CreateOrTouch(ctx, core.UserID(i), i)
		require.NoError(t, err)
	}
	pos, err := svc.GetPosition(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos.Position)
}
