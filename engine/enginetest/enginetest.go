// Package enginetest holds the behavioral suite every engine.EntryStore must pass.
package enginetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statboard/core"
	"statboard/engine"
)

// NewStoreFunc returns an empty store. Cleanup is registered on t.
type NewStoreFunc func(t *testing.T) engine.EntryStore

// NewService wraps store in a service with fast retries and a sync bus.
func NewService(t *testing.T, store engine.EntryStore) *engine.LeaderboardService {
	t.Helper()
	svc := engine.NewLeaderboardService(store, engine.NewEventBus(engine.DispatchSync),
		engine.WithRetryPolicy(engine.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}))
	t.Cleanup(svc.Close)
	return svc
}

// Run executes the store contract and ranking properties against newStore.
func Run(t *testing.T, newStore NewStoreFunc) {
	t.Run("StoreInsertDuplicate", func(t *testing.T) { testInsertDuplicate(t, newStore(t)) })
	t.Run("StoreUpdateUnknown", func(t *testing.T) { testUpdateUnknown(t, newStore(t)) })
	t.Run("StoreUpdateKeepsMonotonicFields", func(t *testing.T) { testUpdateMonotonic(t, newStore(t)) })
	t.Run("StoreScanRestartable", func(t *testing.T) { testScanRestartable(t, newStore(t)) })
	t.Run("CreateThenTouchKeepsMax", func(t *testing.T) { testCreateThenTouch(t, newStore(t)) })
	t.Run("TouchIdempotent", func(t *testing.T) { testTouchIdempotent(t, newStore(t)) })
	t.Run("ConcurrentTouchMaxWins", func(t *testing.T) { testConcurrentTouch(t, newStore(t)) })
	t.Run("ReconcileStreakInvariant", func(t *testing.T) { testReconcile(t, newStore(t)) })
	t.Run("TieBreakByEntryID", func(t *testing.T) { testTieBreak(t, newStore(t)) })
	t.Run("WindowPartition", func(t *testing.T) { testWindowPartition(t, newStore(t)) })
	t.Run("WindowBounds", func(t *testing.T) { testWindowBounds(t, newStore(t)) })
	t.Run("FriendsAndScore", func(t *testing.T) { testFriendsAndScore(t, newStore(t)) })
	t.Run("Position", func(t *testing.T) { testPosition(t, newStore(t)) })
}

func testInsertDuplicate(t *testing.T, store engine.EntryStore) {
	ctx := context.Background()
	id, err := store.Insert(ctx, core.NewEntry(7, 10))
	require.NoError(t, err)
	assert.Positive(t, int64(id))

	_, err = store.Insert(ctx, core.NewEntry(7, 20))
	assert.ErrorIs(t, err, core.ErrDuplicateUser)

	got, err := store.GetByUser(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, id, got.EntryID)
	assert.Equal(t, int64(10), got.HighScore)

	_, err = store.GetByUser(ctx, 8)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testUpdateUnknown(t *testing.T, store engine.EntryStore) {
	err := store.Update(context.Background(), core.Entry{EntryID: 9999, UserID: 1})
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, _, err = store.RaiseHighScore(context.Background(), 1, 10)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testUpdateMonotonic(t *testing.T, store engine.EntryStore) {
	ctx := context.Background()
	_, err := store.Insert(ctx, core.Entry{UserID: 3, HighScore: 80, LongestDailyStreak: 6})
	require.NoError(t, err)
	e, err := store.GetByUser(ctx, 3)
	require.NoError(t, err)

	e.HighScore = 5
	e.LongestDailyStreak = 2
	e.DailyStreak = 2
	e.AverageDailyGuesses = 4
	e.AverageDailyTime = 31.5
	e.LongestSurvivalStreak = 11
	require.NoError(t, store.Update(ctx, e))

	got, err := store.GetByUser(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(80), got.HighScore)
	assert.Equal(t, int64(6), got.LongestDailyStreak)
	assert.Equal(t, int64(2), got.DailyStreak)
	assert.Equal(t, int64(4), got.AverageDailyGuesses)
	assert.InDelta(t, 31.5, got.AverageDailyTime, 1e-9)
	assert.Equal(t, int64(11), got.LongestSurvivalStreak)

	got, raised, err := store.RaiseHighScore(ctx, 3, 70)
	require.NoError(t, err)
	assert.False(t, raised)
	assert.Equal(t, int64(80), got.HighScore)

	got, raised, err = store.RaiseHighScore(ctx, 3, 81)
	require.NoError(t, err)
	assert.True(t, raised)
	assert.Equal(t, int64(81), got.HighScore)
}

func collect(t *testing.T, store engine.EntryStore, offset int64) []core.UserID {
	t.Helper()
	var out []core.UserID
	for e, err := range store.Scan(context.Background(), offset) {
		require.NoError(t, err)
		out = append(out, e.UserID)
	}
	return out
}

func testScanRestartable(t *testing.T, store engine.EntryStore) {
	ctx := context.Background()
	assert.Empty(t, collect(t, store, 0))
	for i := int64(1); i <= 5; i++ {
		_, err := store.Insert(ctx, core.NewEntry(core.UserID(i), i*10))
		require.NoError(t, err)
	}
	seq := store.Scan(ctx, 0)
	var first []core.UserID
	for e, err := range seq {
		require.NoError(t, err)
		first = append(first, e.UserID)
		if len(first) == 2 {
			break
		}
	}
	assert.Equal(t, []core.UserID{5, 4}, first)

	_, _, err := store.RaiseHighScore(ctx, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, []core.UserID{1, 5, 4, 3, 2}, collect(t, store, 0))
	assert.Equal(t, []core.UserID{3, 2}, collect(t, store, 3))
	assert.Empty(t, collect(t, store, 50))
}

func testCreateThenTouch(t *testing.T, store engine.EntryStore) {
	svc := NewService(t, store)
	ctx := context.Background()

	e, err := svc.CreateOrTouch(ctx, 42, 10)
	require.NoError(t, err)
	assert.Equal(t, core.UserID(42), e.UserID)
	assert.Equal(t, int64(10), e.HighScore)
	assert.Zero(t, e.DailyStreak)
	assert.Zero(t, e.LongestDailyStreak)
	assert.Zero(t, e.AverageDailyGuesses)
	assert.Zero(t, e.AverageDailyTime)
	assert.Zero(t, e.LongestSurvivalStreak)
	assert.Positive(t, int64(e.EntryID))

	e2, err := svc.CreateOrTouch(ctx, 42, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(10), e2.HighScore)
	assert.Equal(t, e.EntryID, e2.EntryID)

	e3, err := svc.CreateOrTouch(ctx, 42, 15)
	require.NoError(t, err)
	assert.Equal(t, int64(15), e3.HighScore)
}

func testTouchIdempotent(t *testing.T, store engine.EntryStore) {
	svc := NewService(t, store)
	ctx := context.Background()
	raised := 0
	svc.Subscribe(core.EventHighScoreRaised, func(context.Context, core.Event) { raised++ })

	_, err := svc.CreateOrTouch(ctx, 1, 30)
	require.NoError(t, err)
	_, err = svc.CreateOrTouch(ctx, 1, 30)
	require.NoError(t, err)
	score, err := svc.GetScore(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(30), score)
	assert.Zero(t, raised)
}

func testConcurrentTouch(t *testing.T, store engine.EntryStore) {
	svc := NewService(t, store)
	ctx := context.Background()
	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(score int64) {
			defer wg.Done()
			if _, err := svc.CreateOrTouch(ctx, 99, score); err != nil {
				errs <- err
			}
		}(int64((i * 37) % workers * 5))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	score, err := svc.GetScore(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, int64((workers-1)*5), score)
	all, err := svc.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testReconcile(t *testing.T, store engine.EntryStore) {
	svc := NewService(t, store)
	ctx := context.Background()

	e, err := svc.ReconcileFromStatistics(ctx, 5, core.Statistics{DailyStreak: 3, LongestDailyStreak: 1, AverageDailyGuesses: 4, AverageDailyTime: 20})
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.LongestDailyStreak)
	assert.Zero(t, e.HighScore)

	_, err = svc.CreateOrTouch(ctx, 5, 60)
	require.NoError(t, err)

	e, err = svc.ReconcileFromStatistics(ctx, 5, core.Statistics{DailyStreak: 1, LongestDailyStreak: 2, AverageDailyGuesses: 6, AverageDailyTime: 12.25, LongestSurvivalStreak: 8})
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.DailyStreak)
	assert.Equal(t, int64(3), e.LongestDailyStreak)
	assert.Equal(t, int64(6), e.AverageDailyGuesses)
	assert.InDelta(t, 12.25, e.AverageDailyTime, 1e-9)
	assert.Equal(t, int64(8), e.LongestSurvivalStreak)
	assert.Equal(t, int64(60), e.HighScore)
	assert.GreaterOrEqual(t, e.LongestDailyStreak, e.DailyStreak)

	_, err = svc.ReconcileFromStatistics(ctx, 5, core.Statistics{DailyStreak: -1})
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func seedABC(t *testing.T, svc *engine.LeaderboardService) {
	t.Helper()
	ctx := context.Background()
	for _, s := range []struct {
		user  core.UserID
		score int64
	}{{1, 50}, {2, 90}, {3, 90}} {
		_, err := svc.CreateOrTouch(ctx, s.user, s.score)
		require.NoError(t, err)
	}
}

func testTieBreak(t *testing.T, store engine.EntryStore) {
	svc := NewService(t, store)
	ctx := context.Background()
	seedABC(t, svc)

	for i := 0; i < 3; i++ {
		top, err := svc.GetTop(ctx, 3)
		require.NoError(t, err)
		require.Len(t, top, 3)
		assert.Equal(t, core.UserID(2), top[0].Entry.UserID)
		assert.Equal(t, core.UserID(3), top[1].Entry.UserID)
		assert.Equal(t, core.UserID(1), top[2].Entry.UserID)
		assert.Less(t, top[0].Entry.EntryID, top[1].Entry.EntryID)
		for j, r := range top {
			assert.Equal(t, int64(j+1), r.Position)
		}
	}
}

func testWindowPartition(t *testing.T, store engine.EntryStore) {
	svc := NewService(t, store)
	ctx := context.Background()
	for i := int64(1); i <= 23; i++ {
		_, err := svc.CreateOrTouch(ctx, core.UserID(i), (i*7)%10)
		require.NoError(t, err)
	}
	const k, m = 8, 9
	head, err := svc.GetRankWindow(ctx, 1, k)
	require.NoError(t, err)
	tail, err := svc.GetRankWindow(ctx, k+1, m)
	require.NoError(t, err)
	top, err := svc.GetTop(ctx, k+m)
	require.NoError(t, err)

	assert.Equal(t, top[:k], head)
	assert.Equal(t, top[k:], tail)

	all, err := svc.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 23)
	seen := map[core.UserID]bool{}
	for i, e := range all {
		assert.False(t, seen[e.UserID])
		seen[e.UserID] = true
		if i > 0 {
			assert.True(t, core.Less(all[i-1], e))
		}
	}
}

func testWindowBounds(t *testing.T, store engine.EntryStore) {
	svc := NewService(t, store)
	ctx := context.Background()
	seedABC(t, svc)

	_, err := svc.GetRankWindow(ctx, 0, 10)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
	_, err = svc.GetRankWindow(ctx, 1, -1)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	far, err := svc.GetRankWindow(ctx, 10_000_000, 10)
	require.NoError(t, err)
	assert.Empty(t, far)

	partial, err := svc.GetRankWindow(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, partial, 2)
	assert.Equal(t, int64(2), partial[0].Position)
	assert.Equal(t, core.UserID(1), partial[1].Entry.UserID)

	empty, err := svc.GetRankWindow(ctx, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)

	topTen, err := svc.GetTopTen(ctx)
	require.NoError(t, err)
	assert.Len(t, topTen, 3)
	page, err := svc.GetPage(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func testFriendsAndScore(t *testing.T, store engine.EntryStore) {
	svc := NewService(t, store)
	ctx := context.Background()
	seedABC(t, svc)

	friends, err := svc.GetFriendEntries(ctx, 1, []core.UserID{3, 404, 3})
	require.NoError(t, err)
	ids := map[core.UserID]bool{}
	for _, e := range friends {
		ids[e.UserID] = true
	}
	assert.Equal(t, map[core.UserID]bool{1: true, 3: true}, ids)

	score, err := svc.GetScore(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(90), score)

	_, err = svc.GetScore(ctx, 404)
	assert.True(t, errors.Is(err, core.ErrNotFound))
	_, err = svc.GetEntry(ctx, 404)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testPosition(t *testing.T, store engine.EntryStore) {
	svc := NewService(t, store)
	ctx := context.Background()
	seedABC(t, svc)

	pos, err := svc.GetPosition(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pos.Position)
	pos, err = svc.GetPosition(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos.Position)

	_, err = svc.GetPosition(ctx, 404)
	assert.ErrorIs(t, err, core.ErrNotFound)
}
