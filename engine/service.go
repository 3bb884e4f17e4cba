package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"statboard/core"
)

const (
	TopTenSize = 10
	PageSize   = 250
)

// RetryPolicy bounds the retries of read-modify-write operations.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: 50 * time.Millisecond, MaxInterval: time.Second}
}

// ServiceOption configures a LeaderboardService.
type ServiceOption func(*LeaderboardService)

// WithLogger sets the service logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *LeaderboardService) {
		if l != nil {
			s.log = l
		}
	}
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) ServiceOption {
	return func(s *LeaderboardService) {
		if p.MaxAttempts > 0 {
			s.retry = p
		}
	}
}

// LeaderboardService owns entry creation, high score updates, reconciliation
// and ranking queries on top of an EntryStore.
type LeaderboardService struct {
	store EntryStore
	bus   *EventBus
	log   *slog.Logger
	retry RetryPolicy
}

func NewLeaderboardService(store EntryStore, bus *EventBus, opts ...ServiceOption) *LeaderboardService {
	if store == nil || bus == nil {
		panic("NewLeaderboardService requires non-nil store and bus")
	}
	s := &LeaderboardService{store: store, bus: bus, log: slog.Default(), retry: DefaultRetryPolicy()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Subscribe convenience method.
func (s *LeaderboardService) Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func() {
	return s.bus.Subscribe(typ, handler)
}

func (s *LeaderboardService) Close() { s.bus.Close() }

type touchResult struct {
	entry   core.Entry
	created bool
	raised  bool
}

// CreateOrTouch records a score: the entry is created with HighScore = score
// when absent, otherwise HighScore becomes max(existing, score).
func (s *LeaderboardService) CreateOrTouch(ctx context.Context, user core.UserID, score int64) (core.Entry, error) {
	if err := core.ValidateUserID(user); err != nil {
		return core.Entry{}, err
	}
	res, err := withRetry(ctx, s, "create_or_touch", func() (touchResult, error) {
		return s.touch(ctx, user, score)
	})
	if err != nil {
		return core.Entry{}, err
	}
	s.bus.Publish(ctx, core.NewScoreSubmitted(user, score))
	switch {
	case res.created:
		s.log.DebugContext(ctx, "leaderboard entry created", "user_id", user, "entry_id", res.entry.EntryID, "high_score", res.entry.HighScore)
		s.bus.Publish(ctx, core.NewEntryCreated(res.entry))
	case res.raised:
		s.bus.Publish(ctx, core.NewHighScoreRaised(res.entry))
	}
	return res.entry, nil
}

func (s *LeaderboardService) touch(ctx context.Context, user core.UserID, score int64) (touchResult, error) {
	existing, err := s.store.GetByUser(ctx, user)
	switch {
	case err == nil:
		if existing.HighScore >= score {
			return touchResult{entry: existing}, nil
		}
		return s.raise(ctx, user, score)
	case errors.Is(err, core.ErrNotFound):
		if _, err := s.store.Insert(ctx, core.NewEntry(user, score)); err != nil {
			if errors.Is(err, core.ErrDuplicateUser) {
				// a concurrent call created the entry first
				return s.raise(ctx, user, score)
			}
			return touchResult{}, err
		}
		created, err := s.store.GetByUser(ctx, user)
		if err != nil {
			return touchResult{}, err
		}
		return touchResult{entry: created, created: true}, nil
	default:
		return touchResult{}, err
	}
}

func (s *LeaderboardService) raise(ctx context.Context, user core.UserID, score int64) (touchResult, error) {
	entry, raised, err := s.store.RaiseHighScore(ctx, user, score)
	if err != nil {
		return touchResult{}, err
	}
	return touchResult{entry: entry, raised: raised}, nil
}

// ReconcileFromStatistics overwrites the statistics fields of the user's entry
// from a collector snapshot, creating the entry with a zero high score if needed.
func (s *LeaderboardService) ReconcileFromStatistics(ctx context.Context, user core.UserID, stats core.Statistics) (core.Entry, error) {
	if err := core.ValidateUserID(user); err != nil {
		return core.Entry{}, err
	}
	if err := stats.Validate(); err != nil {
		return core.Entry{}, err
	}
	res, err := withRetry(ctx, s, "reconcile_from_statistics", func() (touchResult, error) {
		current, err := s.store.GetByUser(ctx, user)
		if errors.Is(err, core.ErrNotFound) {
			_, err = s.store.Insert(ctx, stats.Apply(core.NewEntry(user, 0)))
			if err == nil {
				created, err := s.store.GetByUser(ctx, user)
				return touchResult{entry: created, created: true}, err
			}
			if !errors.Is(err, core.ErrDuplicateUser) {
				return touchResult{}, err
			}
			current, err = s.store.GetByUser(ctx, user)
		}
		if err != nil {
			return touchResult{}, err
		}
		if err := s.store.Update(ctx, stats.Apply(current)); err != nil {
			return touchResult{}, err
		}
		updated, err := s.store.GetByUser(ctx, user)
		return touchResult{entry: updated}, err
	})
	if err != nil {
		return core.Entry{}, err
	}
	if res.created {
		s.bus.Publish(ctx, core.NewEntryCreated(res.entry))
	}
	s.bus.Publish(ctx, core.NewStatsReconciled(res.entry))
	return res.entry, nil
}

func (s *LeaderboardService) GetEntry(ctx context.Context, user core.UserID) (core.Entry, error) {
	if err := core.ValidateUserID(user); err != nil {
		return core.Entry{}, err
	}
	return s.store.GetByUser(ctx, user)
}

// GetScore returns the user's current high score.
func (s *LeaderboardService) GetScore(ctx context.Context, user core.UserID) (int64, error) {
	e, err := s.GetEntry(ctx, user)
	if err != nil {
		return 0, err
	}
	return e.HighScore, nil
}

// GetAll returns every entry in ranking order.
func (s *LeaderboardService) GetAll(ctx context.Context) ([]core.Entry, error) {
	var out []core.Entry
	for e, err := range s.store.Scan(ctx, 0) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// GetRankWindow returns up to count entries starting at the 1-indexed position
// start. A start past the end of the ranking yields an empty result.
func (s *LeaderboardService) GetRankWindow(ctx context.Context, start, count int64) ([]core.RankedEntry, error) {
	if start < 1 {
		return nil, fmt.Errorf("%w: start position must be >= 1, got %d", core.ErrInvalidArgument, start)
	}
	if count < 0 {
		return nil, fmt.Errorf("%w: count must be >= 0, got %d", core.ErrInvalidArgument, count)
	}
	out := make([]core.RankedEntry, 0, min(count, PageSize))
	if count == 0 {
		return out, nil
	}
	for e, err := range s.store.Scan(ctx, start-1) {
		if err != nil {
			return nil, err
		}
		out = append(out, core.RankedEntry{Position: start + int64(len(out)), Entry: e})
		if int64(len(out)) == count {
			break
		}
	}
	return out, nil
}

func (s *LeaderboardService) GetTop(ctx context.Context, n int64) ([]core.RankedEntry, error) {
	return s.GetRankWindow(ctx, 1, n)
}

func (s *LeaderboardService) GetTopTen(ctx context.Context) ([]core.RankedEntry, error) {
	return s.GetTop(ctx, TopTenSize)
}

// GetPage returns PageSize entries starting at the 1-indexed position start.
func (s *LeaderboardService) GetPage(ctx context.Context, start int64) ([]core.RankedEntry, error) {
	return s.GetRankWindow(ctx, start, PageSize)
}

// GetFriendEntries returns the entries of user and friends. Ids without an
// entry are skipped; friendship itself is not checked here.
func (s *LeaderboardService) GetFriendEntries(ctx context.Context, user core.UserID, friends []core.UserID) ([]core.Entry, error) {
	if err := core.ValidateUserID(user); err != nil {
		return nil, err
	}
	seen := make(map[core.UserID]struct{}, len(friends)+1)
	out := make([]core.Entry, 0, len(friends)+1)
	for _, id := range append([]core.UserID{user}, friends...) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		e, err := s.store.GetByUser(ctx, id)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// GetPosition returns the user's entry with its 1-indexed ranking position.
func (s *LeaderboardService) GetPosition(ctx context.Context, user core.UserID) (core.RankedEntry, error) {
	e, err := s.GetEntry(ctx, user)
	if err != nil {
		return core.RankedEntry{}, err
	}
	if pf, ok := s.store.(PositionFinder); ok {
		pos, err := pf.Position(ctx, user)
		if err != nil {
			return core.RankedEntry{}, err
		}
		return core.RankedEntry{Position: pos, Entry: e}, nil
	}
	var pos int64
	for cur, err := range s.store.Scan(ctx, 0) {
		if err != nil {
			return core.RankedEntry{}, err
		}
		pos++
		if cur.UserID == user {
			return core.RankedEntry{Position: pos, Entry: cur}, nil
		}
	}
	return core.RankedEntry{}, core.ErrNotFound
}

// withRetry runs fn with exponential backoff. Domain errors and context
// cancellation stop immediately; exhausted retries wrap core.ErrStorageUnavailable.
func withRetry[T any](ctx context.Context, s *LeaderboardService, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialInterval
	b.MaxInterval = s.retry.MaxInterval

	var attempts uint
	v, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if core.IsDomainError(err) || ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		if attempts < s.retry.MaxAttempts {
			s.log.WarnContext(ctx, "retrying leaderboard write", "op", op, "attempt", attempts, "error", err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.retry.MaxAttempts))
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	if err == nil || core.IsDomainError(err) {
		return v, err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return v, err
	}
	s.log.ErrorContext(ctx, "leaderboard write failed", "op", op, "attempts", attempts, "error", err)
	return v, fmt.Errorf("%w: %s failed after %d attempts: %w", core.ErrStorageUnavailable, op, attempts, err)
}
