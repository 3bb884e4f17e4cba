package memory

import (
	"context"
	"iter"
	"sync"
	"time"

	"statboard/core"
	"statboard/engine"
	"statboard/leaderboard"
)

const defaultBatchSize = 256

// Store is a concurrent in-memory EntryStore. Entries are held by value, so
// readers never observe a partially written entry.
type Store struct {
	mu      sync.RWMutex
	nextID  core.EntryID
	byID    map[core.EntryID]core.UserID
	ranking *leaderboard.SkipList
	batch   int
	now     func() time.Time
}

func New() *Store {
	return &Store{
		byID:    map[core.EntryID]core.UserID{},
		ranking: leaderboard.NewSkipList(),
		batch:   defaultBatchSize,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// NewFromEntries rebuilds a store from previously persisted entries.
func NewFromEntries(entries []core.Entry) *Store {
	s := New()
	for _, e := range entries {
		s.byID[e.EntryID] = e.UserID
		s.ranking.Upsert(e)
		if e.EntryID > s.nextID {
			s.nextID = e.EntryID
		}
	}
	return s
}

// WithBatchSize sets how many entries Scan reads per lock acquisition.
func (s *Store) WithBatchSize(n int) *Store {
	if n > 0 {
		s.batch = n
	}
	return s
}

func (s *Store) GetByUser(_ context.Context, user core.UserID) (core.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.ranking.Get(user)
	if !ok {
		return core.Entry{}, core.ErrNotFound
	}
	return e, nil
}

func (s *Store) Insert(_ context.Context, entry core.Entry) (core.EntryID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ranking.Get(entry.UserID); ok {
		return 0, core.ErrDuplicateUser
	}
	s.nextID++
	entry.EntryID = s.nextID
	entry.CreatedAt = s.now()
	entry.UpdatedAt = entry.CreatedAt
	s.byID[entry.EntryID] = entry.UserID
	s.ranking.Upsert(entry)
	return entry.EntryID, nil
}

func (s *Store) Update(_ context.Context, entry core.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.byID[entry.EntryID]
	if !ok {
		return core.ErrNotFound
	}
	stored, _ := s.ranking.Get(user)
	stored.DailyStreak = entry.DailyStreak
	stored.LongestDailyStreak = max(stored.LongestDailyStreak, entry.LongestDailyStreak)
	stored.AverageDailyGuesses = entry.AverageDailyGuesses
	stored.AverageDailyTime = entry.AverageDailyTime
	stored.LongestSurvivalStreak = entry.LongestSurvivalStreak
	stored.HighScore = max(stored.HighScore, entry.HighScore)
	stored.UpdatedAt = s.now()
	s.ranking.Upsert(stored)
	return nil
}

func (s *Store) RaiseHighScore(_ context.Context, user core.UserID, score int64) (core.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.ranking.Get(user)
	if !ok {
		return core.Entry{}, false, core.ErrNotFound
	}
	if stored.HighScore >= score {
		return stored, false, nil
	}
	stored.HighScore = score
	stored.UpdatedAt = s.now()
	s.ranking.Upsert(stored)
	return stored, true, nil
}

// Scan reads the ranking in batches; no lock is held while yielding.
func (s *Store) Scan(ctx context.Context, offset int64) iter.Seq2[core.Entry, error] {
	return func(yield func(core.Entry, error) bool) {
		for pos := int(max(offset, 0)); ; {
			if err := ctx.Err(); err != nil {
				yield(core.Entry{}, err)
				return
			}
			s.mu.RLock()
			batch := s.ranking.Range(pos, s.batch)
			s.mu.RUnlock()
			for _, e := range batch {
				if !yield(e, nil) {
					return
				}
			}
			if len(batch) < s.batch {
				return
			}
			pos += len(batch)
		}
	}
}

func (s *Store) Position(_ context.Context, user core.UserID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rank, ok := s.ranking.Rank(user)
	if !ok {
		return 0, core.ErrNotFound
	}
	return int64(rank), nil
}

// Entries returns a copy of every entry in ranking order.
func (s *Store) Entries() []core.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ranking.Range(0, s.ranking.Len())
}

// NextID reports the last assigned entry id.
func (s *Store) NextID() core.EntryID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID
}

var (
	_ engine.EntryStore     = (*Store)(nil)
	_ engine.PositionFinder = (*Store)(nil)
)
