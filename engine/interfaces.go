package engine

import (
	"context"
	"iter"

	"statboard/core"
)

// EntryStore abstracts durable persistence of leaderboard entries.
type EntryStore interface {
	// GetByUser returns core.ErrNotFound when the user has no entry.
	GetByUser(ctx context.Context, user core.UserID) (core.Entry, error)
	// Insert assigns the entry id and returns core.ErrDuplicateUser when the
	// user already has an entry.
	Insert(ctx context.Context, entry core.Entry) (core.EntryID, error)
	// Update writes the statistics fields of the entry identified by
	// entry.EntryID. HighScore and LongestDailyStreak are stored as the max of
	// the stored and given values. Returns core.ErrNotFound for unknown ids.
	Update(ctx context.Context, entry core.Entry) error
	// RaiseHighScore atomically sets high_score = score where high_score < score.
	// raised reports whether the stored value changed.
	RaiseHighScore(ctx context.Context, user core.UserID, score int64) (entry core.Entry, raised bool, err error)
	// Scan yields entries in ranking order starting at the 0-indexed offset.
	// Each call re-reads current state.
	Scan(ctx context.Context, offset int64) iter.Seq2[core.Entry, error]
}

// PositionFinder is implemented by stores that can compute a user's ranking
// position without a full scan. Positions are 1-indexed.
type PositionFinder interface {
	Position(ctx context.Context, user core.UserID) (int64, error)
}
