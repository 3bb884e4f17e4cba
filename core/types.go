package core

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// UserID identifies a user. The user namespace is owned by the account system.
type UserID int64

// EntryID is the store-assigned surrogate identifier of an Entry.
type EntryID int64

var (
	ErrNotFound           = errors.New("leaderboard entry not found")
	ErrDuplicateUser      = errors.New("leaderboard entry already exists for user")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrConflict           = errors.New("storage conflict")
	ErrStorageUnavailable = errors.New("leaderboard storage unavailable")
)

// Entry is one user's leaderboard record.
type Entry struct {
	EntryID               EntryID   `json:"entry_id" db:"entry_id"`
	UserID                UserID    `json:"user_id" db:"user_id"`
	DailyStreak           int64     `json:"daily_streak" db:"daily_streak"`
	LongestDailyStreak    int64     `json:"longest_daily_streak" db:"longest_daily_streak"`
	AverageDailyGuesses   int64     `json:"average_daily_guesses" db:"average_daily_guesses"`
	AverageDailyTime      float64   `json:"average_daily_time" db:"average_daily_time"`
	LongestSurvivalStreak int64     `json:"longest_survival_streak" db:"longest_survival_streak"`
	HighScore             int64     `json:"high_score" db:"high_score"`
	CreatedAt             time.Time `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time `json:"updated_at" db:"updated_at"`
}

// NewEntry returns a fresh entry with every counter at zero except the high score.
func NewEntry(user UserID, score int64) Entry {
	return Entry{UserID: user, HighScore: score}
}

// RankedEntry pairs an entry with its 1-indexed position in the ranking.
type RankedEntry struct {
	Position int64 `json:"position"`
	Entry    Entry `json:"entry"`
}

// Statistics is a snapshot supplied by the statistics collector.
type Statistics struct {
	DailyStreak           int64   `json:"daily_streak"`
	LongestDailyStreak    int64   `json:"longest_daily_streak"`
	AverageDailyGuesses   int64   `json:"average_daily_guesses"`
	AverageDailyTime      float64 `json:"average_daily_time"`
	LongestSurvivalStreak int64   `json:"longest_survival_streak"`
}

// Validate rejects negative counters and non-finite averages.
func (s Statistics) Validate() error {
	switch {
	case s.DailyStreak < 0:
		return fmt.Errorf("%w: daily_streak must be >= 0", ErrInvalidArgument)
	case s.LongestDailyStreak < 0:
		return fmt.Errorf("%w: longest_daily_streak must be >= 0", ErrInvalidArgument)
	case s.AverageDailyGuesses < 0:
		return fmt.Errorf("%w: average_daily_guesses must be >= 0", ErrInvalidArgument)
	case s.LongestSurvivalStreak < 0:
		return fmt.Errorf("%w: longest_survival_streak must be >= 0", ErrInvalidArgument)
	case math.IsNaN(s.AverageDailyTime) || math.IsInf(s.AverageDailyTime, 0) || s.AverageDailyTime < 0:
		return fmt.Errorf("%w: average_daily_time must be a finite value >= 0", ErrInvalidArgument)
	}
	return nil
}

// Apply overwrites the statistics fields of e. The longest daily streak never
// shrinks and is never below the current daily streak.
func (s Statistics) Apply(e Entry) Entry {
	e.DailyStreak = s.DailyStreak
	e.AverageDailyGuesses = s.AverageDailyGuesses
	e.AverageDailyTime = s.AverageDailyTime
	e.LongestSurvivalStreak = s.LongestSurvivalStreak
	e.LongestDailyStreak = max(e.LongestDailyStreak, s.LongestDailyStreak, s.DailyStreak)
	return e
}

// Less reports whether a ranks ahead of b: higher score first, then older entry.
func Less(a, b Entry) bool {
	if a.HighScore == b.HighScore {
		return a.EntryID < b.EntryID
	}
	return a.HighScore > b.HighScore
}

// ValidateUserID rejects non-positive identifiers.
func ValidateUserID(id UserID) error {
	if id <= 0 {
		return fmt.Errorf("%w: user id must be positive, got %d", ErrInvalidArgument, id)
	}
	return nil
}

// IsDomainError reports whether err carries a non-retryable domain outcome.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrDuplicateUser)
}
