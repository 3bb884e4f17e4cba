package core

import (
	"errors"
	"math"
	"testing"
)

func TestStatisticsValidate(t *testing.T) {
	if err := (Statistics{DailyStreak: 3, LongestDailyStreak: 5, AverageDailyTime: 12.5}).Validate(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	bad := []Statistics{
		{DailyStreak: -1},
		{LongestDailyStreak: -1},
		{AverageDailyGuesses: -2},
		{LongestSurvivalStreak: -3},
		{AverageDailyTime: math.NaN()},
		{AverageDailyTime: math.Inf(1)},
		{AverageDailyTime: -0.5},
	}
	for _, s := range bad {
		if err := s.Validate(); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("expected invalid argument for %+v, got %v", s, err)
		}
	}
}

func TestStatisticsApplyKeepsLongestStreak(t *testing.T) {
	e := Entry{EntryID: 1, UserID: 7, LongestDailyStreak: 9, HighScore: 40}
	got := Statistics{DailyStreak: 4, LongestDailyStreak: 2, AverageDailyGuesses: 3, AverageDailyTime: 30}.Apply(e)
	if got.LongestDailyStreak != 9 || got.DailyStreak != 4 || got.HighScore != 40 {
		t.Fatalf("unexpected entry: %+v", got)
	}
	got = Statistics{DailyStreak: 12, LongestDailyStreak: 10}.Apply(e)
	if got.LongestDailyStreak != 12 {
		t.Fatalf("longest streak should follow daily streak, got %d", got.LongestDailyStreak)
	}
}

func TestLessOrdersByScoreThenEntryID(t *testing.T) {
	a := Entry{EntryID: 1, HighScore: 50}
	b := Entry{EntryID: 2, HighScore: 90}
	c := Entry{EntryID: 3, HighScore: 90}
	if !Less(b, a) || !Less(b, c) || Less(c, b) || !Less(c, a) {
		t.Fatal("unexpected ordering")
	}
}

func TestValidateUserID(t *testing.T) {
	if err := ValidateUserID(42); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := ValidateUserID(0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestIsDomainError(t *testing.T) {
	if !IsDomainError(ErrNotFound) || IsDomainError(ErrConflict) || IsDomainError(errors.New("boom")) {
		t.Fatal("unexpected classification")
	}
}
