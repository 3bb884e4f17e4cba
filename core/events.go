package core

import "time"

// EventType enumerates leaderboard domain events.
type EventType string

const (
	EventEntryCreated    EventType = "entry_created"
	EventHighScoreRaised EventType = "high_score_raised"
	EventStatsReconciled EventType = "statistics_reconciled"
	EventScoreSubmitted  EventType = "score_submitted"
)

// Event represents an immutable domain event.
type Event struct {
	Type      EventType      `json:"type"`
	Time      time.Time      `json:"time"`
	UserID    UserID         `json:"user_id"`
	EntryID   EntryID        `json:"entry_id,omitempty"`
	Score     int64          `json:"score,omitempty"`
	HighScore int64          `json:"high_score,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewEntryCreated(e Entry) Event {
	return Event{Type: EventEntryCreated, Time: time.Now().UTC(), UserID: e.UserID, EntryID: e.EntryID, HighScore: e.HighScore}
}

func NewScoreSubmitted(user UserID, score int64) Event {
	return Event{Type: EventScoreSubmitted, Time: time.Now().UTC(), UserID: user, Score: score}
}

func NewHighScoreRaised(e Entry) Event {
	return Event{Type: EventHighScoreRaised, Time: time.Now().UTC(), UserID: e.UserID, EntryID: e.EntryID, HighScore: e.HighScore}
}

func NewStatsReconciled(e Entry) Event {
	return Event{Type: EventStatsReconciled, Time: time.Now().UTC(), UserID: e.UserID, EntryID: e.EntryID, HighScore: e.HighScore}
}
