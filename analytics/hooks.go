package analytics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"statboard/core"
)

// Hook receives domain events for KPI aggregation.
type Hook interface {
	OnEvent(e core.Event)
}

// Subscriber is an event source such as engine.EventBus or engine.LeaderboardService.
type Subscriber interface {
	Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func()
}

// leaderboardEvents lists every event type a hook is attached to.
var leaderboardEvents = []core.EventType{
	core.EventScoreSubmitted,
	core.EventEntryCreated,
	core.EventHighScoreRaised,
	core.EventStatsReconciled,
}

// Attach subscribes h to all leaderboard events on src. The returned func detaches it.
func Attach(src Subscriber, h Hook) func() {
	unsubs := make([]func(), 0, len(leaderboardEvents))
	for _, typ := range leaderboardEvents {
		unsubs = append(unsubs, src.Subscribe(typ, func(_ context.Context, e core.Event) { h.OnEvent(e) }))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// ActivityMetrics counts leaderboard activity per day and tracks active users
// per day, ISO week and month.
type ActivityMetrics struct {
	mu sync.RWMutex

	dailyActiveUsers   map[string]map[core.UserID]struct{}
	weeklyActiveUsers  map[string]map[core.UserID]struct{}
	monthlyActiveUsers map[string]map[core.UserID]struct{}

	scoresSubmittedByDay  map[string]int64
	entriesCreatedByDay   map[string]int64
	highScoresRaisedByDay map[string]int64
	reconciledByDay       map[string]int64
	bestScoreByDay        map[string]int64

	// best high score seen per user, for the top-raisers report
	bestByUser map[core.UserID]int64
}

func NewActivityMetrics() *ActivityMetrics {
	return &ActivityMetrics{
		dailyActiveUsers:      make(map[string]map[core.UserID]struct{}),
		weeklyActiveUsers:     make(map[string]map[core.UserID]struct{}),
		monthlyActiveUsers:    make(map[string]map[core.UserID]struct{}),
		scoresSubmittedByDay:  make(map[string]int64),
		entriesCreatedByDay:   make(map[string]int64),
		highScoresRaisedByDay: make(map[string]int64),
		reconciledByDay:       make(map[string]int64),
		bestScoreByDay:        make(map[string]int64),
		bestByUser:            make(map[core.UserID]int64),
	}
}

func (m *ActivityMetrics) OnEvent(e core.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := dayKey(e.Time)
	m.trackUser(e.UserID, day, weekKey(e.Time), monthKey(e.Time))

	switch e.Type {
	case core.EventScoreSubmitted:
		m.scoresSubmittedByDay[day]++
		if best, ok := m.bestScoreByDay[day]; !ok || e.Score > best {
			m.bestScoreByDay[day] = e.Score
		}
	case core.EventEntryCreated:
		m.entriesCreatedByDay[day]++
		m.recordHigh(e)
	case core.EventHighScoreRaised:
		m.highScoresRaisedByDay[day]++
		m.recordHigh(e)
	case core.EventStatsReconciled:
		m.reconciledByDay[day]++
	}
}

func (m *ActivityMetrics) recordHigh(e core.Event) {
	if best, ok := m.bestByUser[e.UserID]; !ok || e.HighScore > best {
		m.bestByUser[e.UserID] = e.HighScore
	}
}

func (m *ActivityMetrics) trackUser(user core.UserID, day, week, month string) {
	add := func(idx map[string]map[core.UserID]struct{}, key string) {
		if idx[key] == nil {
			idx[key] = make(map[core.UserID]struct{})
		}
		idx[key][user] = struct{}{}
	}
	add(m.dailyActiveUsers, day)
	add(m.weeklyActiveUsers, week)
	add(m.monthlyActiveUsers, month)
}

func (m *ActivityMetrics) DailyActiveUsers(day string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.dailyActiveUsers[day])
}

func (m *ActivityMetrics) WeeklyActiveUsers(week string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.weeklyActiveUsers[week])
}

func (m *ActivityMetrics) MonthlyActiveUsers(month string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.monthlyActiveUsers[month])
}

// DayCounts is the activity recorded on one UTC day.
type DayCounts struct {
	ScoresSubmitted  int64 `json:"scores_submitted"`
	EntriesCreated   int64 `json:"entries_created"`
	HighScoresRaised int64 `json:"high_scores_raised"`
	Reconciliations  int64 `json:"reconciliations"`
	// nil when no score was submitted that day
	BestScore *int64 `json:"best_score,omitempty"`
}

func (m *ActivityMetrics) Day(day string) DayCounts {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := DayCounts{
		ScoresSubmitted:  m.scoresSubmittedByDay[day],
		EntriesCreated:   m.entriesCreatedByDay[day],
		HighScoresRaised: m.highScoresRaisedByDay[day],
		Reconciliations:  m.reconciledByDay[day],
	}
	if best, ok := m.bestScoreByDay[day]; ok {
		c.BestScore = &best
	}
	return c
}

// UserScore pairs a user with the best high score observed in events.
type UserScore struct {
	UserID    core.UserID `json:"user_id"`
	HighScore int64       `json:"high_score"`
}

// TopRaisers returns up to limit users by best observed high score, ties by
// user id. It only reflects events seen since the process started.
func (m *ActivityMetrics) TopRaisers(limit int) []UserScore {
	m.mu.RLock()
	out := make([]UserScore, 0, len(m.bestByUser))
	for u, s := range m.bestByUser {
		out = append(out, UserScore{UserID: u, HighScore: s})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].HighScore != out[j].HighScore {
			return out[i].HighScore > out[j].HighScore
		}
		return out[i].UserID < out[j].UserID
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func weekKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
