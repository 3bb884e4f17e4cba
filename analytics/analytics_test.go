package analytics

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statboard/core"
	"statboard/engine"
)

func TestActivityMetrics_OnEvent(t *testing.T) {
	metrics := NewActivityMetrics()
	now := time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)

	metrics.OnEvent(core.Event{Type: core.EventScoreSubmitted, UserID: 1, Score: 40, Time: now})
	metrics.OnEvent(core.Event{Type: core.EventEntryCreated, UserID: 1, HighScore: 40, Time: now})
	metrics.OnEvent(core.Event{Type: core.EventScoreSubmitted, UserID: 2, Score: 90, Time: now})
	metrics.OnEvent(core.Event{Type: core.EventHighScoreRaised, UserID: 2, HighScore: 90, Time: now})
	metrics.OnEvent(core.Event{Type: core.EventStatsReconciled, UserID: 2, Time: now})

	day := metrics.Day("2024-01-03")
	assert.Equal(t, int64(2), day.ScoresSubmitted)
	assert.Equal(t, int64(1), day.EntriesCreated)
	assert.Equal(t, int64(1), day.HighScoresRaised)
	assert.Equal(t, int64(1), day.Reconciliations)
	require.NotNil(t, day.BestScore)
	assert.Equal(t, int64(90), *day.BestScore)
	assert.Equal(t, 2, metrics.DailyActiveUsers("2024-01-03"))
	assert.Equal(t, 2, metrics.WeeklyActiveUsers("2024-W01"))
	assert.Equal(t, 2, metrics.MonthlyActiveUsers("2024-01"))

	assert.Equal(t, []UserScore{{UserID: 2, HighScore: 90}, {UserID: 1, HighScore: 40}}, metrics.TopRaisers(5))
	assert.Len(t, metrics.TopRaisers(1), 1)
}

func TestAggregationEngine_WeeklyMonthly(t *testing.T) {
	metrics := NewActivityMetrics()

	base := time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC) // Wednesday
	evs := []core.Event{
		{Type: core.EventScoreSubmitted, UserID: 1, Score: 10, Time: base},
		{Type: core.EventScoreSubmitted, UserID: 2, Score: 20, Time: base.AddDate(0, 0, 1)},
		{Type: core.EventEntryCreated, UserID: 2, HighScore: 20, Time: base.AddDate(0, 0, 1)},
		{Type: core.EventScoreSubmitted, UserID: 1, Score: 5, Time: base.AddDate(0, 0, 30)},
	}
	for _, ev := range evs {
		metrics.OnEvent(ev)
	}

	ae := NewAggregationEngine(metrics, time.Hour, nil)
	ae.AggregateAt(base)

	daily, ok := ae.GetAggregatedData(PeriodDaily, "2024-01-03")
	require.True(t, ok)
	assert.Equal(t, int64(1), daily.ScoresSubmitted)
	assert.Equal(t, 1, daily.ActiveUsers)

	weekly, ok := ae.GetAggregatedData(PeriodWeekly, "2024-W01")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), weekly.StartTime)
	assert.Equal(t, int64(2), weekly.ScoresSubmitted)
	assert.Equal(t, int64(1), weekly.EntriesCreated)
	require.NotNil(t, weekly.BestScore)
	assert.Equal(t, int64(20), *weekly.BestScore)
	assert.Equal(t, 2, weekly.ActiveUsers)

	monthly, ok := ae.GetAggregatedData(PeriodMonthly, "2024-01")
	require.True(t, ok)
	assert.Equal(t, int64(2), monthly.ScoresSubmitted)

	_, ok = ae.GetAggregatedData(PeriodDaily, "2024-02-02")
	assert.False(t, ok)
}

func TestAggregationEngine_Export(t *testing.T) {
	metrics := NewActivityMetrics()
	ae := NewAggregationEngine(metrics, time.Hour, nil)
	ae.AggregateAt(time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
	ae.AggregateAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	all := ae.GetAllAggregatedData(PeriodDaily)
	require.Len(t, all, 2)
	assert.Equal(t, "2024-01-01", all[0].Key)

	raw, err := ae.ExportData(PeriodDaily)
	require.NoError(t, err)
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "2024-01-03", decoded[1]["key"])
	assert.Contains(t, decoded[0], "scores_submitted")
	assert.NotContains(t, decoded[0], "best_score")
}

func TestActivityMetrics_NegativeScores(t *testing.T) {
	metrics := NewActivityMetrics()
	now := time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)

	metrics.OnEvent(core.Event{Type: core.EventScoreSubmitted, UserID: 1, Score: -40, Time: now})
	metrics.OnEvent(core.Event{Type: core.EventEntryCreated, UserID: 1, HighScore: -40, Time: now})
	metrics.OnEvent(core.Event{Type: core.EventScoreSubmitted, UserID: 2, Score: -90, Time: now})
	metrics.OnEvent(core.Event{Type: core.EventEntryCreated, UserID: 2, HighScore: -90, Time: now})
	metrics.OnEvent(core.Event{Type: core.EventScoreSubmitted, UserID: 2, Score: -70, Time: now.AddDate(0, 0, 1)})
	metrics.OnEvent(core.Event{Type: core.EventHighScoreRaised, UserID: 2, HighScore: -70, Time: now.AddDate(0, 0, 1)})

	assert.Equal(t, []UserScore{{UserID: 1, HighScore: -40}, {UserID: 2, HighScore: -70}}, metrics.TopRaisers(-1))

	ae := NewAggregationEngine(metrics, time.Hour, nil)
	ae.AggregateAt(now)

	daily, ok := ae.GetAggregatedData(PeriodDaily, "2024-01-03")
	require.True(t, ok)
	require.NotNil(t, daily.BestScore)
	assert.Equal(t, int64(-40), *daily.BestScore)

	weekly, ok := ae.GetAggregatedData(PeriodWeekly, "2024-W01")
	require.True(t, ok)
	require.NotNil(t, weekly.BestScore)
	assert.Equal(t, int64(-40), *weekly.BestScore)

	// a day without submissions has no best score
	ae.AggregateAt(now.AddDate(0, 0, 3))
	quiet, ok := ae.GetAggregatedData(PeriodDaily, "2024-01-06")
	require.True(t, ok)
	assert.Nil(t, quiet.BestScore)
}

func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod("weekly")
	require.NoError(t, err)
	assert.Equal(t, PeriodWeekly, p)

	_, err = ParsePeriod("hourly")
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestAttach_ReceivesServiceEvents(t *testing.T) {
	bus := engine.NewEventBus(engine.DispatchSync)
	defer bus.Close()

	metrics := NewActivityMetrics()
	detach := Attach(bus, metrics)

	now := time.Now().UTC()
	bus.Publish(context.Background(), core.Event{Type: core.EventScoreSubmitted, UserID: 7, Score: 3, Time: now})
	bus.Publish(context.Background(), core.Event{Type: core.EventStatsReconciled, UserID: 8, Time: now})

	today := now.Format("2006-01-02")
	assert.Equal(t, 2, metrics.DailyActiveUsers(today))
	assert.Equal(t, int64(1), metrics.Day(today).Reconciliations)

	detach()
	bus.Publish(context.Background(), core.Event{Type: core.EventScoreSubmitted, UserID: 9, Time: now})
	assert.Equal(t, 2, metrics.DailyActiveUsers(today))
}

func BenchmarkActivityMetrics(b *testing.B) {
	metrics := NewActivityMetrics()
	event := core.Event{Type: core.EventScoreSubmitted, UserID: 1, Score: 10, Time: time.Now()}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		metrics.OnEvent(event)
	}
}
