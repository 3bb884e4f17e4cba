package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"statboard/core"
)

// AggregationPeriod represents different time periods for aggregation
type AggregationPeriod string

const (
	PeriodDaily   AggregationPeriod = "daily"
	PeriodWeekly  AggregationPeriod = "weekly"
	PeriodMonthly AggregationPeriod = "monthly"
)

// ParsePeriod accepts daily, weekly or monthly.
func ParsePeriod(s string) (AggregationPeriod, error) {
	switch p := AggregationPeriod(s); p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown period %q", core.ErrInvalidArgument, s)
}

// AggregatedData is a rollup of leaderboard activity over one period.
type AggregatedData struct {
	Period    AggregationPeriod `json:"period"`
	Key       string            `json:"key"` // e.g., "2024-01-01" for daily, "2024-W01" for weekly
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time"`

	ActiveUsers int `json:"active_users"`
	DayCounts

	CreatedAt time.Time `json:"created_at"`
}

// AggregationEngine handles periodic aggregation of analytics data
type AggregationEngine struct {
	mu sync.RWMutex

	metrics *ActivityMetrics
	logger  *slog.Logger

	aggregations map[AggregationPeriod]map[string]*AggregatedData

	aggregationInterval time.Duration
	now                 func() time.Time
}

func NewAggregationEngine(metrics *ActivityMetrics, aggregationInterval time.Duration, logger *slog.Logger) *AggregationEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &AggregationEngine{
		metrics: metrics,
		logger:  logger,
		aggregations: map[AggregationPeriod]map[string]*AggregatedData{
			PeriodDaily:   {},
			PeriodWeekly:  {},
			PeriodMonthly: {},
		},
		aggregationInterval: aggregationInterval,
		now:                 func() time.Time { return time.Now().UTC() },
	}
}

// OnEvent forwards events to the underlying metrics hook
func (ae *AggregationEngine) OnEvent(e core.Event) {
	ae.metrics.OnEvent(e)
}

// AggregateNow rolls up the current day, week and month.
func (ae *AggregationEngine) AggregateNow() {
	ae.AggregateAt(ae.now())
}

// AggregateAt rolls up the day, week and month containing now.
func (ae *AggregationEngine) AggregateAt(now time.Time) {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	// Monday-based ISO week
	offset := (int(day.Weekday()) + 6) % 7
	weekStart := day.AddDate(0, 0, -offset)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	daily := ae.rollup(PeriodDaily, dayKey(now), day, day.AddDate(0, 0, 1), now)
	daily.ActiveUsers = ae.metrics.DailyActiveUsers(daily.Key)

	weekly := ae.rollup(PeriodWeekly, weekKey(now), weekStart, weekStart.AddDate(0, 0, 7), now)
	weekly.ActiveUsers = ae.metrics.WeeklyActiveUsers(weekly.Key)

	monthly := ae.rollup(PeriodMonthly, monthKey(now), monthStart, monthStart.AddDate(0, 1, 0), now)
	monthly.ActiveUsers = ae.metrics.MonthlyActiveUsers(monthly.Key)

	ae.mu.Lock()
	defer ae.mu.Unlock()
	for _, d := range []*AggregatedData{daily, weekly, monthly} {
		ae.aggregations[d.Period][d.Key] = d
	}
}

func (ae *AggregationEngine) rollup(period AggregationPeriod, key string, start, end, now time.Time) *AggregatedData {
	data := &AggregatedData{Period: period, Key: key, StartTime: start, EndTime: end, CreatedAt: now}
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		c := ae.metrics.Day(dayKey(d))
		data.ScoresSubmitted += c.ScoresSubmitted
		data.EntriesCreated += c.EntriesCreated
		data.HighScoresRaised += c.HighScoresRaised
		data.Reconciliations += c.Reconciliations
		if c.BestScore != nil && (data.BestScore == nil || *c.BestScore > *data.BestScore) {
			data.BestScore = c.BestScore
		}
	}
	return data
}

// GetAggregatedData returns aggregated data for a specific period and key
func (ae *AggregationEngine) GetAggregatedData(period AggregationPeriod, key string) (*AggregatedData, bool) {
	ae.mu.RLock()
	defer ae.mu.RUnlock()
	data, ok := ae.aggregations[period][key]
	return data, ok
}

// GetAllAggregatedData returns all rollups for a period, oldest first.
func (ae *AggregationEngine) GetAllAggregatedData(period AggregationPeriod) []*AggregatedData {
	ae.mu.RLock()
	defer ae.mu.RUnlock()

	result := make([]*AggregatedData, 0, len(ae.aggregations[period]))
	for _, data := range ae.aggregations[period] {
		result = append(result, data)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartTime.Before(result[j].StartTime) })
	return result
}

// Start aggregates on every tick until ctx is done.
func (ae *AggregationEngine) Start(ctx context.Context) {
	ticker := time.NewTicker(ae.aggregationInterval)
	defer ticker.Stop()

	ae.AggregateNow()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ae.AggregateNow()
			ae.logger.Debug("analytics aggregated", "period_count", len(ae.GetAllAggregatedData(PeriodDaily)))
		}
	}
}

// TopRaisers returns the users with the best high scores observed in events.
func (ae *AggregationEngine) TopRaisers(limit int) []UserScore {
	return ae.metrics.TopRaisers(limit)
}

// ExportData exports aggregated data to JSON format
func (ae *AggregationEngine) ExportData(period AggregationPeriod) ([]byte, error) {
	return json.MarshalIndent(ae.GetAllAggregatedData(period), "", "  ")
}
