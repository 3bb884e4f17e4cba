package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "statboard/adapters/memory"
	"statboard/analytics"
	"statboard/core"
	"statboard/engine"
)

func TestSubmitScoreCreatesAndKeepsMax(t *testing.T) {
	handler := NewMux(newTestService(t, mem.New()), Options{PathPrefix: "/api"})

	rec := do(t, handler, http.MethodPost, "/api/users/42/scores?score=50", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var e core.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Equal(t, core.UserID(42), e.UserID)
	assert.Equal(t, int64(50), e.HighScore)

	do(t, handler, http.MethodPost, "/api/users/42/scores?score=30", "")
	rec = do(t, handler, http.MethodGet, "/api/users/42/score", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":42,"score":50}`, rec.Body.String())
}

func TestSubmitScoreValidation(t *testing.T) {
	handler := NewMux(newTestService(t, mem.New()), Options{PathPrefix: "/api"})

	rec := do(t, handler, http.MethodPost, "/api/users/42/scores?score=bad", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, handler, http.MethodPost, "/api/users/abc/scores?score=1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_argument", errorCode(t, rec))

	rec = do(t, handler, http.MethodPost, "/api/users/0/scores?score=1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReconcileStatistics(t *testing.T) {
	handler := NewMux(newTestService(t, mem.New()), Options{PathPrefix: "/api"})

	body := `{"daily_streak":4,"longest_daily_streak":2,"average_daily_guesses":3,"average_daily_time":41.5,"longest_survival_streak":9}`
	rec := do(t, handler, http.MethodPut, "/api/users/7/statistics", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var e core.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Equal(t, int64(4), e.LongestDailyStreak)
	assert.Equal(t, 41.5, e.AverageDailyTime)
	assert.Equal(t, int64(0), e.HighScore)

	rec = do(t, handler, http.MethodPut, "/api/users/7/statistics", `{"daily_streak":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, handler, http.MethodPut, "/api/users/7/statistics", `{"bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEntryNotFound(t *testing.T) {
	handler := NewMux(newTestService(t, mem.New()), Options{PathPrefix: "/api"})

	for _, path := range []string{"/api/users/99/entry", "/api/users/99/score", "/api/users/99/position"} {
		rec := do(t, handler, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, "not_found", errorCode(t, rec), path)
	}
}

func TestLeaderboardWindowAndTop(t *testing.T) {
	svc := newTestService(t, mem.New())
	handler := NewMux(svc, Options{})
	ctx := context.Background()
	for i, score := range []int64{10, 30, 20, 30} {
		_, err := svc.CreateOrTouch(ctx, core.UserID(i+1), score)
		require.NoError(t, err)
	}

	rec := do(t, handler, http.MethodGet, "/leaderboard/top?n=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var top []core.RankedEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &top))
	require.Len(t, top, 3)
	assert.Equal(t, []core.UserID{2, 4, 3}, []core.UserID{top[0].Entry.UserID, top[1].Entry.UserID, top[2].Entry.UserID})
	assert.Equal(t, int64(1), top[0].Position)

	rec = do(t, handler, http.MethodGet, "/leaderboard?start=4&count=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tail []core.RankedEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tail))
	require.Len(t, tail, 1)
	assert.Equal(t, int64(4), tail[0].Position)
	assert.Equal(t, core.UserID(1), tail[0].Entry.UserID)

	rec = do(t, handler, http.MethodGet, "/leaderboard?start=0&count=10", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, handler, http.MethodGet, "/leaderboard?start=1&count=251", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_argument", errorCode(t, rec))
	rec = do(t, handler, http.MethodGet, "/leaderboard?start=1&count=250", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, handler, http.MethodGet, "/leaderboard/top?n=1000000000", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, handler, http.MethodGet, "/leaderboard?start=1000&count=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, handler, http.MethodGet, "/users/3/position", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pos core.RankedEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pos))
	assert.Equal(t, int64(3), pos.Position)
}

func TestFriends(t *testing.T) {
	svc := newTestService(t, mem.New())
	handler := NewMux(svc, Options{})
	ctx := context.Background()
	for _, u := range []core.UserID{1, 2, 3} {
		_, err := svc.CreateOrTouch(ctx, u, int64(u))
		require.NoError(t, err)
	}

	rec := do(t, handler, http.MethodGet, "/users/1/friends?ids=3,99,3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []core.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, core.UserID(1), entries[0].UserID)
	assert.Equal(t, core.UserID(3), entries[1].UserID)

	rec = do(t, handler, http.MethodGet, "/users/1/friends?ids=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionAnalyticsRoutes(t *testing.T) {
	log := analytics.NewSessionLog(0)
	handler := NewMux(newTestService(t, mem.New()), Options{PathPrefix: "/api", Sessions: log})

	rec := do(t, handler, http.MethodGet, "/api/session-analytics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	require.Equal(t, http.StatusNoContent, do(t, handler, http.MethodPost, "/api/users/5/sessions/start", "").Code)
	rec = do(t, handler, http.MethodPost, "/api/users/5/sessions/end", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := `{"user_id":null,"session_date":"2024-05-01","session_start":"2024-05-01T09:00:00Z","session_end":null,"session_length":null}`
	require.Equal(t, http.StatusNoContent, do(t, handler, http.MethodPost, "/api/session-analytics", body).Code)

	rec = do(t, handler, http.MethodGet, "/api/session-analytics", "")
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, float64(5), rows[0]["user_id"])
	assert.NotNil(t, rows[0]["session_length"])
	assert.Nil(t, rows[1]["user_id"])
	assert.Nil(t, rows[1]["session_end"])

	rec = do(t, handler, http.MethodPost, "/api/users/6/sessions/end", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActivityRoute(t *testing.T) {
	svc := newTestService(t, mem.New())
	metrics := analytics.NewActivityMetrics()
	analytics.Attach(svc, metrics)
	activity := analytics.NewAggregationEngine(metrics, time.Hour, nil)
	handler := NewMux(svc, Options{Activity: activity})

	_, err := svc.CreateOrTouch(context.Background(), 1, 12)
	require.NoError(t, err)

	rec := do(t, handler, http.MethodGet, "/analytics/activity?period=daily", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []analytics.AggregatedData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].ScoresSubmitted)
	assert.Equal(t, int64(1), rows[0].EntriesCreated)
	assert.Equal(t, 1, rows[0].ActiveUsers)

	rec = do(t, handler, http.MethodGet, "/analytics/activity?period=hourly", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTopRaisersRoute(t *testing.T) {
	svc := newTestService(t, mem.New())
	activity := analytics.NewAggregationEngine(analytics.NewActivityMetrics(), time.Hour, nil)
	analytics.Attach(svc, activity)
	handler := NewMux(svc, Options{Activity: activity})
	ctx := context.Background()

	for user, score := range map[core.UserID]int64{1: -5, 2: 40, 3: 15} {
		_, err := svc.CreateOrTouch(ctx, user, score)
		require.NoError(t, err)
	}
	_, err := svc.CreateOrTouch(ctx, 3, 90)
	require.NoError(t, err)

	rec := do(t, handler, http.MethodGet, "/analytics/top-raisers?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []analytics.UserScore
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	assert.Equal(t, []analytics.UserScore{{UserID: 3, HighScore: 90}, {UserID: 2, HighScore: 40}}, rows)

	rec = do(t, handler, http.MethodGet, "/analytics/top-raisers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 3)
	assert.Equal(t, analytics.UserScore{UserID: 1, HighScore: -5}, rows[2])

	assert.Equal(t, http.StatusBadRequest, do(t, handler, http.MethodGet, "/analytics/top-raisers?limit=-1", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, handler, http.MethodGet, "/analytics/top-raisers?limit=251", "").Code)

	handler = NewMux(svc, Options{})
	assert.Equal(t, http.StatusNotFound, do(t, handler, http.MethodGet, "/analytics/top-raisers", "").Code)
}

func TestSessionStoreFailureMapsTo503(t *testing.T) {
	handler := NewMux(newTestService(t, mem.New()), Options{Sessions: brokenSessions{}})

	rec := do(t, handler, http.MethodGet, "/session-analytics", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "storage_unavailable", errorCode(t, rec))

	rec = do(t, handler, http.MethodPost, "/users/3/sessions/start", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStorageFailureMapsTo503(t *testing.T) {
	handler := NewMux(newTestService(t, brokenStore{}), Options{})

	rec := do(t, handler, http.MethodPost, "/users/1/scores?score=5", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "storage_unavailable", errorCode(t, rec))

	rec = do(t, handler, http.MethodGet, "/leaderboard/top", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, handler, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unhealthy")
}

func TestHealthy(t *testing.T) {
	handler := NewMux(newTestService(t, mem.New()), Options{PathPrefix: "/api/"})
	rec := do(t, handler, http.MethodGet, "/api/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestUnknownRoute(t *testing.T) {
	handler := NewMux(newTestService(t, mem.New()), Options{PathPrefix: "/api"})
	rec := do(t, handler, http.MethodGet, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	handler := NewMux(newTestService(t, mem.New()), Options{AllowCORSOrigin: "*"})
	rec := do(t, handler, http.MethodOptions, "/leaderboard", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestID(t *testing.T) {
	handler := NewMux(newTestService(t, mem.New()), Options{})

	rec := do(t, handler, http.MethodGet, "/leaderboard/top", "")
	minted := rec.Header().Get(RequestIDHeader)
	_, err := uuid.Parse(minted)
	assert.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/users/9/entry", nil)
	req.Header.Set(RequestIDHeader, "trace-abc")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "trace-abc", rec.Header().Get(RequestIDHeader))
}

func TestRateLimit(t *testing.T) {
	handler := NewMux(newTestService(t, mem.New()), Options{
		PathPrefix:       "/api",
		RateLimitEnabled: true,
		RateLimitRPM:     1,
		RateLimitBurst:   1,
	})

	rec1 := do(t, handler, http.MethodGet, "/api/leaderboard/top", "")
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected 200 first request, got %d", rec1.Code)
	}

	rec2 := do(t, handler, http.MethodGet, "/api/leaderboard/top", "")
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec2.Code)
	}
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newRateLimiter(1, 2)
	l.now = func() time.Time { return clock }

	assert.True(t, l.allow("drained"))
	assert.True(t, l.allow("drained"))
	assert.False(t, l.allow("drained"))
	assert.True(t, l.allow("idle"))
	require.Len(t, l.b, 2)

	clock = clock.Add(61 * time.Second)
	assert.True(t, l.allow("fresh"))
	assert.NotContains(t, l.b, "idle")
	assert.Contains(t, l.b, "drained")
	assert.Contains(t, l.b, "fresh")

	// the drained client refilled one token, not a full burst
	assert.True(t, l.allow("drained"))
	assert.False(t, l.allow("drained"))
}

func newTestService(t *testing.T, store engine.EntryStore) *engine.LeaderboardService {
	t.Helper()
	svc := engine.NewLeaderboardService(store, engine.NewEventBus(engine.DispatchSync),
		engine.WithRetryPolicy(engine.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}))
	t.Cleanup(svc.Close)
	return svc
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var e APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e.Code
}

var errDown = errors.New("connection refused")

// brokenStore fails every call the way an unreachable database would.
type brokenStore struct{}

func (brokenStore) GetByUser(context.Context, core.UserID) (core.Entry, error) {
	return core.Entry{}, errDown
}

func (brokenStore) Insert(context.Context, core.Entry) (core.EntryID, error) { return 0, errDown }

func (brokenStore) Update(context.Context, core.Entry) error { return errDown }

func (brokenStore) RaiseHighScore(context.Context, core.UserID, int64) (core.Entry, bool, error) {
	return core.Entry{}, false, errDown
}

func (brokenStore) Scan(context.Context, int64) iter.Seq2[core.Entry, error] {
	return func(yield func(core.Entry, error) bool) { yield(core.Entry{}, errDown) }
}

// brokenSessions fails every call like an unreachable session backend.
type brokenSessions struct{}

func (brokenSessions) Start(core.UserID, time.Time) error { return errDown }

func (brokenSessions) End(core.UserID, time.Time) (analytics.SessionRecord, error) {
	return analytics.SessionRecord{}, errDown
}

func (brokenSessions) Append(analytics.SessionRecord) error { return errDown }

func (brokenSessions) Sessions(context.Context) ([]analytics.SessionRecord, error) {
	return nil, errDown
}
