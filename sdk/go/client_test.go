package sdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "statboard/adapters/memory"
	"statboard/analytics"
	"statboard/api/httpapi"
	"statboard/core"
	"statboard/engine"
)

func TestClient_ScoresAndRanking(t *testing.T) {
	srv := newTestServer(t)
	client, err := NewClient(srv.URL + "/api/")
	require.NoError(t, err)
	ctx := context.Background()

	e, err := client.SubmitScore(ctx, 42, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(50), e.HighScore)

	_, err = client.SubmitScore(ctx, 42, 20)
	require.NoError(t, err)
	score, err := client.GetScore(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(50), score)

	_, err = client.SubmitScore(ctx, 7, 80)
	require.NoError(t, err)

	top, err := client.GetTop(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, core.UserID(7), top[0].Entry.UserID)

	window, err := client.GetRankWindow(ctx, 2, 5)
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, int64(2), window[0].Position)

	pos, err := client.GetPosition(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos.Position)

	friends, err := client.GetFriendEntries(ctx, 42, []core.UserID{7, 1000})
	require.NoError(t, err)
	assert.Len(t, friends, 2)

	entry, err := client.ReconcileStatistics(ctx, 42, core.Statistics{DailyStreak: 3, AverageDailyTime: 12.5})
	require.NoError(t, err)
	assert.Equal(t, int64(3), entry.LongestDailyStreak)
	assert.Equal(t, int64(50), entry.HighScore)

	got, err := client.GetEntry(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, entry.EntryID, got.EntryID)

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
}

func TestClient_ErrorsMapToSentinels(t *testing.T) {
	srv := newTestServer(t)
	client, err := NewClient(srv.URL + "/api")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.GetEntry(ctx, 404)
	assert.ErrorIs(t, err, core.ErrNotFound)
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	_, err = client.GetRankWindow(ctx, 0, 10)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	_, err = client.ReconcileStatistics(ctx, 1, core.Statistics{DailyStreak: -2})
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	_, err = client.SubmitScore(ctx, 0, 1)
	assert.ErrorIs(t, err, ErrInvalidUserID)
}

func TestClient_SessionAnalyticsFallsBackToSample(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	client, err := NewClient(srv.URL)
	require.NoError(t, err)
	client.now = func() time.Time { return now }

	_, err = client.SessionAnalytics(context.Background())
	require.Error(t, err)

	rows, sample := client.SessionAnalyticsOrSample(context.Background())
	assert.True(t, sample)
	assert.Equal(t, analytics.SampleSessions(now), rows)
}

func TestClient_SessionAnalytics(t *testing.T) {
	srv := newTestServer(t)
	client, err := NewClient(srv.URL + "/api")
	require.NoError(t, err)

	rows, sample := client.SessionAnalyticsOrSample(context.Background())
	assert.False(t, sample)
	assert.Empty(t, rows)
}

func TestClient_UnreachableIsStorageUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := NewClient(url, WithHTTPClient(&http.Client{Timeout: time.Second}))
	require.NoError(t, err)
	_, err = client.GetTop(context.Background(), 10)
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)
}

func TestClient_Headers(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Request-Source")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, WithHeader("X-Request-Source", "dashboard"))
	require.NoError(t, err)
	_, err = client.GetTop(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "dashboard", got)
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient("  ")
	assert.Error(t, err)
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	svc := engine.NewLeaderboardService(mem.New(), engine.NewEventBus(engine.DispatchSync))
	t.Cleanup(svc.Close)
	srv := httptest.NewServer(httpapi.NewMux(svc, httpapi.Options{
		PathPrefix: "/api",
		Sessions:   analytics.NewSessionLog(100),
	}))
	t.Cleanup(srv.Close)
	return srv
}
