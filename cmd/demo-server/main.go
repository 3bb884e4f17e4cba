package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/lmittmann/tint"

	mem "statboard/adapters/memory"
	"statboard/analytics"
	"statboard/api/httpapi"
	"statboard/board"
	"statboard/core"
	"statboard/engine"
)

func main() {
	// Use readable colored logging for development/demo
	logger := slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx := context.Background()
	activity := analytics.NewAggregationEngine(analytics.NewActivityMetrics(), 10*time.Second, logger)
	svc := board.New(
		board.WithStore(mem.New()),
		board.WithDispatchMode(engine.DispatchSync),
		board.WithLogger(logger),
		board.WithHooks(activity),
	)
	defer svc.Close()

	sessions := analytics.NewSessionLog(1000)
	if err := seed(ctx, svc, sessions); err != nil {
		slog.Error("seeding demo data", "error", err)
		os.Exit(1)
	}

	go activity.Start(ctx)

	handler := httpapi.NewMux(svc, httpapi.Options{
		PathPrefix:      "/api",
		AllowCORSOrigin: "*",
		Sessions:        sessions,
		Activity:        activity,
		Logger:          logger,
	})

	slog.Info("starting demo server on :8080")

	if err := http.ListenAndServe(":8080", handler); err != nil {
		slog.Error("demo server crashed", "error", err)
		os.Exit(1)
	}
}

// seed loads a handful of players so the leaderboard routes return data.
func seed(ctx context.Context, svc *engine.LeaderboardService, sessions *analytics.SessionLog) error {
	scores := map[core.UserID]int64{1: 4200, 2: 3900, 3: 3900, 4: 1250, 5: 800}
	for user, score := range scores {
		if _, err := svc.CreateOrTouch(ctx, user, score); err != nil {
			return err
		}
	}

	stats := core.Statistics{DailyStreak: 3, LongestDailyStreak: 9, AverageDailyGuesses: 4, AverageDailyTime: 71.5, LongestSurvivalStreak: 12}
	if _, err := svc.ReconcileFromStatistics(ctx, 1, stats); err != nil {
		return err
	}

	now := time.Now().UTC()
	for user := range scores {
		start := now.Add(-time.Duration(user) * 17 * time.Minute)
		if err := sessions.Start(user, start); err != nil {
			return err
		}
		if user%2 == 1 {
			if _, err := sessions.End(user, start.Add(time.Duration(user)*3*time.Minute)); err != nil {
				return err
			}
		}
	}
	return nil
}
