package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"statboard/adapters/jsonfile"
	mem "statboard/adapters/memory"
	redisAdapter "statboard/adapters/redis"
	sqlxAdapter "statboard/adapters/sqlx"
	"statboard/analytics"
	"statboard/api/httpapi"
	"statboard/board"
	"statboard/config"
	"statboard/engine"
)

const (
	sessionLogLimit     = 10000
	aggregationInterval = time.Minute
)

// App aggregates the assembled server components.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    engine.EntryStore
	Activity *analytics.AggregationEngine
	Sessions *analytics.SessionLog
	Service  *engine.LeaderboardService
	Handler  http.Handler
	Server   *http.Server
}

func provideConfig(ctx context.Context) (*config.Config, error) {
	if err := loadDotEnv(os.Getenv("STATBOARD_ENV_FILE")); err != nil {
		return nil, err
	}

	var (
		cfg *config.Config
		err error
	)
	if path := os.Getenv("STATBOARD_CONFIG_FILE"); path != "" {
		cfg, err = config.LoadFromFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if cfg.Environment == config.EnvProduction {
		if err := cfg.LoadSecretsFromEnv(ctx); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadDotEnv exports the variables of a .env file without overriding ones
// already set. A missing default file is not an error; a missing explicit
// path is.
func loadDotEnv(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return setupLogging(cfg, logOutput(cfg.Logging.Output))
}

func provideStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engine.EntryStore, func(), error) {
	store, closer, err := setupStorage(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("storage ready", "adapter", cfg.Storage.Adapter)
	cleanup := func() {
		if closer == nil {
			return
		}
		if err := closer.Close(); err != nil {
			logger.Error("closing storage", "adapter", cfg.Storage.Adapter, "error", err)
		}
	}
	return store, cleanup, nil
}

func provideActivity(logger *slog.Logger) *analytics.AggregationEngine {
	return analytics.NewAggregationEngine(analytics.NewActivityMetrics(), aggregationInterval, logger)
}

func provideSessions() *analytics.SessionLog {
	return analytics.NewSessionLog(sessionLogLimit)
}

func provideService(cfg *config.Config, logger *slog.Logger, store engine.EntryStore, activity *analytics.AggregationEngine) (*engine.LeaderboardService, func(), error) {
	mode, err := parseDispatchMode(cfg.Leaderboard.DispatchMode)
	if err != nil {
		return nil, nil, err
	}
	svc := board.New(
		board.WithStore(store),
		board.WithDispatchMode(mode),
		board.WithLogger(logger),
		board.WithRetryPolicy(engine.RetryPolicy{
			MaxAttempts:     cfg.Leaderboard.RetryAttempts,
			InitialInterval: cfg.Leaderboard.RetryInitialInterval,
			MaxInterval:     cfg.Leaderboard.RetryMaxInterval,
		}),
		board.WithHooks(activity),
	)
	return svc, svc.Close, nil
}

func provideHandler(cfg *config.Config, logger *slog.Logger, svc *engine.LeaderboardService, sessions *analytics.SessionLog, activity *analytics.AggregationEngine) http.Handler {
	return httpapi.NewMux(svc, httpapi.Options{
		PathPrefix:       cfg.Server.PathPrefix,
		AllowCORSOrigin:  cfg.Server.CORSOrigin,
		RateLimitEnabled: cfg.Security.EnableRateLimit,
		RateLimitRPM:     cfg.Security.RateLimit.RequestsPerMinute,
		RateLimitBurst:   cfg.Security.RateLimit.BurstSize,
		Sessions:         sessions,
		Activity:         activity,
		Logger:           logger,
	})
}

func provideServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

// setupLogging configures the logger based on configuration.
func setupLogging(cfg *config.Config, out io.Writer) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}

	switch cfg.Logging.Format {
	case "console":
		handler = tint.NewHandler(out, &tint.Options{Level: opts.Level, TimeFormat: time.Kitchen})
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	if len(cfg.Logging.Attributes) > 0 {
		handler = handler.WithAttrs(convertAttributes(cfg.Logging.Attributes))
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func logOutput(name string) io.Writer {
	if name == "stderr" {
		return os.Stderr
	}
	return os.Stdout
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// convertAttributes converts map[string]string to []slog.Attr.
func convertAttributes(attrs map[string]string) []slog.Attr {
	var result []slog.Attr
	for k, v := range attrs {
		result = append(result, slog.String(k, v))
	}
	return result
}

func parseDispatchMode(mode string) (engine.DispatchMode, error) {
	switch mode {
	case "sync":
		return engine.DispatchSync, nil
	case "async", "":
		return engine.DispatchAsync, nil
	default:
		return 0, fmt.Errorf("unknown dispatch mode: %s", mode)
	}
}

// setupStorage creates the storage adapter named by configuration. The
// returned closer is nil for adapters that hold no external resources.
func setupStorage(_ context.Context, cfg *config.Config) (engine.EntryStore, io.Closer, error) {
	switch cfg.Storage.Adapter {
	case "memory":
		return mem.New(), nil, nil
	case "file":
		s, err := jsonfile.New(cfg.Storage.File.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case "redis":
		s, err := redisAdapter.New(cfg.Storage.Redis)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "sql":
		s, err := sqlxAdapter.New(cfg.Storage.SQL)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage adapter: %s", cfg.Storage.Adapter)
	}
}
