// Package board assembles a ready-to-use leaderboard service.
package board

import (
	"log/slog"

	mem "statboard/adapters/memory"
	"statboard/analytics"
	"statboard/engine"
)

// Option configures the board builder.
type Option func(*config)

type config struct {
	store  engine.EntryStore
	mode   engine.DispatchMode
	logger *slog.Logger
	retry  *engine.RetryPolicy
	hooks  []analytics.Hook
}

// WithStore sets the persistence adapter.
func WithStore(s engine.EntryStore) Option { return func(c *config) { c.store = s } }

// WithDispatchMode selects sync or async event dispatch.
func WithDispatchMode(m engine.DispatchMode) Option { return func(c *config) { c.mode = m } }

func WithLogger(l *slog.Logger) Option { return func(c *config) { c.logger = l } }

func WithRetryPolicy(p engine.RetryPolicy) Option { return func(c *config) { c.retry = &p } }

// WithHooks attaches analytics hooks to every leaderboard event.
func WithHooks(h ...analytics.Hook) Option {
	return func(c *config) { c.hooks = append(c.hooks, h...) }
}

// New builds a configured LeaderboardService. If not provided, defaults are used:
//   - store: in-memory
//   - dispatch: async
//   - retry: engine.DefaultRetryPolicy
func New(opts ...Option) *engine.LeaderboardService {
	cfg := &config{mode: engine.DispatchAsync}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.store == nil {
		cfg.store = mem.New()
	}

	svcOpts := []engine.ServiceOption{engine.WithLogger(cfg.logger)}
	if cfg.retry != nil {
		svcOpts = append(svcOpts, engine.WithRetryPolicy(*cfg.retry))
	}
	svc := engine.NewLeaderboardService(cfg.store, engine.NewEventBus(cfg.mode), svcOpts...)
	for _, h := range cfg.hooks {
		analytics.Attach(svc, h)
	}
	return svc
}
