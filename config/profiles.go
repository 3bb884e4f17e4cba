package config

import (
	"fmt"
	"time"
)

func profileConfig(name string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Profile = name

	switch name {
	case "development":
		cfg.Environment = EnvDevelopment
		cfg.Logging.Level = "debug"
		cfg.Logging.Format = "console"
	case "testing":
		cfg.Environment = EnvTesting
		cfg.Logging.Level = "warn"
		cfg.Leaderboard.DispatchMode = "sync"
		cfg.Leaderboard.RetryInitialInterval = time.Millisecond
		cfg.Leaderboard.RetryMaxInterval = 10 * time.Millisecond
	case "staging":
		cfg.Environment = EnvStaging
		cfg.Storage.Adapter = "redis"
		cfg.Security.EnableRateLimit = true
	case "production":
		cfg.Environment = EnvProduction
		cfg.Storage.Adapter = "sql"
		cfg.Server.CORSOrigin = ""
		cfg.Security.EnableRateLimit = true
		cfg.Leaderboard.RetryAttempts = 5
	default:
		return nil, fmt.Errorf("unknown profile %q", name)
	}
	return cfg, nil
}
