package config

import (
	"context"
	"fmt"
	"os"
)

// SecretStore resolves named secrets.
type SecretStore interface {
	Get(ctx context.Context, key string) (string, error)
	GetWithDefault(ctx context.Context, key, def string) string
}

// EnvironmentSecretStore reads secrets from process environment variables.
type EnvironmentSecretStore struct{}

func NewEnvironmentSecretStore() *EnvironmentSecretStore { return &EnvironmentSecretStore{} }

func (EnvironmentSecretStore) Get(_ context.Context, key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", fmt.Errorf("secret %s not set", key)
	}
	return v, nil
}

func (s EnvironmentSecretStore) GetWithDefault(ctx context.Context, key, def string) string {
	if v, err := s.Get(ctx, key); err == nil {
		return v
	}
	return def
}

// LoadSecretsFromEnv fills storage credentials from the environment secret store.
func (c *Config) LoadSecretsFromEnv(ctx context.Context) error {
	return c.LoadSecrets(ctx, NewEnvironmentSecretStore())
}

// LoadSecrets fills storage credentials from store. The DSN of the selected
// SQL adapter is required; the Redis password is optional.
func (c *Config) LoadSecrets(ctx context.Context, store SecretStore) error {
	c.Storage.Redis.Password = store.GetWithDefault(ctx, "STATBOARD_SECRET_REDIS_PASSWORD", c.Storage.Redis.Password)
	dsn, err := store.Get(ctx, "STATBOARD_SECRET_SQL_DSN")
	switch {
	case err == nil:
		c.Storage.SQL.DSN = dsn
	case c.Storage.Adapter == "sql" && c.Storage.SQL.DSN == "":
		return fmt.Errorf("load secrets: %w", err)
	}
	return nil
}
