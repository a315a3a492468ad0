package config

import (
	"context"
	"fmt"
	"os"
)

// SecretStore resolves sensitive values (API keys, DSNs) at startup so
// they never have to live in config files.
type SecretStore interface {
	Get(ctx context.Context, key string) (string, error)
	GetWithDefault(ctx context.Context, key, fallback string) string
}

// EnvironmentSecretStore reads secrets from environment variables.
type EnvironmentSecretStore struct{}

// NewEnvironmentSecretStore returns a SecretStore backed by the process
// environment.
func NewEnvironmentSecretStore() *EnvironmentSecretStore {
	return &EnvironmentSecretStore{}
}

// Get returns the value of the named environment variable, or an error
// if it is unset or empty.
func (s *EnvironmentSecretStore) Get(_ context.Context, key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("secret %s is not set", key)
	}
	return value, nil
}

// GetWithDefault returns the value of the named environment variable,
// falling back to the given default when unset.
func (s *EnvironmentSecretStore) GetWithDefault(_ context.Context, key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// LoadSecretsFromEnv resolves credentials from the environment, keeping
// them out of config files. Values already set in the config win only
// when the corresponding variable is unset.
func (c *Config) LoadSecretsFromEnv(ctx context.Context) error {
	store := NewEnvironmentSecretStore()

	c.Storage.SQL.DSN = store.GetWithDefault(ctx, "PROGRESSKIT_SQL_DSN", c.Storage.SQL.DSN)
	c.Storage.Redis.Password = store.GetWithDefault(ctx, "PROGRESSKIT_REDIS_PASSWORD", c.Storage.Redis.Password)
	c.Remote.APIKey = store.GetWithDefault(ctx, "PROGRESSKIT_REMOTE_API_KEY", c.Remote.APIKey)
	c.Remote.AuthToken = store.GetWithDefault(ctx, "PROGRESSKIT_REMOTE_AUTH_TOKEN", c.Remote.AuthToken)

	if c.Storage.Adapter == "sql" && c.Storage.SQL.DSN == "" {
		return fmt.Errorf("secret PROGRESSKIT_SQL_DSN is required for the sql storage adapter")
	}

	return nil
}
