package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quorumgate/quorumgate/pkg/config"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
// Invariant: System must boot with safe defaults in dev mode.
func TestLoad_Defaults(t *testing.T) {
	// Ensure clean env
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("STORAGE", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PROFILE_PATH", "")
	t.Setenv("OTEL_ENABLED", "")

	cfg := config.Load()

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "memory", cfg.Storage)
	assert.Empty(t, cfg.DatabaseURL) // memory storage needs no DSN
	assert.False(t, cfg.OTELEnabled)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
// Invariant: Ops can control config via standard 12-factor env vars.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("STORAGE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://production:5432/db")
	t.Setenv("PROFILE_PATH", "/etc/quorumgate/profile.yaml")
	t.Setenv("OTEL_ENABLED", "true")

	cfg := config.Load()

	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.Storage)
	assert.Equal(t, "postgres://production:5432/db", cfg.DatabaseURL)
	assert.Equal(t, "/etc/quorumgate/profile.yaml", cfg.ProfilePath)
	assert.True(t, cfg.OTELEnabled)
}

// TestLoad_StorageDSNDefaults verifies per-backend DSN fallbacks.
func TestLoad_StorageDSNDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	t.Setenv("STORAGE", "postgres")
	assert.Contains(t, config.Load().DatabaseURL, "postgres://")

	t.Setenv("STORAGE", "sqlite")
	assert.Equal(t, "file:quorumgate.db", config.Load().DatabaseURL)
}
