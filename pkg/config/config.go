// Package config loads runtime configuration from the environment and
// account authorization profiles from YAML files.
package config

import "os"

// Config holds runtime configuration.
type Config struct {
	LogLevel    string
	Storage     string // "memory" | "sqlite" | "postgres"
	DatabaseURL string
	ProfilePath string
	OTELEnabled bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	storage := os.Getenv("STORAGE")
	if storage == "" {
		storage = "memory"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		switch storage {
		case "postgres":
			dbURL = "postgres://quorumgate@localhost:5432/quorumgate?sslmode=disable"
		case "sqlite":
			dbURL = "file:quorumgate.db"
		}
	}

	return &Config{
		LogLevel:    logLevel,
		Storage:     storage,
		DatabaseURL: dbURL,
		ProfilePath: os.Getenv("PROFILE_PATH"),
		OTELEnabled: os.Getenv("OTEL_ENABLED") == "true",
	}
}
