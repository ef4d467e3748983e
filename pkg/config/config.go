// Package config loads node configuration from the environment and from
// schema-validated YAML files.
package config

import (
	"log/slog"
	"os"
	"strings"
)

// Config holds process-level settings read from the environment.
type Config struct {
	Authority      string
	Device         string
	ConfigFile     string
	LogLevel       string
	StorageBackend string
	StorageDSN     string
	OTLPEndpoint   string
}

// Load reads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	backend := os.Getenv("AURA_STORAGE_BACKEND")
	if backend == "" {
		backend = "memory"
	}

	return &Config{
		Authority:      os.Getenv("AURA_AUTHORITY"),
		Device:         os.Getenv("AURA_DEVICE"),
		ConfigFile:     os.Getenv("AURA_CONFIG"),
		LogLevel:       logLevel,
		StorageBackend: backend,
		StorageDSN:     os.Getenv("AURA_STORAGE_DSN"),
		OTLPEndpoint:   os.Getenv("AURA_OTLP_ENDPOINT"),
	}
}

// ParseLevel maps a level name to slog. Unknown names are INFO.
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
