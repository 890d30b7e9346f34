package database

import (
	"fmt"
	"os"
)

// Config holds DuckDB connection configuration. DuckDB is embedded: there
// is no host/port/credentials, only a file path (or ":memory:" for an
// ephemeral in-process database used by tests).
type Config struct {
	Path string
}

// LoadConfigFromEnv loads Config from DB_PATH, defaulting to a local file
// so `cashgame run` works out of the box with no environment setup,
// mirroring the teacher's getEnvOrDefault convention in
// cmd/tarsy/main.go.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{Path: getEnvOrDefault("DB_PATH", "cashgame.duckdb")}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("DB_PATH must not be empty")
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
