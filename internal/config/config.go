// Package config reads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"minicdp/internal/store"
)

// Config holds everything the service needs at startup.
type Config struct {
	Store       store.Config
	HTTPAddr    string
	DecisionTTL time.Duration
	// BootstrapKeys are "kind:key" pairs accepted in addition to keys in
	// the database, so a fresh deployment can call the API before any key
	// rows exist.
	BootstrapKeys map[string]store.KeyKind
}

// Load builds a Config from environment variables and defaults.
func Load() Config {
	cfg := Config{
		Store:       getStoreConfig(),
		HTTPAddr:    getEnv("CDP_HTTP_ADDR", ":8080"),
		DecisionTTL: getDurationEnv("CDP_DECISION_TTL", 60*time.Second),
	}
	cfg.BootstrapKeys = parseBootstrapKeys(os.Getenv("CDP_API_KEYS"))
	return cfg
}

// getStoreConfig returns the data store configuration based on environment
// variables.
func getStoreConfig() store.Config {
	storeType := os.Getenv("CDP_STORE_TYPE")
	if storeType == "" {
		storeType = "postgres" // Default to PostgreSQL
	}

	cfg := store.Config{}
	switch strings.ToLower(storeType) {
	case "memory", "mock":
		cfg.Type = store.MemoryStore
	case "postgres", "postgresql", "db":
		cfg.Type = store.PostgresStore
		cfg.ConnectionString = getConnectionString()
	default:
		cfg.Type = store.PostgresStore
		cfg.ConnectionString = getConnectionString()
	}
	return cfg
}

// getConnectionString returns the database connection string.
func getConnectionString() string {
	connStr := os.Getenv("DB_CONN_STRING")
	if connStr == "" {
		// Default connection string for local development
		return "postgres://localhost:5432/postgres?sslmode=disable"
	}
	return connStr
}

// parseBootstrapKeys parses CDP_API_KEYS, a comma-separated list of
// kind:key pairs, e.g. "admin:secret123,read:readonly456".
func parseBootstrapKeys(raw string) map[string]store.KeyKind {
	keys := make(map[string]store.KeyKind)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 || parts[1] == "" {
			continue
		}
		switch store.KeyKind(parts[0]) {
		case store.KeyRead, store.KeyWrite, store.KeyAdmin:
			keys[parts[1]] = store.KeyKind(parts[0])
		}
	}
	return keys
}

func getEnv(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func getDurationEnv(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
