// Package config provides configuration loading from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StorageBackend represents the span-log implementation type.
type StorageBackend string

const (
	// StorageMemory uses the in-memory span log (development/testing).
	StorageMemory StorageBackend = "memory"
	// StoragePostgres uses the PostgreSQL span log (production).
	StoragePostgres StorageBackend = "postgres"
)

// Base contains the service configuration.
type Base struct {
	// Service identification
	ServiceName string
	Environment string // development, staging, production
	Version     string

	// Server
	HTTPPort int

	// Span log backend
	StorageBackend StorageBackend

	// Database (used when StorageBackend is "postgres")
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis; empty disables the link mirror and rate limiting.
	RedisURL string

	// Engine bounds
	MaxSessions int
	MaxLinks    int

	// Action-name filter for the feed and bulk queries; empty means the
	// engine defaults.
	Actions []string

	// Resync window looked back on startup.
	ResyncWindow time.Duration

	// Postgres NOTIFY channel carrying the change feed.
	FeedChannel string

	// Observability
	OTLPEndpoint    string
	LogLevel        string
	LogFormat       string // json, text
	TracingEnabled  bool
	TracingSampling float64
}

// Load loads configuration from environment variables.
func Load(serviceName string) (*Base, error) {
	cfg := &Base{
		ServiceName: serviceName,
		Environment: getEnv("LOOM_ENV", "development"),
		Version:     getEnv("LOOM_VERSION", "dev"),

		HTTPPort: getEnvInt("LOOM_HTTP_PORT", 8080),

		StorageBackend: parseStorageBackend(getEnv("LOOM_STORAGE_BACKEND", "memory")),

		DBHost:     getEnv("LOOM_DB_HOST", "localhost"),
		DBPort:     getEnvInt("LOOM_DB_PORT", 5432),
		DBUser:     getEnv("LOOM_DB_USER", "loom"),
		DBPassword: getEnv("LOOM_DB_PASSWORD", ""),
		DBName:     getEnv("LOOM_DB_NAME", "loom"),
		DBSSLMode:  getEnv("LOOM_DB_SSLMODE", "disable"),

		RedisURL: getEnv("LOOM_REDIS_URL", ""),

		MaxSessions: getEnvInt("LOOM_MAX_SESSIONS", 200),
		MaxLinks:    getEnvInt("LOOM_MAX_LINKS", 1000),

		Actions: getEnvList("LOOM_ACTIONS", nil),

		ResyncWindow: getEnvDuration("LOOM_RESYNC_WINDOW", 24*time.Hour),

		FeedChannel: getEnv("LOOM_FEED_CHANNEL", "loom_spans"),

		OTLPEndpoint:    getEnv("LOOM_OTLP_ENDPOINT", "localhost:4317"),
		LogLevel:        getEnv("LOOM_LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOOM_LOG_FORMAT", "json"),
		TracingEnabled:  getEnvBool("LOOM_TRACING_ENABLED", false),
		TracingSampling: getEnvFloat("LOOM_TRACING_SAMPLING", 1.0),
	}

	return cfg, nil
}

// DatabaseDSN returns the PostgreSQL connection string.
func (c *Base) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

// IsDevelopment returns true if running in development mode.
func (c *Base) IsDevelopment() bool {
	return c.Environment == "development"
}

// UseMemoryStorage returns true if using the in-memory span log.
func (c *Base) UseMemoryStorage() bool {
	return c.StorageBackend == StorageMemory
}

// UsePostgresStorage returns true if using the PostgreSQL span log.
func (c *Base) UsePostgresStorage() bool {
	return c.StorageBackend == StoragePostgres
}

// Helper functions

func parseStorageBackend(s string) StorageBackend {
	switch s {
	case "postgres", "postgresql", "pg":
		return StoragePostgres
	default:
		return StorageMemory
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
