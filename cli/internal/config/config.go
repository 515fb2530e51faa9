// Package config provides configuration for the CLI.
package config

import (
	"os"
	"strconv"
)

// Config holds CLI configuration.
type Config struct {
	// Assembly service base URL
	AssemblyURL string

	// Output format
	Format string // json, table, yaml

	// Verbosity
	Verbose bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		AssemblyURL: getEnv("LOOM_ASSEMBLY_URL", "http://localhost:8080"),
		Format:      getEnv("LOOM_FORMAT", "table"),
		Verbose:     getEnvBool("LOOM_VERBOSE", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}
