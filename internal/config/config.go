// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Downstream execution
	ForwardURL        string // HTTP endpoint receiving authorized action payloads (optional)
	ForwardTimeoutMS  int
	ForwardMaxRetries int

	// Observability
	OTLPEndpoint string // OTLP gRPC collector address (optional, tracing disabled if not set)

	// Security
	RateLimitRPS int
	AdminSecret  string // Admin API secret (optional, admin routes disabled if not set)
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "json"
	DefaultRateLimit      = 100
	DefaultForwardTimeout = 5000
	DefaultForwardRetries = 3
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ForwardURL:        os.Getenv("FORWARD_URL"),
		ForwardTimeoutMS:  getEnvInt("FORWARD_TIMEOUT_MS", DefaultForwardTimeout),
		ForwardMaxRetries: getEnvInt("FORWARD_MAX_RETRIES", DefaultForwardRetries),
		OTLPEndpoint:      os.Getenv("OTLP_ENDPOINT"),
		RateLimitRPS:      getEnvInt("RATE_LIMIT_RPS", DefaultRateLimit),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive")
	}
	if c.ForwardTimeoutMS <= 0 {
		return fmt.Errorf("FORWARD_TIMEOUT_MS must be positive")
	}
	if c.ForwardMaxRetries < 0 {
		return fmt.Errorf("FORWARD_MAX_RETRIES must be non-negative")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

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
