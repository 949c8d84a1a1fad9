// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow settings
	AutoReleaseAfter time.Duration // How long after delivery before escrow auto-releases
	SweepInterval    time.Duration // How often the auto-release sweep runs

	// Dispute settings
	AdvisorURL     string        // Optional resolution advisor endpoint
	AdvisorTimeout time.Duration // Advisor call timeout; failures fall back to manual resolution

	// Security
	RateLimitRPS   int
	AllowedOrigins string // Comma-separated CORS origins, "*" in development
	AdminSecret    string // Admin API secret
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultAutoReleaseAfter = 72 * time.Hour
	DefaultSweepInterval    = 30 * time.Second
	DefaultAdvisorTimeout   = 5 * time.Second
	DefaultRateLimit        = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		AutoReleaseAfter: getEnvDuration("AUTO_RELEASE_AFTER", DefaultAutoReleaseAfter),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		AdvisorURL:       os.Getenv("ADVISOR_URL"),
		AdvisorTimeout:   getEnvDuration("ADVISOR_TIMEOUT", DefaultAdvisorTimeout),
		RateLimitRPS:     int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		AllowedOrigins:   getEnv("ALLOWED_ORIGINS", "*"),
		AdminSecret:      os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.AutoReleaseAfter <= 0 {
		return fmt.Errorf("AUTO_RELEASE_AFTER must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive")
	}
	if c.IsProduction() && c.AllowedOrigins == "*" {
		return fmt.Errorf("ALLOWED_ORIGINS must be set explicitly in production")
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
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
