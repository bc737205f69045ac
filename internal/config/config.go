package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the ToolForge engine.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Limits    LimitsConfig
	Auth      AuthConfig
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// LimitsConfig bounds outbound call volume and retry behavior.
type LimitsConfig struct {
	// Rate limiter defaults for integrations with no explicit rule.
	DefaultWindow time.Duration
	DefaultMax    int

	// Lock TTL for execution records (see coordinator reclaim path).
	LockTTL time.Duration

	// Retry policy defaults for capability calls.
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64

	// Budget quotas per organization.
	MonthlyCallBudget int
	PerRunCallBudget  int
}

type AuthConfig struct {
	APIKeyHeader string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("TOOLFORGE_PORT", 8080),
		Version: envStr("TOOLFORGE_VERSION", "0.2.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "toolforge-engine"),
		},
		Limits: LimitsConfig{
			DefaultWindow:     envDur("TOOLFORGE_RATE_WINDOW", time.Minute),
			DefaultMax:        envInt("TOOLFORGE_RATE_MAX", 60),
			LockTTL:           envDur("TOOLFORGE_LOCK_TTL", 5*time.Minute),
			MaxRetries:        envInt("TOOLFORGE_MAX_RETRIES", 3),
			InitialDelay:      envDur("TOOLFORGE_RETRY_INITIAL_DELAY", 500*time.Millisecond),
			BackoffFactor:     envFloat("TOOLFORGE_RETRY_BACKOFF_FACTOR", 2.0),
			MonthlyCallBudget: envInt("TOOLFORGE_MONTHLY_CALL_BUDGET", 10000),
			PerRunCallBudget:  envInt("TOOLFORGE_PER_RUN_CALL_BUDGET", 100),
		},
		Auth: AuthConfig{
			APIKeyHeader: envStr("AUTH_API_KEY_HEADER", "Authorization"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
