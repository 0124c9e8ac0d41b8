package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Persistence: postgres, sqlite or memory
	DBDriver    string
	DatabaseURL string

	// Payment source: database, postgrest or memory
	PaymentSource  string
	PaymentsAPIURL string
	PaymentsAPIKey string

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Matching
	MatchWorkers        int
	MatchDateWindowDays int
	MatchAmountTol      float64
	MatchMinScore       int
	DivergenceTolerance float64
	// IANA zone payment timestamps are read in; empty keeps their own offset
	BusinessTimezone string

	// Cache
	CacheTTL time.Duration

	// Observability
	OTLPEndpoint string

	// Auth: tenant tokens are verified only when set
	JWTSecret string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DBDriver:    strings.ToLower(getEnv("DB_DRIVER", "memory")),
		DatabaseURL: getEnv("DATABASE_URL", "file:reconciler.db?cache=shared"),

		PaymentSource:  strings.ToLower(getEnv("PAYMENT_SOURCE", "memory")),
		PaymentsAPIURL: getEnv("PAYMENTS_API_URL", ""),
		PaymentsAPIKey: getEnv("PAYMENTS_API_KEY", ""),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 4),

		MatchWorkers:        getEnvInt("MATCH_WORKERS", 8),
		MatchDateWindowDays: getEnvInt("MATCH_DATE_WINDOW_DAYS", 2),
		MatchAmountTol:      getEnvFloat("MATCH_AMOUNT_TOLERANCE", 0.01),
		MatchMinScore:       getEnvInt("MATCH_MIN_SCORE", 40),
		DivergenceTolerance: getEnvFloat("DIVERGENCE_TOLERANCE", 0.01),
		BusinessTimezone:    getEnv("BUSINESS_TIMEZONE", ""),

		CacheTTL: getEnvDuration("CACHE_TTL", 5*time.Minute),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		JWTSecret: getEnv("JWT_SECRET", ""),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
