// Package config handles loading and validating configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Lens observation service.
type Config struct {
	// Server
	Port           string
	LogLevel       string
	LogFormat      string // "text" or "json"
	AllowedOrigins []string

	// Management API
	AdminAPIKey string // Required for /api/v1 endpoints; empty = no auth

	// Database
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string
	DBDriver   string // "pgx" or "pq"
	DBURL      string // overrides the individual POSTGRES_* settings

	// ClickHouse (empty host = columnar backend disabled)
	ClickHouseHost     string
	ClickHousePort     string
	ClickHouseDB       string
	ClickHouseUser     string
	ClickHousePassword string

	// Redis
	CacheEnabled  bool
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// Observations API
	DefaultBackend     string // "postgres" or "clickhouse"
	RoutingFile        string // optional YAML with per-project backend overrides
	DefaultPageLimit   int
	MaxPageLimit       int
	PriceCacheTTL      time.Duration // 0 (default) disables the price cache
	RateLimitPerMinute int64         // 0 disables rate limiting
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:      getEnv("LENS_PORT", "8090"),
		LogLevel:  getEnv("LENS_LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(getEnv("LENS_LOG_FORMAT", "text")),

		AdminAPIKey: os.Getenv("LENS_ADMIN_API_KEY"),

		DBHost:     getEnv("POSTGRES_HOST", "localhost"),
		DBName:     getEnv("POSTGRES_DB", "opencloudops"),
		DBUser:     getEnv("POSTGRES_USER", "oco_user"),
		DBPassword: getEnv("POSTGRES_PASSWORD", ""),
		DBSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		DBDriver:   strings.ToLower(getEnv("LENS_POSTGRES_DRIVER", "pgx")),
		DBURL:      os.Getenv("DATABASE_URL"),

		ClickHouseHost:     os.Getenv("CLICKHOUSE_HOST"),
		ClickHousePort:     getEnv("CLICKHOUSE_PORT", "9000"),
		ClickHouseDB:       getEnv("CLICKHOUSE_DB", "default"),
		ClickHouseUser:     getEnv("CLICKHOUSE_USER", "default"),
		ClickHousePassword: getEnv("CLICKHOUSE_PASSWORD", ""),

		CacheEnabled:  getEnv("LENS_CACHE_ENABLED", "true") == "true",
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		DefaultBackend: strings.ToLower(getEnv("LENS_DEFAULT_BACKEND", "postgres")),
		RoutingFile:    os.Getenv("LENS_ROUTING_FILE"),
	}

	cfg.AllowedOrigins = splitList(getEnv("LENS_ALLOWED_ORIGINS", "http://localhost:3000"))

	var err error
	if cfg.DBPort, err = strconv.Atoi(getEnv("POSTGRES_PORT", "5432")); err != nil {
		return nil, fmt.Errorf("invalid POSTGRES_PORT: %w", err)
	}
	if cfg.RedisPort, err = strconv.Atoi(getEnv("REDIS_PORT", "6379")); err != nil {
		return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	if cfg.DefaultPageLimit, err = strconv.Atoi(getEnv("LENS_DEFAULT_PAGE_LIMIT", "50")); err != nil {
		return nil, fmt.Errorf("invalid LENS_DEFAULT_PAGE_LIMIT: %w", err)
	}
	if cfg.MaxPageLimit, err = strconv.Atoi(getEnv("LENS_MAX_PAGE_LIMIT", "100")); err != nil {
		return nil, fmt.Errorf("invalid LENS_MAX_PAGE_LIMIT: %w", err)
	}
	if cfg.PriceCacheTTL, err = time.ParseDuration(getEnv("LENS_PRICE_CACHE_TTL", "0")); err != nil {
		return nil, fmt.Errorf("invalid LENS_PRICE_CACHE_TTL: %w", err)
	}
	if cfg.RateLimitPerMinute, err = strconv.ParseInt(getEnv("LENS_RATE_LIMIT_PER_MINUTE", "600"), 10, 64); err != nil {
		return nil, fmt.Errorf("invalid LENS_RATE_LIMIT_PER_MINUTE: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("config: LENS_PORT is required")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: LENS_LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	switch c.DBDriver {
	case "pgx", "pq":
	default:
		return fmt.Errorf("config: LENS_POSTGRES_DRIVER must be pgx or pq, got %q", c.DBDriver)
	}
	switch c.DefaultBackend {
	case "postgres":
	case "clickhouse":
		if !c.ClickHouseEnabled() {
			return fmt.Errorf("config: LENS_DEFAULT_BACKEND=clickhouse requires CLICKHOUSE_HOST")
		}
	default:
		return fmt.Errorf("config: LENS_DEFAULT_BACKEND must be postgres or clickhouse, got %q", c.DefaultBackend)
	}
	if c.MaxPageLimit < 1 {
		return fmt.Errorf("config: LENS_MAX_PAGE_LIMIT must be >= 1, got %d", c.MaxPageLimit)
	}
	if c.DefaultPageLimit < 1 || c.DefaultPageLimit > c.MaxPageLimit {
		return fmt.Errorf("config: LENS_DEFAULT_PAGE_LIMIT must be between 1 and %d, got %d", c.MaxPageLimit, c.DefaultPageLimit)
	}
	if c.PriceCacheTTL < 0 {
		return fmt.Errorf("config: LENS_PRICE_CACHE_TTL must not be negative")
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("config: LENS_RATE_LIMIT_PER_MINUTE must not be negative")
	}
	return nil
}

// ClickHouseEnabled reports whether a ClickHouse host is configured.
func (c *Config) ClickHouseEnabled() bool {
	return c.ClickHouseHost != ""
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	if c.DBURL != "" {
		return c.DBURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedactedDSN returns the DSN with the password masked for safe logging.
func (c *Config) RedactedDSN() string {
	return fmt.Sprintf("postgres://%s:***@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedisAddr returns the Redis address in host:port format.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
