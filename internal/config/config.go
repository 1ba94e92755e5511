// Package config handles loading application configuration from environment
// variables. All config is centralized here so no other package reads env
// vars directly. Sensible defaults are provided for development.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Config holds all application configuration. Populated from environment
// variables at startup. Passed to other packages via dependency injection.
type Config struct {
	// Env is the runtime environment: "development" or "production".
	Env string

	// Port is the HTTP listen port (default: 8080).
	Port int

	// BaseURL is the public-facing URL used for links and CORS origins.
	BaseURL string

	// LogLevel controls log verbosity: "debug", "info", "warn", "error".
	LogLevel string

	// Database holds MariaDB connection settings.
	Database DatabaseConfig

	// Redis holds Redis connection settings.
	Redis RedisConfig

	// Auth holds session and recovery-token settings.
	Auth AuthConfig

	// Quota holds free-tier entitlement settings.
	Quota QuotaConfig

	// Generator holds image-generator webhook settings.
	Generator GeneratorConfig
}

// DatabaseConfig holds MariaDB connection parameters. Individual fields
// (Host, User, Password, Name) are read from separate env vars so container
// orchestrators can manage each independently. If DATABASE_URL is set, it
// takes precedence over the individual fields.
type DatabaseConfig struct {
	// Host is the MariaDB address in host:port format (default: "localhost:3306").
	// If no port is specified, 3306 is appended automatically.
	Host string

	// User is the MariaDB username (default: "pixelforge").
	User string

	// Password is the MariaDB password (default: "pixelforge").
	Password string

	// Name is the database name (default: "pixelforge").
	Name string

	// dsnOverride is set when DATABASE_URL is provided, bypassing individual fields.
	dsnOverride string

	// MaxOpenConns is the maximum number of open connections in the pool.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections in the pool.
	MaxIdleConns int

	// ConnMaxLifetime is how long a connection can be reused.
	ConnMaxLifetime time.Duration
}

// DSN returns the go-sql-driver/mysql connection string. If DATABASE_URL was
// set, it is returned as-is. Otherwise the DSN is built from the individual
// Host/User/Password/Name fields using the driver's Config.FormatDSN()
// to safely handle special characters in passwords.
func (d DatabaseConfig) DSN() string {
	if d.dsnOverride != "" {
		return d.dsnOverride
	}
	cfg := mysql.NewConfig()
	cfg.User = d.User
	cfg.Passwd = d.Password
	cfg.Net = "tcp"
	cfg.Addr = ensurePort(d.Host, "3306")
	cfg.DBName = d.Name
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

// ensurePort appends the default port if the host string doesn't include one.
// Allows users to set DB_HOST=mydb (gets :3306) or DB_HOST=mydb:3307 (as-is).
func ensurePort(host, defaultPort string) string {
	_, _, err := net.SplitHostPort(host)
	if err != nil {
		return net.JoinHostPort(host, defaultPort)
	}
	return host
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379").
	URL string
}

// AuthConfig holds session and password-recovery settings.
type AuthConfig struct {
	// SessionTTL is how long login sessions last before expiring.
	SessionTTL time.Duration

	// RecoveryTokenTTL is how long a password recovery token stays valid.
	RecoveryTokenTTL time.Duration
}

// QuotaConfig holds the free-tier entitlement policy.
type QuotaConfig struct {
	// FreeImageLimit is the number of generations a free account may use
	// per reset period (default: 3).
	FreeImageLimit int

	// ResetUTCOffsetHours is the fixed timezone offset, in hours east of
	// UTC, whose local midnight marks the period boundary. Every account
	// shares the same reset instant regardless of the caller's zone
	// (default: 6, i.e. UTC+6).
	ResetUTCOffsetHours int
}

// GeneratorConfig holds settings for the external image-generation webhook.
type GeneratorConfig struct {
	// WebhookURL is the endpoint that accepts a prompt and returns an
	// image URL. Required in production.
	WebhookURL string

	// Timeout is the per-request timeout for webhook calls.
	Timeout time.Duration

	// MaxRetries is how many times a failed webhook call is retried
	// before giving up.
	MaxRetries int
}

// Load reads configuration from environment variables with sensible defaults.
// Returns an error if required variables are missing.
func Load() (*Config, error) {
	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		Port:     getEnvInt("PORT", 8080),
		BaseURL:  getEnv("BASE_URL", "http://localhost:8080"),
		LogLevel: getEnv("LOG_LEVEL", "debug"),

		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost:3306"),
			User:            getEnv("DB_USER", "pixelforge"),
			Password:        getEnv("DB_PASSWORD", "pixelforge"),
			Name:            getEnv("DB_NAME", "pixelforge"),
			dsnOverride:     getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},

		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379"),
		},

		Auth: AuthConfig{
			SessionTTL:       getEnvDuration("SESSION_TTL", 720*time.Hour),
			RecoveryTokenTTL: getEnvDuration("RECOVERY_TOKEN_TTL", time.Hour),
		},

		Quota: QuotaConfig{
			FreeImageLimit:      getEnvInt("FREE_IMAGE_LIMIT", 3),
			ResetUTCOffsetHours: getEnvInt("RESET_UTC_OFFSET_HOURS", 6),
		},

		Generator: GeneratorConfig{
			WebhookURL: getEnv("GENERATOR_WEBHOOK_URL", ""),
			Timeout:    getEnvDuration("GENERATOR_TIMEOUT", 30*time.Second),
			MaxRetries: getEnvInt("GENERATOR_MAX_RETRIES", 2),
		},
	}

	if cfg.Quota.FreeImageLimit < 0 {
		return nil, fmt.Errorf("FREE_IMAGE_LIMIT must be non-negative, got %d", cfg.Quota.FreeImageLimit)
	}

	// Validate required fields in production. Case-insensitive check catches
	// common variants like "Production", "prod", etc.
	envLower := strings.ToLower(cfg.Env)
	if envLower == "production" || envLower == "prod" {
		if cfg.Generator.WebhookURL == "" {
			return nil, fmt.Errorf("GENERATOR_WEBHOOK_URL is required in production")
		}
	}

	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	env := strings.ToLower(c.Env)
	return env == "development" || env == "dev"
}

// --- Helper functions for reading environment variables ---

// getEnv reads a string env var or returns the default.
func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt reads an integer env var or returns the default.
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvDuration reads a duration env var (e.g., "1h") or returns the default.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
