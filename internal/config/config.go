// Package config loads the scheduler configuration from the environment.
//
// Environment Variables:
//
// Store:
//   - STORE_BACKEND: "rest", "postgres" or "sqlite" (default: rest)
//   - STORE_URL: PostgREST base URL (required for rest)
//   - STORE_SERVICE_KEY: service credential for the store and check endpoint (required for rest)
//   - DATABASE_URL: postgres URL or sqlite path (required for postgres and sqlite)
//
// Collaborators:
//   - APP_URL: base URL of the application hosting /api/polling/check (required)
//   - EVENT_BUS_URL: event-bus base URL (default: https://inn.gs)
//   - EVENT_BUS_KEY: event-bus ingestion key (required)
//
// Scheduling:
//   - TICK_SCHEDULE: cron schedule for ticks (default: @every 1m)
//   - BATCH_SIZE: due triggers loaded per tick (default: 100)
//   - BACKOFF_INTERVAL: delay after a transient failure, seconds or Go duration (default: 300)
//   - POLL_CONCURRENCY: triggers processed in parallel within a tick (default: 1)
//   - HTTP_TIMEOUT: per-call timeout for outbound HTTP, seconds or Go duration (default: 30s)
//
// Tick lease (optional):
//   - TICK_LEASE_REDIS_ADDRESS: Redis host:port; enables the cross-replica lease
//   - TICK_LEASE_REDIS_PASSWORD: Redis password
//   - TICK_LEASE_REDIS_DB: Redis database 0-15 (default: 0)
//   - TICK_LEASE_TTL: lease lifetime after its last renewal (default: 5m)
//
// Process:
//   - PORT: ops HTTP port (default: 9090)
//   - LOG_LEVEL: debug, info, warn or error (default: info)
//   - LOG_FORMAT: console or json (default: console)
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"polling-scheduler/internal/common/errors"
	"polling-scheduler/internal/common/validation"
)

// Backends accepted by STORE_BACKEND.
const (
	BackendREST     = "rest"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config holds every setting the process reads. It is built once by Load and
// passed down; nothing else reads the environment.
type Config struct {
	StoreBackend    string `env:"STORE_BACKEND" validate:"oneof=rest postgres sqlite"`
	StoreURL        string `env:"STORE_URL" validate:"required_if=StoreBackend rest"`
	StoreServiceKey string `env:"STORE_SERVICE_KEY" validate:"required_if=StoreBackend rest"`
	DatabaseURL     string `env:"DATABASE_URL" validate:"required_unless=StoreBackend rest"`

	AppURL      string `env:"APP_URL" validate:"required,url"`
	EventBusURL string `env:"EVENT_BUS_URL" validate:"required,url"`
	EventBusKey string `env:"EVENT_BUS_KEY" validate:"required"`

	TickSchedule    string        `env:"TICK_SCHEDULE" validate:"required,cron_schedule"`
	BatchSize       int           `env:"BATCH_SIZE" validate:"min=1,max=1000"`
	BackoffInterval time.Duration `env:"BACKOFF_INTERVAL" validate:"min=1s"`
	Concurrency     int           `env:"POLL_CONCURRENCY" validate:"min=1,max=64"`
	HTTPTimeout     time.Duration `env:"HTTP_TIMEOUT" validate:"min=0s"`

	LeaseRedisAddress  string        `env:"TICK_LEASE_REDIS_ADDRESS" validate:"omitempty,hostname_port"`
	LeaseRedisPassword string        `env:"TICK_LEASE_REDIS_PASSWORD"`
	LeaseRedisDB       int           `env:"TICK_LEASE_REDIS_DB" validate:"min=0,max=15"`
	LeaseTTL           time.Duration `env:"TICK_LEASE_TTL" validate:"min=1s"`

	Port      string `env:"PORT" validate:"required,numeric"`
	LogLevel  string `env:"LOG_LEVEL" validate:"oneof=debug info warn warning error"`
	LogFormat string `env:"LOG_FORMAT" validate:"oneof=console json"`

	parseErrors []string
}

// LoadDotEnv loads .env style files into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return errors.ConfigError(fmt.Sprintf("failed to load %s: %v", file, err))
		}
	}
	return nil
}

// Load reads the configuration from the environment, applying defaults.
// Values that fail to parse are reported by Validate.
func Load() *Config {
	c := &Config{}

	c.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", BackendREST))
	c.StoreURL = getEnv("STORE_URL", "")
	c.StoreServiceKey = getEnv("STORE_SERVICE_KEY", "")
	c.DatabaseURL = getEnv("DATABASE_URL", "")

	c.AppURL = getEnv("APP_URL", "")
	c.EventBusURL = getEnv("EVENT_BUS_URL", "https://inn.gs")
	c.EventBusKey = getEnv("EVENT_BUS_KEY", "")

	c.TickSchedule = getEnv("TICK_SCHEDULE", "@every 1m")
	c.BatchSize = c.getIntEnv("BATCH_SIZE", 100)
	c.BackoffInterval = c.getSecondsEnv("BACKOFF_INTERVAL", 300*time.Second)
	c.Concurrency = c.getIntEnv("POLL_CONCURRENCY", 1)
	c.HTTPTimeout = c.getSecondsEnv("HTTP_TIMEOUT", 30*time.Second)

	c.LeaseRedisAddress = getEnv("TICK_LEASE_REDIS_ADDRESS", "")
	c.LeaseRedisPassword = getEnv("TICK_LEASE_REDIS_PASSWORD", "")
	c.LeaseRedisDB = c.getIntEnv("TICK_LEASE_REDIS_DB", 0)
	c.LeaseTTL = c.getSecondsEnv("TICK_LEASE_TTL", 5*time.Minute)

	c.Port = getEnv("PORT", "9090")
	c.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", "info"))
	c.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "console"))

	return c
}

// Validate checks every field. A failure is a ConfigError and must abort
// startup.
func (c *Config) Validate() error {
	if len(c.parseErrors) > 0 {
		return errors.ConfigError("invalid configuration: " + strings.Join(c.parseErrors, "; "))
	}
	return validation.New().Struct(c)
}

// LeaseEnabled reports whether a Redis address was configured for the tick lease.
func (c *Config) LeaseEnabled() bool {
	return c.LeaseRedisAddress != ""
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func (c *Config) getIntEnv(key string, defaultValue int) int {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		c.parseErrors = append(c.parseErrors, fmt.Sprintf("%s must be an integer, got %q", key, value))
		return defaultValue
	}
	return parsed
}

// getSecondsEnv accepts a bare number of seconds or a Go duration string.
func (c *Config) getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		c.parseErrors = append(c.parseErrors, fmt.Sprintf("%s must be seconds or a duration, got %q", key, value))
		return defaultValue
	}
	return parsed
}
