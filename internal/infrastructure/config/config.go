// Package config loads startup configuration from a .env file and the
// process environment via spf13/viper + joho/godotenv, matching the
// config.Load() call shape application.go relies on (AM-2).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Server holds the HTTP listener settings for internal/api.
type Server struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Database holds the Postgres audit-trail store settings.
type Database struct {
	URL          string `mapstructure:"url"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// Redis holds the connection settings of the Redis-backed event bus.
type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Policy holds policy settings read from configuration.
// DefaultZombieCheckIntervalDays is loaded but read by no other package; the
// policy engine's seeded default policy carries its own per-jurisdiction
// zombie check intervals.
type Policy struct {
	DefaultZombieCheckIntervalDays int `mapstructure:"default_zombie_check_interval_days"`
}

// Executor mirrors executor.RetryPolicy's shape so it can be read from
// configuration instead of hardcoded at wiring time.
type Executor struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialRetryDelay time.Duration `mapstructure:"initial_retry_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	AdapterTimeout    time.Duration `mapstructure:"adapter_timeout"`
}

// Tracing mirrors pkg/tracing.Config.
type Tracing struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// Schedules holds the cron spec for each background sweep
// (internal/workers), overriding workers.DefaultSchedules().
type Schedules struct {
	LegalHold  string `mapstructure:"legal_hold"`
	Retries    string `mapstructure:"retries"`
	Completion string `mapstructure:"completion"`
	Scan       string `mapstructure:"scan"`
	Zombie     string `mapstructure:"zombie"`
}

// Adapters configures the generic per-system webhook transport
// (internal/infrastructure/adapters). Every system in
// policy.RequiredSystems resolves to "<WebhookBaseURL>/<system>/delete"
// (and "/scan" for the background-scan adapter) so operators point the
// whole downstream fleet at one adapter gateway without per-system config.
type Adapters struct {
	WebhookBaseURL string        `mapstructure:"webhook_base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// Config is the fully-resolved startup configuration.
type Config struct {
	Environment string    `mapstructure:"environment"`
	LogLevel    string    `mapstructure:"log_level"`
	Server      Server    `mapstructure:"server"`
	Database    Database  `mapstructure:"database"`
	Redis       Redis     `mapstructure:"redis"`
	Policy      Policy    `mapstructure:"policy"`
	Executor    Executor  `mapstructure:"executor"`
	Tracing     Tracing   `mapstructure:"tracing"`
	Adapters    Adapters  `mapstructure:"adapters"`
	Schedules   Schedules `mapstructure:"schedules"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.request_timeout", 10*time.Second)

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("policy.default_zombie_check_interval_days", 90)

	v.SetDefault("executor.max_attempts", 5)
	v.SetDefault("executor.initial_retry_delay", 2*time.Second)
	v.SetDefault("executor.backoff_multiplier", 2.0)
	v.SetDefault("executor.adapter_timeout", 30*time.Second)

	v.SetDefault("tracing.service_name", "erasure-service")

	v.SetDefault("adapters.webhook_base_url", "http://localhost:9000")
	v.SetDefault("adapters.timeout", 30*time.Second)

	v.SetDefault("schedules.legal_hold", "@every 1m")
	v.SetDefault("schedules.retries", "@every 15s")
	v.SetDefault("schedules.completion", "@every 30s")
	v.SetDefault("schedules.scan", "@every 30s")
	v.SetDefault("schedules.zombie", "@every 1h")
}

// Load reads a .env file (if present, ignored otherwise), then layers
// environment variables (prefixed ERASURE_, nested fields joined by "_")
// over defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("erasure")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}
	return &cfg, nil
}
