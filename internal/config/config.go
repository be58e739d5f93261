// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/cterryc/pyme-sub001/internal/adapter/otel"
)

// Config is the complete service configuration.
type Config struct {
	Port            string
	DatabasePath    string
	ShutdownTimeout time.Duration

	Auth      AuthConfig
	Push      PushConfig
	RateLimit RateLimitConfig
	Redis     RedisConfig
	Log       LogConfig
	Telemetry otel.Config
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
	TokenTTL  time.Duration
}

type PushConfig struct {
	HeartbeatInterval time.Duration
	BufferSize        int
	MaxPerOwner       int
	MaxGlobal         int
	// AllowedOrigins are extra browser origins accepted for WebSocket
	// streams, from the comma-separated PUSH_ALLOWED_ORIGINS.
	AllowedOrigins []string
}

// RateLimitConfig bounds transition requests per actor. A zero RPS disables
// the limit.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// RedisConfig enables the cross-instance relay when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// Enabled reports whether a Redis address was configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type LogConfig struct {
	Level  string
	Format string
}

var defaults = map[string]any{
	"PORT":                    "8080",
	"DATABASE_PATH":           "pyme.db",
	"SHUTDOWN_TIMEOUT":        "10s",
	"AUTH_ISSUER":             "pyme",
	"AUTH_TOKEN_TTL":          "1h",
	"PUSH_HEARTBEAT_INTERVAL": "30s",
	"PUSH_BUFFER_SIZE":        16,
	"PUSH_MAX_PER_OWNER":      8,
	"PUSH_MAX_GLOBAL":         1024,
	"RATE_LIMIT_RPS":          5.0,
	"RATE_LIMIT_BURST":        10,
	"REDIS_DB":                0,
	"REDIS_CHANNEL":           "pyme:status_changes",
	"LOG_LEVEL":               "info",
	"LOG_FORMAT":              "json",
	"OTEL_SERVICE_NAME":       "pyme",
	"OTEL_SERVICE_VERSION":    "0.1.0",
	"OTEL_ENVIRONMENT":        "development",
	"OTEL_EXPORTER":           "stdout",
}

// Load reads .env from the working directory when present, then builds the
// configuration from the environment. Variables already set in the
// environment win over .env entries.
func Load() (*Config, error) {
	if err := loadEnvFile(".env"); err != nil {
		return nil, err
	}
	return FromEnv()
}

// FromEnv builds and validates the configuration from environment variables.
func FromEnv() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	env := v.GetString("OTEL_ENVIRONMENT")
	cfg := &Config{
		Port:            v.GetString("PORT"),
		DatabasePath:    v.GetString("DATABASE_PATH"),
		ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
		Auth: AuthConfig{
			JWTSecret: v.GetString("AUTH_JWT_SECRET"),
			Issuer:    v.GetString("AUTH_ISSUER"),
			TokenTTL:  v.GetDuration("AUTH_TOKEN_TTL"),
		},
		Push: PushConfig{
			HeartbeatInterval: v.GetDuration("PUSH_HEARTBEAT_INTERVAL"),
			BufferSize:        v.GetInt("PUSH_BUFFER_SIZE"),
			MaxPerOwner:       v.GetInt("PUSH_MAX_PER_OWNER"),
			MaxGlobal:         v.GetInt("PUSH_MAX_GLOBAL"),
			AllowedOrigins:    splitList(v.GetString("PUSH_ALLOWED_ORIGINS")),
		},
		RateLimit: RateLimitConfig{
			RPS:   v.GetFloat64("RATE_LIMIT_RPS"),
			Burst: v.GetInt("RATE_LIMIT_BURST"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			Channel:  v.GetString("REDIS_CHANNEL"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("LOG_LEVEL")),
			Format: strings.ToLower(v.GetString("LOG_FORMAT")),
		},
		Telemetry: otel.Config{
			ServiceName:     v.GetString("OTEL_SERVICE_NAME"),
			ServiceVersion:  v.GetString("OTEL_SERVICE_VERSION"),
			Environment:     env,
			Exporter:        v.GetString("OTEL_EXPORTER"),
			MetricsExporter: v.GetString("OTEL_METRICS_EXPORTER"),
			Insecure:        env == "development",
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("DATABASE_PATH is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("AUTH_JWT_SECRET is required"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("AUTH_TOKEN_TTL must be a positive duration"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT must be a positive duration"))
	}
	if c.Push.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("PUSH_HEARTBEAT_INTERVAL must be a positive duration"))
	}
	if c.Push.BufferSize <= 0 {
		errs = append(errs, errors.New("PUSH_BUFFER_SIZE must be positive"))
	}
	if c.Push.MaxPerOwner < 0 || c.Push.MaxGlobal < 0 {
		errs = append(errs, errors.New("push connection caps must not be negative"))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate limit must not be negative"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be json or console", c.Log.Format))
	}

	return errors.Join(errs...)
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

// loadEnvFile applies path to the environment when it exists.
func loadEnvFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}
