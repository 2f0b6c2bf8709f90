package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ent0n29/companion/internal/completion"
	"github.com/ent0n29/companion/internal/ratelimit"
)

// Config contains all runtime settings for the companion chat service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	Environment              string

	AllowAnyOrigin bool

	LogFilePath string
	LogLevel    string

	CompletionMode    string
	GeminiAPIKey      string
	GeminiBaseURL     string
	GeminiModel       string
	CompletionTimeout time.Duration

	DatabaseURL    string
	PersistTimeout time.Duration

	RedisURL             string
	RateLimitMaxMessages int
	RateLimitWindow      time.Duration
	RateLimitTick        time.Duration
}

func (c Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// LoadDotEnv reads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "companion"),
		Environment:              envOrDefault("APP_ENV", "development"),
		AllowAnyOrigin:           false,
		LogFilePath:              stringsTrimSpace("LOG_FILE_PATH"),
		LogLevel:                 envOrDefault("LOG_LEVEL", "info"),
		CompletionMode:           envOrDefault("COMPLETION_MODE", "auto"),
		GeminiAPIKey:             stringsTrimSpace("GEMINI_API_KEY"),
		GeminiBaseURL:            envOrDefault("GEMINI_BASE_URL", completion.DefaultGeminiBaseURL),
		GeminiModel:              envOrDefault("GEMINI_MODEL", completion.DefaultGeminiModel),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		RedisURL:                 stringsTrimSpace("REDIS_URL"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
		CompletionTimeout:        60 * time.Second,
		PersistTimeout:           10 * time.Second,
		RateLimitMaxMessages:     ratelimit.DefaultMaxMessages,
		RateLimitWindow:          ratelimit.DefaultWindow,
		RateLimitTick:            ratelimit.DefaultTick,
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"COMPLETION_TIMEOUT", &cfg.CompletionTimeout},
		{"PERSIST_TIMEOUT", &cfg.PersistTimeout},
		{"RATE_LIMIT_WINDOW", &cfg.RateLimitWindow},
		{"RATE_LIMIT_TICK", &cfg.RateLimitTick},
	}
	for _, d := range durations {
		v, err := durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}
	var err error
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitMaxMessages, err = intFromEnv("RATE_LIMIT_MAX_MESSAGES", cfg.RateLimitMaxMessages); err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	switch strings.ToLower(cfg.CompletionMode) {
	case "auto", "gemini", "mock":
	default:
		return Config{}, fmt.Errorf("COMPLETION_MODE must be auto|gemini|mock")
	}
	if cfg.CompletionTimeout <= 0 {
		return Config{}, fmt.Errorf("COMPLETION_TIMEOUT must be positive")
	}
	if cfg.PersistTimeout <= 0 {
		return Config{}, fmt.Errorf("PERSIST_TIMEOUT must be positive")
	}
	if cfg.RateLimitMaxMessages <= 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_MAX_MESSAGES must be positive")
	}
	if cfg.RateLimitWindow < time.Minute {
		return Config{}, fmt.Errorf("RATE_LIMIT_WINDOW must be at least 1m")
	}
	if cfg.RateLimitTick < time.Second {
		return Config{}, fmt.Errorf("RATE_LIMIT_TICK must be at least 1s")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
