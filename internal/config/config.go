package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the rephrasing service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	EventBuffer              int
	MetricsNamespace         string

	FrontendOrigin string
	AllowAnyOrigin bool

	UpstreamMode  string
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIURL     string
	MockChunkWait time.Duration

	// Tries of a request rejected with 429 or 5xx.
	UpstreamMaxAttempts int

	StyleTemperature float64
	StylesFile       string

	DatabaseURL  string
	HistoryLimit int

	LogLevel  string
	LogFormat string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8000"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "restyle"),
		// The bundled frontend runs on the vite dev server by default.
		FrontendOrigin:           envOrDefault("FRONTEND_ORIGIN", "http://localhost:5173"),
		UpstreamMode:             envOrDefault("UPSTREAM_MODE", "auto"),
		OpenAIAPIKey:             stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIModel:              envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIURL:                envOrDefault("OPENAI_URL", "https://api.openai.com/v1/chat/completions"),
		StylesFile:               stringsTrimSpace("STYLES_FILE"),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		LogLevel:                 envOrDefault("LOG_LEVEL", "info"),
		LogFormat:                envOrDefault("LOG_FORMAT", "text"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		MockChunkWait:            40 * time.Millisecond,
		UpstreamMaxAttempts:      2,
		EventBuffer:              256,
		StyleTemperature:         0.7,
		HistoryLimit:             50,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MockChunkWait, err = durationFromEnv("UPSTREAM_MOCK_CHUNK_WAIT", cfg.MockChunkWait)
	if err != nil {
		return Config{}, err
	}
	cfg.EventBuffer, err = intFromEnv("APP_EVENT_BUFFER", cfg.EventBuffer)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamMaxAttempts, err = intFromEnv("UPSTREAM_MAX_ATTEMPTS", cfg.UpstreamMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryLimit, err = intFromEnv("HISTORY_LIMIT", cfg.HistoryLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.StyleTemperature, err = floatFromEnv("STYLE_TEMPERATURE", cfg.StyleTemperature)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges. Load calls it; callers building a Config by hand may too.
func (c Config) Validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("APP_EVENT_BUFFER must be positive")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be positive")
	}
	if c.StyleTemperature < 0 || c.StyleTemperature > 2 {
		return fmt.Errorf("STYLE_TEMPERATURE must be within [0, 2]")
	}
	if c.UpstreamMaxAttempts < 1 {
		return fmt.Errorf("UPSTREAM_MAX_ATTEMPTS must be at least 1")
	}
	if c.MockChunkWait < 0 {
		return fmt.Errorf("UPSTREAM_MOCK_CHUNK_WAIT must be >= 0")
	}
	switch strings.ToLower(c.UpstreamMode) {
	case "auto", "http", "mock":
	default:
		return fmt.Errorf("invalid UPSTREAM_MODE: %q (expected auto|http|mock)", c.UpstreamMode)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
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

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
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
