// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Session store backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds all application configuration.
type Config struct {
	Port              string
	AppEnv            string
	DBPath            string
	SessionBackend    string
	RedisURL          string
	RedisRetention    time.Duration
	SessionTimeout    time.Duration
	SweepInterval     time.Duration
	KnowledgeBasePath string
	ModelServiceAddr  string
	ClassifierTimeout time.Duration
	AllowedOrigins    []string
	NATSURL           string
	LogLevel          slog.Level
	InteractionLog    InteractionLogConfig
	Tracing           TracingConfig
}

// InteractionLogConfig controls the NDJSON interaction log.
type InteractionLogConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	QueueSize  int
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled  bool
	Endpoint string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		AppEnv:            getEnv("APP_ENV", "development"),
		DBPath:            getEnv("DB_PATH", "./data/chatdesk.db"),
		SessionBackend:    strings.ToLower(getEnv("SESSION_BACKEND", BackendSQLite)),
		RedisURL:          getEnv("REDIS_URL", ""),
		RedisRetention:    getEnvDuration("REDIS_SESSION_RETENTION", 7*24*time.Hour),
		SessionTimeout:    getEnvDuration("SESSION_TIMEOUT", time.Hour),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		KnowledgeBasePath: getEnv("KNOWLEDGE_BASE_PATH", "./data/knowledge_base.json"),
		ModelServiceAddr:  getEnv("MODEL_SERVICE_ADDR", ""),
		ClassifierTimeout: getEnvDuration("CLASSIFIER_TIMEOUT", 2*time.Second),
		AllowedOrigins:    getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		NATSURL:           getEnv("NATS_URL", ""),
		LogLevel:          getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		InteractionLog: InteractionLogConfig{
			Enabled:    getEnvBool("INTERACTION_LOG_ENABLED", true),
			Path:       getEnv("INTERACTION_LOG_PATH", "./data/logs/interactions.ndjson"),
			MaxSizeMB:  getEnvInt("INTERACTION_LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("INTERACTION_LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvInt("INTERACTION_LOG_MAX_AGE_DAYS", 30),
			Compress:   getEnvBool("INTERACTION_LOG_COMPRESS", true),
			QueueSize:  getEnvInt("INTERACTION_LOG_QUEUE_SIZE", 1000),
		},
		Tracing: TracingConfig{
			Enabled:  getEnvBool("OTEL_ENABLED", false),
			Endpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.SessionBackend {
	case BackendSQLite, BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when SESSION_BACKEND=redis")
		}
	default:
		return fmt.Errorf("SESSION_BACKEND must be one of sqlite, redis, memory (got %q)", c.SessionBackend)
	}
	if c.SessionBackend != BackendMemory && c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("SESSION_TIMEOUT must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	if c.ClassifierTimeout <= 0 {
		return fmt.Errorf("CLASSIFIER_TIMEOUT must be > 0")
	}
	if c.InteractionLog.Enabled && c.InteractionLog.Path == "" {
		return fmt.Errorf("INTERACTION_LOG_PATH cannot be empty")
	}
	if c.InteractionLog.QueueSize <= 0 {
		return fmt.Errorf("INTERACTION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
