// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all interview host configuration.
type Config struct {
	Port         string
	FrontendURL  string
	DBPath       string
	CollectorURL string
	LogLevel     slog.Level

	// SpeechHealthAddr is an optional gRPC address of the recognition backend.
	SpeechHealthAddr string
	// RecoverySweepInterval enables the background recovery worker when > 0.
	RecoverySweepInterval time.Duration

	Session  SessionConfig
	Speech   SpeechConfig
	Delivery DeliveryConfig
}

// SessionConfig controls capture and the offline policy.
type SessionConfig struct {
	ChunkInterval        time.Duration
	OfflineTimeout       time.Duration
	OfflineProbeInterval time.Duration
	AdvanceDelay         time.Duration
	UnloadTimeout        time.Duration
}

// SpeechConfig controls the listening window.
type SpeechConfig struct {
	NoSpeechTimeout      time.Duration
	SilenceTimeout       time.Duration
	FallbackAnswerWindow time.Duration
}

// DeliveryConfig controls requests to the collection service.
type DeliveryConfig struct {
	RequestTimeout    time.Duration
	FinalSendAttempts int
	FinalRetryDelay   time.Duration
}

// CollectorConfig holds configuration of the reference collection service.
type CollectorConfig struct {
	Port          string
	DBPath        string
	QuestionsFile string
	LogLevel      slog.Level
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		FrontendURL:           getEnv("FRONTEND_URL", ""),
		DBPath:                getEnv("DB_PATH", "./data/chunks.db"),
		CollectorURL:          getEnv("COLLECTOR_URL", "http://localhost:8090"),
		LogLevel:              getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		SpeechHealthAddr:      getEnv("SPEECH_HEALTH_ADDR", ""),
		RecoverySweepInterval: getEnvDuration("RECOVERY_SWEEP_INTERVAL", 0),
		Session: SessionConfig{
			ChunkInterval:        getEnvDuration("CHUNK_INTERVAL", 5*time.Second),
			OfflineTimeout:       getEnvDuration("OFFLINE_TIMEOUT", 2*time.Minute),
			OfflineProbeInterval: getEnvDuration("OFFLINE_PROBE_INTERVAL", 10*time.Second),
			AdvanceDelay:         getEnvDuration("ADVANCE_DELAY", 1500*time.Millisecond),
			UnloadTimeout:        getEnvDuration("UNLOAD_TIMEOUT", 2*time.Second),
		},
		Speech: SpeechConfig{
			NoSpeechTimeout:      getEnvDuration("NO_SPEECH_TIMEOUT", 5*time.Second),
			SilenceTimeout:       getEnvDuration("SILENCE_TIMEOUT", 3*time.Second),
			FallbackAnswerWindow: getEnvDuration("FALLBACK_ANSWER_WINDOW", 15*time.Second),
		},
		Delivery: DeliveryConfig{
			RequestTimeout:    getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
			FinalSendAttempts: getEnvInt("FINAL_SEND_ATTEMPTS", 3),
			FinalRetryDelay:   getEnvDuration("FINAL_RETRY_DELAY", 2*time.Second),
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
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if u, err := url.Parse(c.CollectorURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("COLLECTOR_URL must be an absolute URL, got %q", c.CollectorURL)
	}

	positive := map[string]time.Duration{
		"CHUNK_INTERVAL":         c.Session.ChunkInterval,
		"OFFLINE_TIMEOUT":        c.Session.OfflineTimeout,
		"OFFLINE_PROBE_INTERVAL": c.Session.OfflineProbeInterval,
		"UNLOAD_TIMEOUT":         c.Session.UnloadTimeout,
		"NO_SPEECH_TIMEOUT":      c.Speech.NoSpeechTimeout,
		"SILENCE_TIMEOUT":        c.Speech.SilenceTimeout,
		"FALLBACK_ANSWER_WINDOW": c.Speech.FallbackAnswerWindow,
		"REQUEST_TIMEOUT":        c.Delivery.RequestTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", key)
		}
	}
	if c.Session.AdvanceDelay < 0 {
		return fmt.Errorf("ADVANCE_DELAY must be >= 0")
	}
	if c.Delivery.FinalSendAttempts <= 0 {
		return fmt.Errorf("FINAL_SEND_ATTEMPTS must be > 0")
	}
	if c.RecoverySweepInterval < 0 {
		return fmt.Errorf("RECOVERY_SWEEP_INTERVAL must be >= 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS/WebSocket origins to accept.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

// LoadCollector reads the reference collection service configuration.
func LoadCollector() (*CollectorConfig, error) {
	cfg := &CollectorConfig{
		Port:          getEnv("COLLECTOR_PORT", "8090"),
		DBPath:        getEnv("COLLECTOR_DB_PATH", "./data/collector.db"),
		QuestionsFile: getEnv("QUESTIONS_FILE", "./questions.yaml"),
		LogLevel:      getEnvLevel("LOG_LEVEL", slog.LevelInfo),
	}
	if cfg.Port == "" {
		return nil, fmt.Errorf("invalid configuration: COLLECTOR_PORT cannot be empty")
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("invalid configuration: COLLECTOR_DB_PATH cannot be empty")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
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

// getEnvDuration accepts Go durations ("90s") or bare milliseconds ("5000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
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
