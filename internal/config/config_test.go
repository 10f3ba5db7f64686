package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Session.ChunkInterval != 5*time.Second {
		t.Errorf("expected 5s chunk interval, got %v", cfg.Session.ChunkInterval)
	}
	if cfg.Session.OfflineTimeout != 2*time.Minute {
		t.Errorf("expected 2m offline timeout, got %v", cfg.Session.OfflineTimeout)
	}
	if cfg.Speech.SilenceTimeout != 3*time.Second {
		t.Errorf("expected 3s silence timeout, got %v", cfg.Speech.SilenceTimeout)
	}
	if cfg.Speech.FallbackAnswerWindow != 15*time.Second {
		t.Errorf("expected 15s fallback window, got %v", cfg.Speech.FallbackAnswerWindow)
	}
	if cfg.Delivery.FinalSendAttempts != 3 {
		t.Errorf("expected 3 final attempts, got %d", cfg.Delivery.FinalSendAttempts)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("OFFLINE_TIMEOUT", "90s")
	t.Setenv("NO_SPEECH_TIMEOUT", "6000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("FINAL_SEND_ATTEMPTS", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Session.OfflineTimeout != 90*time.Second {
		t.Errorf("expected 90s, got %v", cfg.Session.OfflineTimeout)
	}
	if cfg.Speech.NoSpeechTimeout != 6*time.Second {
		t.Errorf("expected bare milliseconds to parse, got %v", cfg.Speech.NoSpeechTimeout)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("expected debug level, got %v", cfg.LogLevel)
	}
	if cfg.Delivery.FinalSendAttempts != 5 {
		t.Errorf("expected 5 attempts, got %d", cfg.Delivery.FinalSendAttempts)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"COLLECTOR_URL":       "not a url",
		"CHUNK_INTERVAL":      "0",
		"FINAL_SEND_ATTEMPTS": "0",
		"DB_PATH":             "",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", key, value)
			}
		})
	}
}

func TestAllowedOrigins(t *testing.T) {
	cfg := &Config{FrontendURL: "https://interview.example.com"}
	got := cfg.AllowedOrigins()
	if len(got) != 1 || got[0] != "https://interview.example.com" {
		t.Errorf("unexpected origins %v", got)
	}
	dev := &Config{}
	if o := dev.AllowedOrigins(); len(o) != 1 || o[0] != "*" {
		t.Errorf("expected wildcard in development, got %v", o)
	}
}
