package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Timing.TurnTimeout != 20*time.Second {
		t.Errorf("turn_timeout = %v, want 20s", cfg.Timing.TurnTimeout)
	}
	if cfg.Thresholds.Crisis != 8 || cfg.Thresholds.WaiverMaxSeverity != 4 || cfg.Thresholds.OutOfScopeLimit != 2 {
		t.Errorf("unexpected thresholds %+v", cfg.Thresholds)
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triage.yaml")

	original := DefaultConfig()
	original.Port = "9090"
	original.Remote.Mode = RemoteOpenAI
	original.Remote.APIKey = "sk-test"
	original.Timing.ClosingDelay = 2 * time.Second
	original.Thresholds.ComplexMinTurns = 5

	if err := original.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Port != "9090" {
		t.Errorf("port: got %q", loaded.Port)
	}
	if loaded.Remote.Mode != RemoteOpenAI || loaded.Remote.APIKey != "sk-test" {
		t.Errorf("remote: got %+v", loaded.Remote)
	}
	if loaded.Timing.ClosingDelay != 2*time.Second {
		t.Errorf("closing_delay: got %v", loaded.Timing.ClosingDelay)
	}
	if loaded.Thresholds.ComplexMinTurns != 5 {
		t.Errorf("complex_min_turns: got %d", loaded.Thresholds.ComplexMinTurns)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected defaults, got port %q", cfg.Port)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRIAGE_PORT", "7070")
	t.Setenv("TRIAGE_REMOTE__MODE", "none")
	t.Setenv("TRIAGE_TIMING__TURN_TIMEOUT", "5s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "7070" {
		t.Errorf("port: got %q", cfg.Port)
	}
	if cfg.Remote.Mode != RemoteNone {
		t.Errorf("remote.mode: got %q", cfg.Remote.Mode)
	}
	if cfg.Timing.TurnTimeout != 5*time.Second {
		t.Errorf("turn_timeout: got %v", cfg.Timing.TurnTimeout)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("port: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Port = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad remote mode", func(c *Config) { c.Remote.Mode = "grpc" }},
		{"http without url", func(c *Config) { c.Remote.BaseURL = "" }},
		{"openai without key", func(c *Config) { c.Remote.Mode = RemoteOpenAI }},
		{"zero timeout", func(c *Config) { c.Timing.TurnTimeout = 0 }},
		{"negative delay", func(c *Config) { c.Timing.ClosingDelay = -time.Second }},
		{"telegram half set", func(c *Config) { c.Telegram.Token = "abc" }},
		{"waiver out of range", func(c *Config) { c.Thresholds.WaiverMaxSeverity = 11 }},
		{"zero out of scope limit", func(c *Config) { c.Thresholds.OutOfScopeLimit = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
