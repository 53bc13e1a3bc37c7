package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Pipeline.VideoInterval != 5*time.Second {
		t.Errorf("Expected video interval 5s, got %v", cfg.Pipeline.VideoInterval)
	}
	if cfg.Pipeline.AudioSegment != 10*time.Second {
		t.Errorf("Expected audio segment 10s, got %v", cfg.Pipeline.AudioSegment)
	}
	if cfg.Pipeline.PersistEvery != 5 {
		t.Errorf("Expected persist every 5, got %d", cfg.Pipeline.PersistEvery)
	}
	if cfg.AI.Timeout != 60*time.Second {
		t.Errorf("Expected AI timeout 60s, got %v", cfg.AI.Timeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PIPELINE_VIDEO_INTERVAL", "250ms")
	t.Setenv("PIPELINE_PERSIST_EVERY", "3")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("AI_REQUESTS_PER_SECOND", "0.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Pipeline.VideoInterval != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %v", cfg.Pipeline.VideoInterval)
	}
	if cfg.Pipeline.PersistEvery != 3 {
		t.Errorf("Expected 3, got %d", cfg.Pipeline.PersistEvery)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("Unexpected origins: %v", cfg.Server.AllowedOrigins)
	}
	if cfg.AI.RequestsPerSecond != 0.5 {
		t.Errorf("Expected 0.5 rps, got %v", cfg.AI.RequestsPerSecond)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"zero persist cadence", "PIPELINE_PERSIST_EVERY", "0"},
		{"negative video interval", "PIPELINE_VIDEO_INTERVAL", "-1s"},
		{"zero upload limit", "PIPELINE_MAX_UPLOAD_BYTES", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestProductionRequiresSecret(t *testing.T) {
	t.Setenv("ENV", "production")
	if _, err := Load(); err == nil {
		t.Error("Expected error for default JWT secret in production")
	}

	t.Setenv("AUTH_JWT_SECRET", "s3cret")
	if _, err := Load(); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
}
