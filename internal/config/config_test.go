package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	// Set some test environment variables
	if err := os.Setenv("SERVER_PORT", "9090"); err != nil {
		t.Fatalf("Failed to set SERVER_PORT: %v", err)
	}
	if err := os.Setenv("POSTGRES_HOST", "testhost"); err != nil {
		t.Fatalf("Failed to set POSTGRES_HOST: %v", err)
	}
	if err := os.Setenv("CACHE_TTL_MALICIOUS", "5m"); err != nil {
		t.Fatalf("Failed to set CACHE_TTL_MALICIOUS: %v", err)
	}
	if err := os.Setenv("ANALYZER_TIER1_THRESHOLD", "2.5"); err != nil {
		t.Fatalf("Failed to set ANALYZER_TIER1_THRESHOLD: %v", err)
	}
	defer func() {
		_ = os.Unsetenv("SERVER_PORT")
		_ = os.Unsetenv("POSTGRES_HOST")
		_ = os.Unsetenv("CACHE_TTL_MALICIOUS")
		_ = os.Unsetenv("ANALYZER_TIER1_THRESHOLD")
	}()

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}

	if cfg.Database.Postgres.Host != "testhost" {
		t.Errorf("Database.Postgres.Host = %v, want %v", cfg.Database.Postgres.Host, "testhost")
	}

	if cfg.Cache.MaliciousTTL != 5*time.Minute {
		t.Errorf("Cache.MaliciousTTL = %v, want %v", cfg.Cache.MaliciousTTL, 5*time.Minute)
	}

	if cfg.Analyzer.Tier1Threshold != 2.5 {
		t.Errorf("Analyzer.Tier1Threshold = %v, want %v", cfg.Analyzer.Tier1Threshold, 2.5)
	}

	// Defaults carry when nothing is set
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("Breaker.FailureThreshold = %v, want 5", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.Window != time.Minute {
		t.Errorf("Breaker.Window = %v, want 1m", cfg.Breaker.Window)
	}
}

func TestTTLForLevel(t *testing.T) {
	cache := CacheConfig{
		BenignTTL:     24 * time.Hour,
		SuspiciousTTL: time.Hour,
		MaliciousTTL:  15 * time.Minute,
	}

	tests := []struct {
		level string
		want  time.Duration
		ok    bool
	}{
		{"benign", 24 * time.Hour, true},
		{"suspicious", time.Hour, true},
		{"malicious", 15 * time.Minute, true},
		{"bogus", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			got, ok := cache.TTLForLevel(tt.level)
			if got != tt.want || ok != tt.ok {
				t.Errorf("TTLForLevel(%q) = (%v, %v), want (%v, %v)", tt.level, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_KEY",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when environment variable not set",
			key:          "NONEXISTENT_KEY",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				if err := os.Setenv(tt.key, tt.envValue); err != nil {
					t.Fatalf("Failed to set env var: %v", err)
				}
				defer func() {
					_ = os.Unsetenv(tt.key)
				}()
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue int
		envValue     string
		want         int
	}{
		{
			name:         "returns integer when valid",
			key:          "TEST_INT",
			defaultValue: 100,
			envValue:     "200",
			want:         200,
		},
		{
			name:         "returns default when invalid",
			key:          "TEST_INT_INVALID",
			defaultValue: 100,
			envValue:     "invalid",
			want:         100,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_INT_NOTSET",
			defaultValue: 100,
			envValue:     "",
			want:         100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				if err := os.Setenv(tt.key, tt.envValue); err != nil {
					t.Fatalf("Failed to set env var: %v", err)
				}
				defer func() {
					_ = os.Unsetenv(tt.key)
				}()
			}

			got := getEnvAsInt(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvAsInt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsFloat(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue float64
		envValue     string
		want         float64
	}{
		{
			name:         "returns float when valid",
			key:          "TEST_FLOAT",
			defaultValue: 1.5,
			envValue:     "2.25",
			want:         2.25,
		},
		{
			name:         "returns default when invalid",
			key:          "TEST_FLOAT_INVALID",
			defaultValue: 1.5,
			envValue:     "invalid",
			want:         1.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				if err := os.Setenv(tt.key, tt.envValue); err != nil {
					t.Fatalf("Failed to set env var: %v", err)
				}
				defer func() {
					_ = os.Unsetenv(tt.key)
				}()
			}

			got := getEnvAsFloat(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvAsFloat() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue time.Duration
		envValue     string
		want         time.Duration
	}{
		{
			name:         "returns duration when valid",
			key:          "TEST_DURATION",
			defaultValue: 10 * time.Second,
			envValue:     "30s",
			want:         30 * time.Second,
		},
		{
			name:         "returns default when invalid",
			key:          "TEST_DURATION_INVALID",
			defaultValue: 10 * time.Second,
			envValue:     "invalid",
			want:         10 * time.Second,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_DURATION_NOTSET",
			defaultValue: 10 * time.Second,
			envValue:     "",
			want:         10 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				if err := os.Setenv(tt.key, tt.envValue); err != nil {
					t.Fatalf("Failed to set env var: %v", err)
				}
				defer func() {
					_ = os.Unsetenv(tt.key)
				}()
			}

			got := getEnvAsDuration(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvAsDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}
