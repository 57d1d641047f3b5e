package config

import (
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{"returns default when not set", "AGENTLENS_TEST_UNSET", "default", "", "default"},
		{"returns env value when set", "AGENTLENS_TEST_SET", "default", "custom", "custom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv(%q, %q) = %q, want %q", tt.key, tt.defaultValue, got, tt.want)
			}
		})
	}
}

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue int
		envValue     string
		want         int
	}{
		{"returns default when not set", "AGENTLENS_INT_UNSET", 100, "", 100},
		{"parses valid int", "AGENTLENS_INT_VALID", 100, "42", 42},
		{"returns default on invalid int", "AGENTLENS_INT_INVALID", 100, "not-a-number", 100},
		{"parses zero", "AGENTLENS_INT_ZERO", 100, "0", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnvInt(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvInt(%q, %d) = %d, want %d", tt.key, tt.defaultValue, got, tt.want)
			}
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue bool
		want         bool
	}{
		{"returns default when not set", "", true, true},
		{"parses true", "true", false, true},
		{"parses 0", "0", true, false},
		{"returns default on garbage", "maybe", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv("AGENTLENS_BOOL", tt.envValue)
			}

			got := getEnvBool("AGENTLENS_BOOL", tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvBool(%q) = %v, want %v", tt.envValue, got, tt.want)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     time.Duration
	}{
		{"returns default when not set", "", time.Second},
		{"parses duration", "250ms", 250 * time.Millisecond},
		{"returns default on invalid duration", "soon", time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv("AGENTLENS_DURATION", tt.envValue)
			}

			got := getEnvDuration("AGENTLENS_DURATION", time.Second)
			if got != tt.want {
				t.Errorf("getEnvDuration(%q) = %v, want %v", tt.envValue, got, tt.want)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("AGENTLENS_PORT", "9000")
	t.Setenv("AGENTLENS_SAME_TURN_WINDOW", "3s")
	t.Setenv("AGENTLENS_QUEUE_ENABLED", "true")
	t.Setenv("AGENTLENS_DB", "/tmp/x.db")

	cfg := DefaultLocalConfig()
	ApplyEnv(cfg)

	if cfg.Daemon.Port != 9000 {
		t.Errorf("Daemon.Port = %d, want 9000", cfg.Daemon.Port)
	}
	if cfg.Correlation.SameTurnWindow != 3*time.Second {
		t.Errorf("Correlation.SameTurnWindow = %v, want 3s", cfg.Correlation.SameTurnWindow)
	}
	if !cfg.Queue.Enabled {
		t.Error("Queue.Enabled = false, want true")
	}
	if cfg.Store.Path != "/tmp/x.db" {
		t.Errorf("Store.Path = %q, want /tmp/x.db", cfg.Store.Path)
	}
	if cfg.Daemon.Bind != "127.0.0.1" {
		t.Errorf("Daemon.Bind = %q, want unchanged default", cfg.Daemon.Bind)
	}
}
