package config

import (
	"os"
	"strconv"
	"time"
)

// ApplyEnv overrides cfg from AGENTLENS_* environment variables
func ApplyEnv(cfg *LocalConfig) {
	cfg.Daemon.Port = getEnvInt("AGENTLENS_PORT", cfg.Daemon.Port)
	cfg.Daemon.Bind = getEnv("AGENTLENS_BIND", cfg.Daemon.Bind)
	cfg.Daemon.LogLevel = getEnv("AGENTLENS_LOG_LEVEL", cfg.Daemon.LogLevel)

	cfg.Capture.FlushInterval = getEnvDuration("AGENTLENS_FLUSH_INTERVAL", cfg.Capture.FlushInterval)

	cfg.Correlation.SameTurnWindow = getEnvDuration("AGENTLENS_SAME_TURN_WINDOW", cfg.Correlation.SameTurnWindow)

	cfg.Store.Path = getEnv("AGENTLENS_DB", cfg.Store.Path)

	cfg.Sync.Interval = getEnvDuration("AGENTLENS_SYNC_INTERVAL", cfg.Sync.Interval)

	cfg.Queue.Enabled = getEnvBool("AGENTLENS_QUEUE_ENABLED", cfg.Queue.Enabled)
	cfg.Queue.URL = getEnv("AGENTLENS_AMQP_URL", cfg.Queue.URL)

	cfg.Telemetry.Enabled = getEnvBool("AGENTLENS_TELEMETRY", cfg.Telemetry.Enabled)
	cfg.Telemetry.Endpoint = getEnv("AGENTLENS_OTLP_ENDPOINT", cfg.Telemetry.Endpoint)

	cfg.Replay.RatePerSecond = getEnvInt("AGENTLENS_REPLAY_RATE", cfg.Replay.RatePerSecond)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
