package config

import (
	"os"
	"strconv"
	"time"
)

// applyEnv layers the recognized environment overrides on top of a parsed
// config. Environment wins over the file so deployments can retune without
// editing YAML.
func applyEnv(cfg *Config) {
	envString("GATEWAY_HOST", &cfg.Gateway.Host)
	envInt("GATEWAY_PORT", &cfg.Gateway.Port)
	envString("ADMIN_HOST", &cfg.Admin.Host)
	envInt("ADMIN_PORT", &cfg.Admin.Port)

	envString("DEFAULT_STRATEGY", &cfg.Routing.DefaultStrategy)

	envDuration("CACHE_TTL_CHAT", &cfg.Cache.ChatTTL)
	envDuration("CACHE_TTL_EMBED", &cfg.Cache.EmbedTTL)
	envDuration("CACHE_TTL_IMAGE", &cfg.Cache.ImageTTL)

	envInt("BREAKER_WINDOW", &cfg.Breaker.WindowSeconds)
	envFloat("BREAKER_FAIL_RATIO", &cfg.Breaker.FailRatio)
	envInt("BREAKER_SAMPLE_MIN", &cfg.Breaker.MinSamples)
	envDuration("BREAKER_COOLDOWN", &cfg.Breaker.Cooldown)

	envInt("RETRY_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts)
	envMillis("RETRY_BUDGET_MS", &cfg.Retry.Budget)

	envMillis("STREAM_IDLE_TIMEOUT_MS", &cfg.Streams.IdleTimeout)
	envMillis("REQUEST_DEADLINE_MS", &cfg.Gateway.RequestDeadline)
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v, ok := os.LookupEnv(name); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// envDuration accepts Go duration syntax ("30s") or a bare integer meaning
// seconds.
func envDuration(name string, dst *time.Duration) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
	}
}

func envMillis(name string, dst *time.Duration) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
