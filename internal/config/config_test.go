package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	yaml := `
gateway:
  port: 8181
  read_timeout: 10s
database:
  dsn: ":memory:"
providers:
  - name: openai-us
    family: openai
    base_url: https://api.openai.com/v1
    models:
      - name: gpt-4o
        context_length: 128000
        input_per_1k: 0.0025
        output_per_1k: 0.01
        quality_score: 0.9
    priority: 1
keys:
  - provider: openai-us
    name: primary
    key: sk-pool-1
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Gateway.Port != 8181 {
		t.Errorf("gateway port = %d, want 8181", cfg.Gateway.Port)
	}
	if cfg.Gateway.Addr() != ":8181" {
		t.Errorf("addr = %q", cfg.Gateway.Addr())
	}
	if cfg.Database.DSN != ":memory:" {
		t.Errorf("dsn = %q", cfg.Database.DSN)
	}
	if len(cfg.Providers) != 1 {
		t.Fatalf("providers = %d, want 1", len(cfg.Providers))
	}
	m, ok := cfg.Providers[0].Model("gpt-4o")
	if !ok || m.InputPer1K != 0.0025 {
		t.Errorf("model metadata = %+v ok=%v", m, ok)
	}
	if len(cfg.Keys) != 1 || cfg.Keys[0].Key.Reveal() != "sk-pool-1" {
		t.Errorf("keys = %+v", cfg.Keys)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Gateway.Port != 8080 {
		t.Errorf("default gateway port = %d", cfg.Gateway.Port)
	}
	if cfg.Admin.Port != 9090 {
		t.Errorf("default admin port = %d", cfg.Admin.Port)
	}
	if cfg.Routing.DefaultStrategy != "balanced" {
		t.Errorf("default strategy = %q", cfg.Routing.DefaultStrategy)
	}
	if cfg.Routing.MaxCandidates != 4 {
		t.Errorf("default max_candidates = %d", cfg.Routing.MaxCandidates)
	}
	if cfg.Routing.KeyStrategy != "least_used" {
		t.Errorf("default key strategy = %q", cfg.Routing.KeyStrategy)
	}
	if cfg.Cache.ChatTTL != 5*time.Minute {
		t.Errorf("default chat ttl = %s", cfg.Cache.ChatTTL)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("default retry attempts = %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Breaker.FailRatio != 0.5 {
		t.Errorf("default fail ratio = %v", cfg.Breaker.FailRatio)
	}
}

func TestExpandEnv(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	t.Setenv("TEST_UPSTREAM_KEY", "sk-secret-123")

	yaml := `
providers:
  - name: openai-us
    family: openai
keys:
  - provider: openai-us
    name: main
    key: ${TEST_UPSTREAM_KEY}
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Keys[0].Key.Reveal(); got != "sk-secret-123" {
		t.Errorf("expanded key = %q, want sk-secret-123", got)
	}

	// Unset variables stay literal so the failure is visible downstream.
	out := expandEnv([]byte("key: ${TEST_UNSET_VAR_XYZ}"))
	if string(out) != "key: ${TEST_UNSET_VAR_XYZ}" {
		t.Errorf("unset var expanded to %q", out)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_PORT", "8282")
	t.Setenv("DEFAULT_STRATEGY", "cost_first")
	t.Setenv("CACHE_TTL_CHAT", "90s")
	t.Setenv("BREAKER_FAIL_RATIO", "0.25")
	t.Setenv("RETRY_BUDGET_MS", "5000")
	t.Setenv("STREAM_IDLE_TIMEOUT_MS", "30000")

	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Gateway.Port != 8282 {
		t.Errorf("GATEWAY_PORT override: port = %d", cfg.Gateway.Port)
	}
	if cfg.Routing.DefaultStrategy != "cost_first" {
		t.Errorf("DEFAULT_STRATEGY override: %q", cfg.Routing.DefaultStrategy)
	}
	if cfg.Cache.ChatTTL != 90*time.Second {
		t.Errorf("CACHE_TTL_CHAT override: %s", cfg.Cache.ChatTTL)
	}
	if cfg.Breaker.FailRatio != 0.25 {
		t.Errorf("BREAKER_FAIL_RATIO override: %v", cfg.Breaker.FailRatio)
	}
	if cfg.Retry.Budget != 5*time.Second {
		t.Errorf("RETRY_BUDGET_MS override: %s", cfg.Retry.Budget)
	}
	if cfg.Streams.IdleTimeout != 30*time.Second {
		t.Errorf("STREAM_IDLE_TIMEOUT_MS override: %s", cfg.Streams.IdleTimeout)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port collision", func(c *Config) { c.Admin.Port = c.Gateway.Port }},
		{"unknown strategy", func(c *Config) { c.Routing.DefaultStrategy = "cheapest" }},
		{"zero candidates", func(c *Config) { c.Routing.MaxCandidates = 0 }},
		{"unknown key strategy", func(c *Config) { c.Routing.KeyStrategy = "sticky" }},
		{"fail ratio over 1", func(c *Config) { c.Breaker.FailRatio = 1.5 }},
		{"zero retry attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"duplicate provider", func(c *Config) {
			c.Providers = []ProviderEntry{{Name: "a", Family: "openai"}, {Name: "a", Family: "openai"}}
		}},
		{"unknown family", func(c *Config) {
			c.Providers = []ProviderEntry{{Name: "a", Family: "cohere"}}
		}},
		{"key without provider", func(c *Config) {
			c.Keys = []UpstreamKeyEntry{{Provider: "ghost", Name: "k", Key: "x"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("validation should fail")
			}
		})
	}
}

func TestResolvedAuthType(t *testing.T) {
	t.Parallel()

	if got := (ProviderEntry{Name: "openai"}).ResolvedAuthType(); got != "api_key" {
		t.Errorf("default auth = %q", got)
	}
	if got := (ProviderEntry{Name: "g", Hosting: "vertex"}).ResolvedAuthType(); got != "gcp_oauth" {
		t.Errorf("vertex auth = %q", got)
	}
	if got := (ProviderEntry{Name: "a", Hosting: "bedrock"}).ResolvedAuthType(); got != "aws_sigv4" {
		t.Errorf("bedrock auth = %q", got)
	}
	p := ProviderEntry{Name: "x", Hosting: "vertex", Auth: &AuthEntry{Type: "api_key"}}
	if got := p.ResolvedAuthType(); got != "api_key" {
		t.Errorf("explicit auth = %q", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	enabled := true
	cfg := Default()
	cfg.Providers = []ProviderEntry{{
		Name:    "openai-us",
		Family:  "openai",
		Enabled: &enabled,
		Models:  []ModelEntry{{Name: "gpt-4o", Tags: []string{"tools"}}},
	}}
	cfg.Keys = []UpstreamKeyEntry{{Provider: "openai-us", Name: "k", Key: "sk-1"}}

	cp := cfg.Clone()
	cp.Providers[0].Models[0].Name = "changed"
	cp.Providers[0].Models[0].Tags[0] = "changed"
	*cp.Providers[0].Enabled = false
	cp.Keys[0].Name = "changed"

	if cfg.Providers[0].Models[0].Name != "gpt-4o" {
		t.Error("model slice should be copied")
	}
	if cfg.Providers[0].Models[0].Tags[0] != "tools" {
		t.Error("tags slice should be copied")
	}
	if !*cfg.Providers[0].Enabled {
		t.Error("enabled pointer should be copied")
	}
	if cfg.Keys[0].Name != "k" {
		t.Error("keys slice should be copied")
	}
	// Secrets must survive clone without redaction.
	if cp.Keys[0].Key.Reveal() != "sk-1" {
		t.Errorf("cloned secret = %q", cp.Keys[0].Key.Reveal())
	}
}
