// Package config handles YAML configuration loading with environment
// variable expansion, validation, and atomic snapshot publication.
package config

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/palisade-ai/palisade/internal"
)

// Config is the top-level gateway configuration. A loaded Config is
// immutable once published as a snapshot; mutations go through
// Store.Update which copies, validates, and swaps.
type Config struct {
	Gateway   ServerConfig       `yaml:"gateway"`
	Admin     ServerConfig       `yaml:"admin"`
	Database  DatabaseConfig     `yaml:"database"`
	Auth      AuthConfig         `yaml:"auth"`
	Routing   RoutingConfig      `yaml:"routing"`
	Cache     CacheConfig        `yaml:"cache"`
	Breaker   BreakerConfig      `yaml:"breaker"`
	Retry     RetryConfig        `yaml:"retry"`
	Streams   StreamConfig       `yaml:"streams"`
	Limits    LimitConfig        `yaml:"limits"`
	Telemetry TelemetryConfig    `yaml:"telemetry"`
	Providers []ProviderEntry    `yaml:"providers"`
	Keys      []UpstreamKeyEntry `yaml:"keys"`
	Tenants   []TenantKeyEntry   `yaml:"tenants"`
	Prices    []PriceEntry       `yaml:"prices"`
}

// ServerConfig holds HTTP server settings for one listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequestDeadline time.Duration `yaml:"request_deadline"` // overall per-request budget
}

// Addr returns the host:port bind address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AuthConfig holds control-plane authentication settings.
type AuthConfig struct {
	AdminKey Secret `yaml:"admin_key"` // control-plane bearer key
}

// RoutingConfig holds router defaults.
type RoutingConfig struct {
	DefaultStrategy  string        `yaml:"default_strategy"` // cost_first, latency_first, quality_first, balanced
	MaxCandidates    int           `yaml:"max_candidates"`
	DecisionCacheTTL time.Duration `yaml:"decision_cache_ttl"`
	KeyStrategy      string        `yaml:"key_strategy"` // least_used, round_robin, random
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled            bool          `yaml:"enabled"`
	MaxSize            int           `yaml:"max_size"`
	ChatTTL            time.Duration `yaml:"chat_ttl"`
	EmbedTTL           time.Duration `yaml:"embed_ttl"`
	ImageTTL           time.Duration `yaml:"image_ttl"`
	TemperatureCeiling float64       `yaml:"temperature_ceiling"`
	VolatileMarkers    []string      `yaml:"volatile_markers"` // extra cache-bypass markers
}

// TTLFor returns the cache TTL for a request kind.
func (c CacheConfig) TTLFor(kind gateway.RequestKind) time.Duration {
	switch kind {
	case gateway.KindEmbed:
		return c.EmbedTTL
	case gateway.KindImage:
		return c.ImageTTL
	default:
		return c.ChatTTL
	}
}

// BreakerConfig holds circuit breaker tuning.
type BreakerConfig struct {
	WindowSeconds int           `yaml:"window_seconds"`
	FailRatio     float64       `yaml:"fail_ratio"`
	MinSamples    int           `yaml:"min_samples"`
	Cooldown      time.Duration `yaml:"cooldown"`
	MaxCooldown   time.Duration `yaml:"max_cooldown"`
}

// RetryConfig holds retry limits for transient upstream failures.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Budget      time.Duration `yaml:"budget"` // total elapsed-time cap across attempts
}

// StreamConfig holds streaming hub settings.
type StreamConfig struct {
	IdleTimeout  time.Duration `yaml:"idle_timeout"` // inter-event cap
	MaxPerTenant int           `yaml:"max_per_tenant"`
	SendBuffer   int           `yaml:"send_buffer"` // per-subscriber queue bound
}

// LimitConfig holds default tenant quotas applied when a key has none.
type LimitConfig struct {
	DefaultQuota gateway.Quota `yaml:"default_quota"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ProviderEntry is a provider definition in the config file.
type ProviderEntry struct {
	Name      string       `yaml:"name"`
	Family    string       `yaml:"family"` // "openai", "anthropic", "gemini"; defaults to Name
	BaseURL   string       `yaml:"base_url"`
	APIKey    Secret       `yaml:"api_key"` // fallback key when the pool is empty
	Models    []ModelEntry `yaml:"models"`
	Priority  int          `yaml:"priority"`
	Weight    int          `yaml:"weight"`
	Enabled   *bool        `yaml:"enabled"`
	TimeoutMs int          `yaml:"timeout_ms"`
	Hosting   string       `yaml:"hosting"` // "", "azure", "vertex", "bedrock"
	Region    string       `yaml:"region"`  // cloud region for vertex/bedrock
	Project   string       `yaml:"project"` // GCP project ID for vertex
	Auth      *AuthEntry   `yaml:"auth"`    // explicit auth; inferred from hosting when absent
}

// ModelEntry holds per-model metadata used by routing and pricing.
type ModelEntry struct {
	Name          string   `yaml:"name"`
	ContextLength int      `yaml:"context_length"`
	MaxOutput     int      `yaml:"max_output"`
	InputPer1K    float64  `yaml:"input_per_1k"`
	OutputPer1K   float64  `yaml:"output_per_1k"`
	QualityScore  float64  `yaml:"quality_score"` // 0.0 to 1.0, strategy input
	Tags          []string `yaml:"tags"`          // "vision", "tools", "long-context"
}

// AuthEntry configures provider authentication.
type AuthEntry struct {
	Type   string `yaml:"type"`    // "api_key", "gcp_oauth", "aws_sigv4"
	APIKey Secret `yaml:"api_key"` // explicit key (overrides top-level api_key)
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ResolvedFamily returns Family if set, otherwise falls back to Name.
func (p ProviderEntry) ResolvedFamily() string {
	if p.Family != "" {
		return p.Family
	}
	return p.Name
}

// ResolvedAuthType returns the auth type, inferring from hosting when Auth
// is nil: "gcp_oauth" for vertex, "aws_sigv4" for bedrock, "api_key" else.
func (p ProviderEntry) ResolvedAuthType() string {
	if p.Auth != nil && p.Auth.Type != "" {
		return p.Auth.Type
	}
	switch p.Hosting {
	case "vertex":
		return "gcp_oauth"
	case "bedrock":
		return "aws_sigv4"
	}
	return "api_key"
}

// ResolvedAPIKey returns the fallback API key, preferring Auth.APIKey.
func (p ProviderEntry) ResolvedAPIKey() Secret {
	if p.Auth != nil && p.Auth.APIKey != "" {
		return p.Auth.APIKey
	}
	return p.APIKey
}

// Model returns the metadata entry for the named model, if present.
func (p ProviderEntry) Model(name string) (ModelEntry, bool) {
	for _, m := range p.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelEntry{}, false
}

// UpstreamKeyEntry is an upstream key pool seed in the config file.
type UpstreamKeyEntry struct {
	Provider string        `yaml:"provider"`
	Name     string        `yaml:"name"`
	Key      Secret        `yaml:"key"` // plaintext in file, encrypted at rest on bootstrap
	Quota    gateway.Quota `yaml:"quota"`
}

// TenantKeyEntry is a tenant key seed in the config file.
type TenantKeyEntry struct {
	Name             string              `yaml:"name"`
	Key              Secret              `yaml:"key"` // plaintext, hashed on bootstrap
	Tenant           string              `yaml:"tenant"`
	AllowedProviders []string            `yaml:"allowed_providers"`
	AllowedModels    []string            `yaml:"allowed_models"`
	Quota            gateway.Quota       `yaml:"quota"`
	Prefs            gateway.Preferences `yaml:"prefs"`
}

// PriceEntry is a price table row in the config file. It overrides the
// per-model pricing declared on the provider entry.
type PriceEntry struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
	PerImage    float64 `yaml:"per_image"`
	PerMinute   float64 `yaml:"per_minute"` // audio
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns a Config populated with every default value.
func Default() *Config {
	return &Config{
		Gateway: ServerConfig{
			Host:            "",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RequestDeadline: 120 * time.Second,
		},
		Admin: ServerConfig{
			Host:            "",
			Port:            9090,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "palisade.db",
		},
		Routing: RoutingConfig{
			DefaultStrategy:  "balanced",
			MaxCandidates:    4,
			DecisionCacheTTL: 2 * time.Second,
			KeyStrategy:      "least_used",
		},
		Cache: CacheConfig{
			Enabled:            true,
			MaxSize:            10_000,
			ChatTTL:            5 * time.Minute,
			EmbedTTL:           1 * time.Hour,
			ImageTTL:           10 * time.Minute,
			TemperatureCeiling: 0.3,
		},
		Breaker: BreakerConfig{
			WindowSeconds: 60,
			FailRatio:     0.5,
			MinSamples:    10,
			Cooldown:      30 * time.Second,
			MaxCooldown:   5 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			Budget:      15 * time.Second,
		},
		Streams: StreamConfig{
			IdleTimeout:  60 * time.Second,
			MaxPerTenant: 20,
			SendBuffer:   32,
		},
	}
}

// Load reads and parses a YAML config file, expanding environment
// variables, applying environment overrides, and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML config bytes with the same pipeline as Load.
func Parse(data []byte) (*Config, error) {
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var knownStrategies = []string{"cost_first", "latency_first", "quality_first", "balanced"}

var knownKeyStrategies = []string{"least_used", "round_robin", "random"}

var knownFamilies = []string{"openai", "anthropic", "gemini"}

// Validate checks the configuration for internal consistency. It is called
// on load and again before every snapshot swap.
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port %d out of range", c.Gateway.Port)
	}
	if c.Admin.Port <= 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin port %d out of range", c.Admin.Port)
	}
	if c.Gateway.Port == c.Admin.Port {
		return fmt.Errorf("gateway and admin ports collide on %d", c.Gateway.Port)
	}
	if !slices.Contains(knownStrategies, c.Routing.DefaultStrategy) {
		return fmt.Errorf("unknown routing strategy %q", c.Routing.DefaultStrategy)
	}
	if c.Routing.MaxCandidates < 1 {
		return fmt.Errorf("routing max_candidates must be >= 1")
	}
	if !slices.Contains(knownKeyStrategies, c.Routing.KeyStrategy) {
		return fmt.Errorf("unknown key strategy %q", c.Routing.KeyStrategy)
	}
	if c.Breaker.FailRatio <= 0 || c.Breaker.FailRatio > 1 {
		return fmt.Errorf("breaker fail_ratio %v outside (0,1]", c.Breaker.FailRatio)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be >= 1")
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		if !slices.Contains(knownFamilies, p.ResolvedFamily()) {
			return fmt.Errorf("provider %q: unknown family %q", p.Name, p.ResolvedFamily())
		}
	}
	for _, k := range c.Keys {
		if !seen[k.Provider] {
			return fmt.Errorf("key %q references unknown provider %q", k.Name, k.Provider)
		}
	}
	return nil
}

// Clone returns a deep copy. Secrets are copied verbatim; Clone never goes
// through a serializer, which would redact them.
func (c *Config) Clone() *Config {
	out := *c

	out.Providers = make([]ProviderEntry, len(c.Providers))
	for i, p := range c.Providers {
		cp := p
		cp.Models = slices.Clone(p.Models)
		for j := range cp.Models {
			cp.Models[j].Tags = slices.Clone(cp.Models[j].Tags)
		}
		if p.Enabled != nil {
			v := *p.Enabled
			cp.Enabled = &v
		}
		if p.Auth != nil {
			a := *p.Auth
			cp.Auth = &a
		}
		out.Providers[i] = cp
	}

	out.Keys = slices.Clone(c.Keys)
	out.Prices = slices.Clone(c.Prices)
	out.Cache.VolatileMarkers = slices.Clone(c.Cache.VolatileMarkers)

	out.Tenants = make([]TenantKeyEntry, len(c.Tenants))
	for i, t := range c.Tenants {
		ct := t
		ct.AllowedProviders = slices.Clone(t.AllowedProviders)
		ct.AllowedModels = slices.Clone(t.AllowedModels)
		ct.Prefs.PreferredProviders = slices.Clone(t.Prefs.PreferredProviders)
		ct.Prefs.ForbiddenProviders = slices.Clone(t.Prefs.ForbiddenProviders)
		out.Tenants[i] = ct
	}

	return &out
}
