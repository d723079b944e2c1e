// Package gateway defines domain types and interfaces for the Palisade AI
// gateway. This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// --- Canonical requests ---

// RequestKind identifies the modality of a canonical request.
type RequestKind string

const (
	KindChat  RequestKind = "chat"
	KindEmbed RequestKind = "embed"
	KindImage RequestKind = "image"
	KindSTT   RequestKind = "stt"
	KindTTS   RequestKind = "tts"
)

// ChatRequest is the provider-independent chat completion request. The wire
// shape is OpenAI-compatible; adapters translate to other families.
type ChatRequest struct {
	Model             string            `json:"model"`
	Messages          []Message         `json:"messages"`
	Temperature       *float64          `json:"temperature,omitempty"`
	TopP              *float64          `json:"top_p,omitempty"`
	N                 int               `json:"n,omitempty"`
	Stream            bool              `json:"stream,omitempty"`
	StreamOptions     *StreamOptions    `json:"stream_options,omitempty"`
	Stop              json.RawMessage   `json:"stop,omitempty"`
	MaxTokens         *int              `json:"max_tokens,omitempty"`
	PresencePenalty   *float64          `json:"presence_penalty,omitempty"`
	FrequencyPenalty  *float64          `json:"frequency_penalty,omitempty"`
	Seed              *int              `json:"seed,omitempty"`
	User              string            `json:"user,omitempty"`
	Tools             json.RawMessage   `json:"tools,omitempty"`
	ToolChoice        json.RawMessage   `json:"tool_choice,omitempty"`
	ResponseFormat    json.RawMessage   `json:"response_format,omitempty"`
	ParameterPreset   string            `json:"parameter_preset,omitempty"`
	PromptTemplate    string            `json:"prompt_template,omitempty"`
	TemplateVariables map[string]string `json:"template_variables,omitempty"`
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ChatResponse is the canonical chat completion response.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// EmbeddingRequest is the canonical embedding request.
type EmbeddingRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	User           string          `json:"user,omitempty"`
}

// EmbeddingResponse is the canonical embedding response.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   json.RawMessage `json:"data"`
	Model  string          `json:"model"`
	Usage  *Usage          `json:"usage,omitempty"`
}

// ImageRequest is the canonical image generation request.
type ImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
	User           string `json:"user,omitempty"`
}

// ImageResponse is the canonical image generation response.
type ImageResponse struct {
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

// TranscriptionRequest is the canonical speech-to-text request. Audio holds
// the raw upload; Filename preserves the original name for format sniffing.
type TranscriptionRequest struct {
	Model    string  `json:"model"`
	Audio    []byte  `json:"-"`
	Filename string  `json:"-"`
	Language string  `json:"language,omitempty"`
	Prompt   string  `json:"prompt,omitempty"`
	Temp     float64 `json:"temperature,omitempty"`
}

// TranscriptionResponse is the canonical speech-to-text response.
type TranscriptionResponse struct {
	Text            string  `json:"text"`
	DurationSeconds float64 `json:"duration,omitempty"`
}

// SpeechRequest is the canonical text-to-speech request.
type SpeechRequest struct {
	Model  string  `json:"model"`
	Input  string  `json:"input"`
	Voice  string  `json:"voice"`
	Format string  `json:"response_format,omitempty"`
	Speed  float64 `json:"speed,omitempty"`
}

// SpeechResponse carries synthesized audio bytes and their MIME type.
type SpeechResponse struct {
	Audio       []byte
	ContentType string
}

// --- Streaming ---

// StreamEventKind discriminates StreamEvent variants.
type StreamEventKind uint8

const (
	// EventDelta carries an incremental content chunk in Data.
	EventDelta StreamEventKind = iota
	// EventToolCall carries a tool-call delta chunk in Data.
	EventToolCall
	// EventUsage carries final token usage in Usage.
	EventUsage
	// EventDone terminates the stream normally.
	EventDone
	// EventError terminates the stream with Err set.
	EventError
)

// StreamEvent is a single event in an adapter-produced stream. The sequence
// is finite, non-restartable, and preserves provider-emitted ordering.
// Data holds the raw OpenAI-format chunk JSON for delta and tool-call events.
type StreamEvent struct {
	Kind  StreamEventKind
	Data  []byte
	Usage *Usage
	Err   error
}

// --- Provider adapters ---

// Capability identifies one operation a provider adapter may support.
type Capability uint8

const (
	CapChat Capability = 1 << iota
	CapChatStream
	CapEmbed
	CapImage
	CapSTT
	CapTTS
)

// CapabilitySet is a bitmask of supported capabilities.
type CapabilitySet uint8

// Has reports whether the set contains c.
func (s CapabilitySet) Has(c Capability) bool { return uint8(s)&uint8(c) != 0 }

// Provider is the capability surface all upstream adapters implement.
// Operations outside an adapter's Capabilities() return ErrNotSupported.
type Provider interface {
	// Name returns the provider instance identifier (e.g. "openai-us").
	Name() string
	// Family returns the wire-protocol family ("openai", "anthropic", "gemini").
	Family() string
	// Capabilities advertises which operations the adapter supports.
	Capabilities() CapabilitySet

	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// ChatStream returns a finite, ordered event sequence. Cancelling ctx
	// closes the underlying transport promptly. The channel buffer is bounded.
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error)
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
	ImageGenerate(ctx context.Context, req *ImageRequest) (*ImageResponse, error)
	SpeechToText(ctx context.Context, req *TranscriptionRequest) (*TranscriptionResponse, error)
	TextToSpeech(ctx context.Context, req *SpeechRequest) (*SpeechResponse, error)

	// HealthCheck verifies connectivity to the provider.
	HealthCheck(ctx context.Context) error
}

// Idempotent is an optional interface adapters implement to advertise that
// an operation is safe to retry on ambiguous outcomes. Image generation is
// only retried when the adapter advertises it.
type Idempotent interface {
	IdempotentFor(kind RequestKind) bool
}

// --- Tenant identity ---

// Quota holds the rolling-window limits for a tenant key or upstream key.
// Zero means unlimited. Increments happen at most once per request and are
// never decremented within a window.
type Quota struct {
	RequestsPerMinute int64   `json:"requests_per_minute,omitempty" yaml:"requests_per_minute"`
	RequestsPerHour   int64   `json:"requests_per_hour,omitempty" yaml:"requests_per_hour"`
	RequestsPerDay    int64   `json:"requests_per_day,omitempty" yaml:"requests_per_day"`
	TokensPerDay      int64   `json:"tokens_per_day,omitempty" yaml:"tokens_per_day"`
	CostPerDay        float64 `json:"cost_per_day,omitempty" yaml:"cost_per_day"`
}

// Preferences are tenant routing overrides applied before strategy scoring.
type Preferences struct {
	SpeedPreference    string   `json:"speed_preference,omitempty" yaml:"speed_preference"` // "fast", "balanced", "quality"
	CostCap            float64  `json:"cost_cap,omitempty" yaml:"cost_cap"`                 // max USD per request estimate
	PreferredProviders []string `json:"preferred_providers,omitempty" yaml:"preferred_providers"`
	ForbiddenProviders []string `json:"forbidden_providers,omitempty" yaml:"forbidden_providers"`
}

// TenantKey is the client-facing credential record.
type TenantKey struct {
	ID               string      `json:"id"`
	KeyHash          string      `json:"-"` // SHA-256 hex, never exposed
	KeyPrefix        string      `json:"key_prefix"`
	Tenant           string      `json:"tenant"`
	Name             string      `json:"name,omitempty"`
	AllowedProviders []string    `json:"allowed_providers,omitempty"` // nil = all
	AllowedModels    []string    `json:"allowed_models,omitempty"`    // nil = all
	Quota            Quota       `json:"quota"`
	Prefs            Preferences `json:"prefs"`
	Disabled         bool        `json:"disabled"`
	ExpiresAt        *time.Time  `json:"expires_at,omitempty"`
	LastUsedAt       *time.Time  `json:"last_used_at,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
}

// Identity is the authenticated caller context attached to request context.
type Identity struct {
	KeyID            string      `json:"key_id"`
	Tenant           string      `json:"tenant"`
	AllowedProviders []string    `json:"-"`
	AllowedModels    []string    `json:"-"`
	Quota            Quota       `json:"-"`
	Prefs            Preferences `json:"-"`
}

// AllowsProvider reports whether the identity may use the given provider.
func (id *Identity) AllowsProvider(provider string) bool {
	return allows(id.AllowedProviders, provider)
}

// AllowsModel reports whether the identity may use the given model.
func (id *Identity) AllowsModel(model string) bool {
	return allows(id.AllowedModels, model)
}

func allows(set []string, v string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v || s == "*" {
			return true
		}
	}
	return false
}

// --- Upstream keys ---

// UpstreamKeyStatus is the lifecycle state of an upstream key.
type UpstreamKeyStatus string

const (
	UpstreamActive   UpstreamKeyStatus = "active"
	UpstreamDisabled UpstreamKeyStatus = "disabled"
)

// UpstreamKey is a credential the gateway presents to an AI provider.
// The secret is encrypted at rest and redacted everywhere else.
type UpstreamKey struct {
	ID              string            `json:"id"`
	Provider        string            `json:"provider"`
	Name            string            `json:"name,omitempty"`
	EncryptedSecret string            `json:"-"`
	Status          UpstreamKeyStatus `json:"status"`
	Permissions     []string          `json:"permissions,omitempty"` // model globs this key may call
	Quota           Quota             `json:"quota"`
	RotateEvery     time.Duration     `json:"rotate_every,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	LastUsedAt      *time.Time        `json:"last_used_at,omitempty"`
}

// --- Routing ---

// Candidate is a (provider, model, key) triple considered for dispatch.
type Candidate struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	KeyID    string `json:"key_id"`
}

// RoutingDecision is the immutable output of the router.
type RoutingDecision struct {
	Candidates []Candidate `json:"candidates"`
	Strategy   string      `json:"strategy"`
	Confidence float64     `json:"confidence"`
	Reasoning  []string    `json:"reasoning,omitempty"`
}

// --- Usage ---

// Outcome classifies how a request terminated for usage accounting.
type Outcome string

const (
	OutcomeUpstream   Outcome = "upstream"
	OutcomeCacheHit   Outcome = "cache.synth"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeError      Outcome = "error"
)

// UsageRecord is an append-only usage event, written exactly once per
// completed request after the response terminates.
type UsageRecord struct {
	ID               string    `json:"id"`
	RequestID        string    `json:"request_id"`
	Tenant           string    `json:"tenant"`
	TenantKeyID      string    `json:"tenant_key_id"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	UpstreamKeyID    string    `json:"upstream_key_id,omitempty"`
	Kind             RequestKind `json:"kind"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	Outcome          Outcome   `json:"outcome"`
	StatusCode       int       `json:"status_code"`
	LatencyMs        int       `json:"latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// Identity is set later by the authenticate middleware via mutation of the
// same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, avoiding a new context.WithValue allocation.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// TenantKeyPrefix is the prefix for all Palisade tenant keys.
const TenantKeyPrefix = "pal_"

// HashKey returns the hex-encoded SHA-256 hash of a raw tenant key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
