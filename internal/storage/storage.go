// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/palisade-ai/palisade/internal"
)

// TenantKeyStore manages client-facing credential persistence.
type TenantKeyStore interface {
	CreateTenantKey(ctx context.Context, key *gateway.TenantKey) error
	GetTenantKey(ctx context.Context, id string) (*gateway.TenantKey, error)
	GetTenantKeyByHash(ctx context.Context, hash string) (*gateway.TenantKey, error)
	ListTenantKeys(ctx context.Context, tenant string, offset, limit int) ([]*gateway.TenantKey, error)
	UpdateTenantKey(ctx context.Context, key *gateway.TenantKey) error
	DeleteTenantKey(ctx context.Context, id string) error
	TouchTenantKeyUsed(ctx context.Context, id string) error
}

// UpstreamKeyStore manages the upstream provider key pool.
type UpstreamKeyStore interface {
	CreateUpstreamKey(ctx context.Context, key *gateway.UpstreamKey) error
	GetUpstreamKey(ctx context.Context, id string) (*gateway.UpstreamKey, error)
	// ListUpstreamKeys returns keys for a provider; empty provider means all.
	ListUpstreamKeys(ctx context.Context, provider string) ([]*gateway.UpstreamKey, error)
	UpdateUpstreamKey(ctx context.Context, key *gateway.UpstreamKey) error
	DeleteUpstreamKey(ctx context.Context, id string) error
	TouchUpstreamKeyUsed(ctx context.Context, id string) error
}

// UsageFilter narrows usage record queries. Zero fields match everything.
type UsageFilter struct {
	Tenant      string
	TenantKeyID string
	Provider    string
	Model       string
	Since       time.Time
	Until       time.Time
	Offset      int
	Limit       int
}

// Rollup is a pre-aggregated usage bucket.
type Rollup struct {
	Tenant           string  `json:"tenant"`
	TenantKeyID      string  `json:"tenant_key_id"`
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	Period           string  `json:"period"` // "minute", "hour", "day"
	Bucket           string  `json:"bucket"` // RFC3339 window start
	RequestCount     int64   `json:"request_count"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	CacheHits        int64   `json:"cache_hits"`
}

// RollupFilter narrows rollup queries.
type RollupFilter struct {
	Tenant      string
	TenantKeyID string
	Provider    string
	Model       string
	Period      string
	Since       string // RFC3339 bucket bound
	Until       string
}

// UsageStore manages append-only usage records and their rollups.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
	QueryUsage(ctx context.Context, f UsageFilter) ([]gateway.UsageRecord, error)
	CountUsage(ctx context.Context, f UsageFilter) (int, error)
	// SumUsageCost totals spend for a tenant key since the given time.
	SumUsageCost(ctx context.Context, tenantKeyID string, since time.Time) (float64, error)
	UpsertRollup(ctx context.Context, rollups []Rollup) error
	QueryRollups(ctx context.Context, f RollupFilter) ([]Rollup, error)
}

// PricePoint is one price table row as recorded in history.
type PricePoint struct {
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	InputPer1K  float64   `json:"input_per_1k"`
	OutputPer1K float64   `json:"output_per_1k"`
	PerImage    float64   `json:"per_image,omitempty"`
	PerMinute   float64   `json:"per_minute,omitempty"`
	Version     uint64    `json:"version"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// PriceStore records price table versions for history queries.
type PriceStore interface {
	RecordPrices(ctx context.Context, version uint64, entries []PricePoint) error
	PriceHistory(ctx context.Context, provider, model string, limit int) ([]PricePoint, error)
}

// Store combines all storage interfaces.
type Store interface {
	TenantKeyStore
	UpstreamKeyStore
	UsageStore
	PriceStore
	Ping(ctx context.Context) error
	Close() error
}
