// Package app implements the data-path pipeline: quota pre-charge, request
// analysis, routing, cached dispatch with stampede protection, breaker-aware
// retry with candidate fallback, and exactly-once usage accounting.
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/analyze"
	"github.com/palisade-ai/palisade/internal/cache"
	"github.com/palisade-ai/palisade/internal/circuitbreaker"
	"github.com/palisade-ai/palisade/internal/config"
	"github.com/palisade-ai/palisade/internal/keyring"
	"github.com/palisade-ai/palisade/internal/provider"
	"github.com/palisade-ai/palisade/internal/ratelimit"
	"github.com/palisade-ai/palisade/internal/route"
	"github.com/palisade-ai/palisade/internal/stream"
	"github.com/palisade-ai/palisade/internal/tokencount"
	"github.com/palisade-ai/palisade/internal/usage"
)

// Cache status values surfaced in the x-cache-status response header.
const (
	CacheHit    = "HIT"
	CacheMiss   = "MISS"
	CacheBypass = "BYPASS"
)

// Meta describes how a request was served.
type Meta struct {
	Provider    string
	Model       string
	KeyID       string // upstream key used, "" when the provider's own credential served
	CacheStatus string
	Usage       gateway.Usage
	CostUSD     float64
	LatencyMs   int
}

// Dispatcher owns the request pipeline between the HTTP layer and the
// provider adapters.
type Dispatcher struct {
	log       *slog.Logger
	cfg       *config.Store
	quotas    *ratelimit.Tracker // tenant-key scoped
	analyzer  *analyze.Analyzer
	router    *route.Router
	providers *provider.Registry
	breakers  *circuitbreaker.Registry
	keys      *keyring.Manager
	cache     cache.Cache
	flights   *cache.Group
	usage     *usage.Engine
	hub       *stream.Hub
	tokens    *tokencount.Counter
}

// Deps bundles the dispatcher's collaborators.
type Deps struct {
	Log       *slog.Logger
	Config    *config.Store
	Quotas    *ratelimit.Tracker
	Analyzer  *analyze.Analyzer
	Router    *route.Router
	Providers *provider.Registry
	Breakers  *circuitbreaker.Registry
	Keys      *keyring.Manager
	Cache     cache.Cache
	Usage     *usage.Engine
	Hub       *stream.Hub
}

// NewDispatcher wires the pipeline.
func NewDispatcher(d Deps) *Dispatcher {
	return &Dispatcher{
		log:       d.Log,
		cfg:       d.Config,
		quotas:    d.Quotas,
		analyzer:  d.Analyzer,
		router:    d.Router,
		providers: d.Providers,
		breakers:  d.Breakers,
		keys:      d.Keys,
		cache:     d.Cache,
		flights:   cache.NewGroup(),
		usage:     d.Usage,
		hub:       d.Hub,
		tokens:    tokencount.NewCounter(),
	}
}

// Hub exposes the streaming hub for the HTTP layer and control plane.
func (d *Dispatcher) Hub() *stream.Hub { return d.hub }

// keyStrategy returns the configured upstream key selection policy, reading
// the current snapshot so an admin change applies without restart.
func (d *Dispatcher) keyStrategy() string {
	if s := d.cfg.Current().Config.Routing.KeyStrategy; s != "" {
		return s
	}
	return keyring.StrategyLeastUsed
}

// identity pulls the authenticated identity; the auth middleware guarantees
// it on every data-path route.
func identity(ctx context.Context) *gateway.Identity {
	if id := gateway.IdentityFromContext(ctx); id != nil {
		return id
	}
	return &gateway.Identity{}
}

// effectiveQuota applies the configured default when the key carries none.
func effectiveQuota(id *gateway.Identity, cfg *config.Config) gateway.Quota {
	if id.Quota == (gateway.Quota{}) {
		return cfg.Limits.DefaultQuota
	}
	return id.Quota
}

// precharge runs the pre-dispatch quota check and maps rejections onto the
// canonical taxonomy with a retry hint.
func (d *Dispatcher) precharge(id *gateway.Identity, cfg *config.Config, estTokens int64, estCost float64) error {
	if id.KeyID == "" {
		return nil
	}
	err := d.quotas.Charge(id.KeyID, effectiveQuota(id, cfg), estTokens, estCost)
	if err == nil {
		return nil
	}
	if qe, ok := err.(*ratelimit.QuotaError); ok {
		ae := gateway.E(gateway.CodeQuotaExceeded,
			"quota exceeded for window %s", qe.Window)
		ae.RetryAfter = qe.RetryAfter
		ae.Details = map[string]any{
			"window":   qe.Window,
			"limit":    qe.Limit,
			"reset_at": qe.ResetAt.UTC().Format(time.RFC3339),
		}
		return ae
	}
	return err
}

// reconcile settles estimated vs. actual token/cost spend on the tenant
// window counters and records actuals against the upstream key.
func (d *Dispatcher) reconcile(id *gateway.Identity, keyID string, estTokens int64, estCost float64, u gateway.Usage, cost float64) {
	if id.KeyID != "" {
		d.quotas.Reconcile(id.KeyID, int64(u.TotalTokens)-estTokens, cost-estCost)
	}
	if keyID != "" {
		d.keys.RecordUsage(keyID, int64(u.TotalTokens), cost)
	}
}

// emit writes the request's usage record, exactly once, after termination.
func (d *Dispatcher) emit(ctx context.Context, id *gateway.Identity, kind gateway.RequestKind, m *Meta, outcome gateway.Outcome, status int) {
	d.usage.Emit(gateway.UsageRecord{
		ID:               uuid.Must(uuid.NewV7()).String(),
		RequestID:        gateway.RequestIDFromContext(ctx),
		Tenant:           id.Tenant,
		TenantKeyID:      id.KeyID,
		Provider:         m.Provider,
		Model:            m.Model,
		UpstreamKeyID:    m.KeyID,
		Kind:             kind,
		PromptTokens:     m.Usage.PromptTokens,
		CompletionTokens: m.Usage.CompletionTokens,
		CostUSD:          m.CostUSD,
		Outcome:          outcome,
		StatusCode:       status,
		LatencyMs:        m.LatencyMs,
		CreatedAt:        time.Now().UTC(),
	})
}

// outcomeFor classifies a terminal error for accounting. 499 is the
// conventional client-closed-request status.
func outcomeFor(ctx context.Context, err error) (gateway.Outcome, int) {
	if err == nil {
		return gateway.OutcomeUpstream, 200
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return gateway.OutcomeCancelled, 499
	}
	ae := gateway.AsAPIError(err)
	return gateway.OutcomeError, ae.HTTPStatus()
}
