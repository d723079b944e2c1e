// Package usage is the accounting core: it prices requests against the
// versioned price table, collects per-target performance statistics for the
// router, keeps live aggregates for analytics, and queues usage records for
// the durable sink.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/route"
	"github.com/palisade-ai/palisade/internal/storage"
)

const (
	defaultAlertThresholdPct = 10.0
	defaultQueueSize         = 1024
	maxAlerts                = 128
)

// Config tunes the engine.
type Config struct {
	AlertThresholdPct float64 // price change percent that triggers an alert
	QueueSize         int     // buffered record queue drained by the recorder worker
}

// Engine implements the usage and price accounting. It holds no locks
// across I/O: price swaps are atomic pointer stores, Emit touches only
// in-memory counters and a channel send.
type Engine struct {
	log      *slog.Logger
	store    storage.PriceStore
	alertPct float64

	prices atomic.Pointer[PriceTable]

	alertsMu sync.Mutex
	alerts   []Alert // newest first, capped at maxAlerts

	statsMu sync.Mutex
	stats   map[string]*targetStats // provider/model

	aggMu     sync.Mutex
	total     Totals
	byTenant  map[string]Totals
	byTarget  map[string]Totals // provider/model

	records chan gateway.UsageRecord
	dropped atomic.Int64
}

// NewEngine creates an Engine with an empty price table at version 0.
func NewEngine(store storage.PriceStore, log *slog.Logger, cfg Config) *Engine {
	if cfg.AlertThresholdPct <= 0 {
		cfg.AlertThresholdPct = defaultAlertThresholdPct
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	e := &Engine{
		log:      log,
		store:    store,
		alertPct: cfg.AlertThresholdPct,
		stats:    make(map[string]*targetStats),
		byTenant: make(map[string]Totals),
		byTarget: make(map[string]Totals),
		records:  make(chan gateway.UsageRecord, cfg.QueueSize),
	}
	e.prices.Store(newPriceTable(0, nil, time.Now().UTC()))
	return e
}

// --- Price table ---

// Prices returns the live price table snapshot.
func (e *Engine) Prices() *PriceTable {
	return e.prices.Load()
}

// SetPrices builds, persists, and swaps in a new price table version. The
// swap happens only after the history write succeeds, so the live version
// never runs ahead of the record. Alerts for changes beyond the threshold
// are retained for the control plane.
func (e *Engine) SetPrices(ctx context.Context, rates []Rate) (*PriceTable, []Alert, error) {
	now := time.Now().UTC()
	old := e.prices.Load()
	next := newPriceTable(old.Version+1, rates, now)

	if e.store != nil {
		points := make([]storage.PricePoint, len(rates))
		for i, r := range rates {
			points[i] = storage.PricePoint{
				Provider: r.Provider, Model: r.Model,
				InputPer1K: r.InputPer1K, OutputPer1K: r.OutputPer1K,
				PerImage: r.PerImage, PerMinute: r.PerMinute,
				Version: next.Version, RecordedAt: now,
			}
		}
		if err := e.store.RecordPrices(ctx, next.Version, points); err != nil {
			return nil, nil, fmt.Errorf("record prices v%d: %w", next.Version, err)
		}
	}

	alerts := diffRates(old, next, e.alertPct, next.Version, now)
	e.prices.Store(next)

	if len(alerts) > 0 {
		e.alertsMu.Lock()
		e.alerts = append(alerts, e.alerts...)
		if len(e.alerts) > maxAlerts {
			e.alerts = e.alerts[:maxAlerts]
		}
		e.alertsMu.Unlock()
		for _, a := range alerts {
			e.log.Warn("price change alert",
				"provider", a.Provider, "model", a.Model, "field", a.Field,
				"old", a.Old, "new", a.New, "change_pct", a.ChangePct)
		}
	}
	return next, alerts, nil
}

// Alerts returns retained price alerts, newest first.
func (e *Engine) Alerts() []Alert {
	e.alertsMu.Lock()
	defer e.alertsMu.Unlock()
	out := make([]Alert, len(e.alerts))
	copy(out, e.alerts)
	return out
}

// Cost prices billable units for a (provider, model) against the live
// table. Unknown targets cost zero rather than failing the request.
func (e *Engine) Cost(provider, model string, u Units) float64 {
	r, ok := e.prices.Load().Rate(provider, model)
	if !ok {
		return 0
	}
	return r.cost(u)
}

// --- Usage records ---

// Emit accounts one completed request: live aggregates and router stats
// update synchronously; the durable write is queued for the recorder
// worker. Callers emit exactly once per request, after termination.
func (e *Engine) Emit(rec gateway.UsageRecord) {
	e.observe(rec)

	select {
	case e.records <- rec:
	default:
		// The durable sink is behind; dropping one record is preferable to
		// blocking the data path.
		if n := e.dropped.Add(1); n == 1 || n%100 == 0 {
			e.log.Warn("usage record queue full", "dropped_total", n)
		}
	}
}

// Records exposes the queued records to the recorder worker.
func (e *Engine) Records() <-chan gateway.UsageRecord {
	return e.records
}

// Dropped reports how many records were lost to queue overflow.
func (e *Engine) Dropped() int64 {
	return e.dropped.Load()
}

// observe updates router stats and live aggregates.
func (e *Engine) observe(rec gateway.UsageRecord) {
	target := rec.Provider + "/" + rec.Model

	// Cache hits and cancellations say nothing about upstream health.
	if rec.Outcome == gateway.OutcomeUpstream || rec.Outcome == gateway.OutcomeError {
		e.statsMu.Lock()
		ts, ok := e.stats[target]
		if !ok {
			ts = &targetStats{}
			e.stats[target] = ts
		}
		ts.record(float64(rec.LatencyMs), rec.Outcome == gateway.OutcomeError)
		e.statsMu.Unlock()
	}

	e.aggMu.Lock()
	e.total.add(rec)
	e.byTenant[rec.Tenant] = e.byTenant[rec.Tenant].plus(rec)
	e.byTarget[target] = e.byTarget[target].plus(rec)
	e.aggMu.Unlock()
}

// Stats implements the router's statistics port.
func (e *Engine) Stats(provider, model string) route.Stats {
	e.statsMu.Lock()
	ts, ok := e.stats[provider+"/"+model]
	e.statsMu.Unlock()
	if !ok {
		return route.Stats{}
	}
	p50, errRate, samples := ts.snapshot()
	return route.Stats{P50LatencyMs: p50, ErrorRate: errRate, Samples: samples}
}

// --- Live aggregates ---

// Totals accumulates usage along one dimension since process start.
type Totals struct {
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	CacheHits        int64   `json:"cache_hits"`
	Errors           int64   `json:"errors"`
}

func (t *Totals) add(rec gateway.UsageRecord) {
	t.Requests++
	t.PromptTokens += int64(rec.PromptTokens)
	t.CompletionTokens += int64(rec.CompletionTokens)
	t.CostUSD += rec.CostUSD
	if rec.Outcome == gateway.OutcomeCacheHit {
		t.CacheHits++
	}
	if rec.Outcome == gateway.OutcomeError {
		t.Errors++
	}
}

func (t Totals) plus(rec gateway.UsageRecord) Totals {
	t.add(rec)
	return t
}

// Total returns the overall live totals.
func (e *Engine) Total() Totals {
	e.aggMu.Lock()
	defer e.aggMu.Unlock()
	return e.total
}

// TenantTotals returns live totals per tenant.
func (e *Engine) TenantTotals() map[string]Totals {
	e.aggMu.Lock()
	defer e.aggMu.Unlock()
	out := make(map[string]Totals, len(e.byTenant))
	for k, v := range e.byTenant {
		out[k] = v
	}
	return out
}

// TargetTotals returns live totals per provider/model target.
func (e *Engine) TargetTotals() map[string]Totals {
	e.aggMu.Lock()
	defer e.aggMu.Unlock()
	out := make(map[string]Totals, len(e.byTarget))
	for k, v := range e.byTarget {
		out[k] = v
	}
	return out
}

// Performance returns the router-facing statistics for every target seen
// so far, for the control-plane performance endpoint.
func (e *Engine) Performance() map[string]route.Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	out := make(map[string]route.Stats, len(e.stats))
	for target, ts := range e.stats {
		p50, errRate, samples := ts.snapshot()
		out[target] = route.Stats{P50LatencyMs: p50, ErrorRate: errRate, Samples: samples}
	}
	return out
}

// RollupRecords buckets a batch of records into minute, hour, and day
// rollups keyed the way the rollup table expects. The recorder worker
// feeds its flushed batches through this before upserting.
func RollupRecords(recs []gateway.UsageRecord) []storage.Rollup {
	type key struct {
		tenant, keyID, provider, model, period, bucket string
	}
	acc := make(map[key]*storage.Rollup)
	for _, rec := range recs {
		for _, p := range []struct {
			period string
			trunc  time.Duration
		}{
			{"minute", time.Minute},
			{"hour", time.Hour},
			{"day", 24 * time.Hour},
		} {
			bucket := rec.CreatedAt.UTC().Truncate(p.trunc).Format(time.RFC3339)
			k := key{rec.Tenant, rec.TenantKeyID, rec.Provider, rec.Model, p.period, bucket}
			r, ok := acc[k]
			if !ok {
				r = &storage.Rollup{
					Tenant: rec.Tenant, TenantKeyID: rec.TenantKeyID,
					Provider: rec.Provider, Model: rec.Model,
					Period: p.period, Bucket: bucket,
				}
				acc[k] = r
			}
			r.RequestCount++
			r.PromptTokens += int64(rec.PromptTokens)
			r.CompletionTokens += int64(rec.CompletionTokens)
			r.CostUSD += rec.CostUSD
			if rec.Outcome == gateway.OutcomeCacheHit {
				r.CacheHits++
			}
		}
	}
	out := make([]storage.Rollup, 0, len(acc))
	for _, r := range acc {
		out = append(out, *r)
	}
	return out
}
