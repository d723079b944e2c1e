// Package route implements the routing decision engine: it turns a chat
// request plus tenant preferences, breaker state, and recent performance
// statistics into an ordered candidate list of (provider, model, key).
package route

import (
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/analyze"
	"github.com/palisade-ai/palisade/internal/circuitbreaker"
	"github.com/palisade-ai/palisade/internal/config"
)

// Stats is the router's view of recent performance for a (provider, model).
type Stats struct {
	P50LatencyMs float64
	ErrorRate    float64 // 0.0 to 1.0
	Samples      int64
}

// StatsSource supplies recent performance statistics; the usage engine
// implements it. A zero-sample Stats means "no data yet".
type StatsSource interface {
	Stats(provider, model string) Stats
}

// KeyPreviewer reports which upstream key a provider pick would use; the
// keyring implements it.
type KeyPreviewer interface {
	Preview(provider, model string) (string, bool)
}

// Router scores candidates and caches decisions briefly so burst traffic
// with identical fingerprints is not re-scored.
type Router struct {
	stats    StatsSource
	keys     KeyPreviewer
	breakers *circuitbreaker.Registry
	cache    *otter.Cache[string, *gateway.RoutingDecision]
	maxCands int
}

// New returns a Router. decisionTTL bounds how stale a cached decision can
// be; breaker flips take effect within that window.
func New(stats StatsSource, keys KeyPreviewer, breakers *circuitbreaker.Registry, maxCandidates int, decisionTTL time.Duration) *Router {
	cache := otter.Must(&otter.Options[string, *gateway.RoutingDecision]{
		MaximumSize:      4096,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.RoutingDecision](decisionTTL),
	})
	if maxCandidates < 1 {
		maxCandidates = 4
	}
	return &Router{stats: stats, keys: keys, breakers: breakers, cache: cache, maxCands: maxCandidates}
}

// Request carries everything a routing decision depends on.
type Request struct {
	Model       string // concrete model name, or "auto" to let quality pick
	Kind        gateway.RequestKind
	Fingerprint string // cache key component; empty disables decision caching
	Strategy    string
	Hint        analyze.Hint
	Identity    *gateway.Identity
}

// Decide produces the ordered candidate list for a request against the
// given config snapshot.
func (r *Router) Decide(snap *config.Snapshot, req Request) (*gateway.RoutingDecision, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = snap.Config.Routing.DefaultStrategy
	}

	cacheKey := ""
	if req.Fingerprint != "" {
		cacheKey = decisionKey(snap.Generation, req, strategy)
		if d, ok := r.cache.GetIfPresent(cacheKey); ok {
			return d, nil
		}
	}

	pool := r.buildPool(snap.Config, req)
	if len(pool) == 0 {
		return nil, gateway.E(gateway.CodeNoCandidate, "no provider offers model %q", req.Model)
	}

	var reasoning []string
	pool, filtered := r.filterOpenBreakers(pool)
	if filtered > 0 {
		reasoning = append(reasoning, fmt.Sprintf("filtered %d open-breaker candidates", filtered))
	}

	scoreCandidates(pool, strategy, req)
	reasoning = append(reasoning, "strategy="+strategy)

	if len(pool) > r.maxCands {
		pool = pool[:r.maxCands]
	}

	decision := &gateway.RoutingDecision{
		Candidates: make([]gateway.Candidate, len(pool)),
		Strategy:   strategy,
		Confidence: confidence(pool),
		Reasoning:  reasoning,
	}
	for i, c := range pool {
		keyID := ""
		if r.keys != nil {
			keyID, _ = r.keys.Preview(c.provider, c.model)
		}
		decision.Candidates[i] = gateway.Candidate{
			Provider: c.provider,
			Model:    c.model,
			KeyID:    keyID,
		}
	}

	if cacheKey != "" {
		r.cache.Set(cacheKey, decision)
	}
	return decision, nil
}

// decisionKey combines fingerprint, strategy, config generation, and the
// preference snapshot so any input change yields a fresh decision.
func decisionKey(generation uint64, req Request, strategy string) string {
	prefs := gateway.Preferences{}
	if req.Identity != nil {
		prefs = req.Identity.Prefs
	}
	return fmt.Sprintf("%d|%s|%s|%v", generation, req.Fingerprint, strategy, prefs)
}

// candidate is the internal scoring unit.
type candidate struct {
	provider string
	model    string
	meta     config.ModelEntry
	stats    Stats
	estCost  float64
	score    float64
}

// buildPool collects (provider, model) pairs that can serve the request,
// applying identity permissions and tenant preferences before scoring.
func (r *Router) buildPool(cfg *config.Config, req Request) []*candidate {
	var prefs gateway.Preferences
	if req.Identity != nil {
		prefs = req.Identity.Prefs
	}
	forbidden := make(map[string]bool, len(prefs.ForbiddenProviders))
	for _, p := range prefs.ForbiddenProviders {
		forbidden[p] = true
	}

	var pool []*candidate
	for _, p := range cfg.Providers {
		if !p.IsEnabled() || forbidden[p.Name] {
			continue
		}
		if req.Identity != nil && !req.Identity.AllowsProvider(p.Name) {
			continue
		}
		for _, m := range p.Models {
			if req.Model != "auto" && m.Name != req.Model {
				continue
			}
			if req.Identity != nil && !req.Identity.AllowsModel(m.Name) {
				continue
			}
			if !meetsHint(m, req.Hint) {
				continue
			}
			c := &candidate{
				provider: p.Name,
				model:    m.Name,
				meta:     m,
				stats:    r.stats.Stats(p.Name, m.Name),
			}
			c.estCost = estimateCost(m, req.Hint)
			if prefs.CostCap > 0 && c.estCost > prefs.CostCap {
				continue
			}
			pool = append(pool, c)
		}
	}
	return pool
}

// meetsHint rejects models missing a capability the analyzer flagged as
// required. Tags come from the per-model config metadata.
func meetsHint(m config.ModelEntry, h analyze.Hint) bool {
	if h.NeedsVision && !hasTag(m.Tags, "vision") {
		return false
	}
	if h.NeedsTools && !hasTag(m.Tags, "tools") {
		return false
	}
	if h.NeedsLongCtx && m.ContextLength > 0 && h.EstimatedTokens > m.ContextLength {
		return false
	}
	return true
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

// estimateCost projects request cost in USD from the token estimate. The
// output guess is deliberately coarse; it only needs to rank models.
func estimateCost(m config.ModelEntry, h analyze.Hint) float64 {
	inTokens := float64(h.EstimatedTokens)
	outTokens := 500.0
	if m.MaxOutput > 0 && outTokens > float64(m.MaxOutput) {
		outTokens = float64(m.MaxOutput)
	}
	return inTokens/1000*m.InputPer1K + outTokens/1000*m.OutputPer1K
}

// filterOpenBreakers drops candidates whose breaker is open. When every
// candidate is open, the first is kept so its half-open probe can run.
func (r *Router) filterOpenBreakers(pool []*candidate) ([]*candidate, int) {
	if r.breakers == nil {
		return pool, 0
	}
	kept := pool[:0:len(pool)]
	for _, c := range pool {
		b := r.breakers.Get(circuitbreaker.Key(c.provider, c.model))
		if b != nil && b.State() == circuitbreaker.StateOpen {
			continue
		}
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		return pool[:1], len(pool) - 1
	}
	return kept, len(pool) - len(kept)
}

// confidence reflects the score margin between the top two candidates.
func confidence(pool []*candidate) float64 {
	if len(pool) < 2 {
		return 0.6
	}
	best, second := pool[0].score, pool[1].score
	if second <= 0 {
		return 0.6
	}
	margin := (second - best) / second
	if margin < 0 {
		margin = 0
	}
	c := 0.5 + margin/2
	if c > 0.99 {
		c = 0.99
	}
	return c
}
