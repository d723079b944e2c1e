package app

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/circuitbreaker"
	"github.com/palisade-ai/palisade/internal/cloudauth"
	"github.com/palisade-ai/palisade/internal/provider"
)

// attemptFunc executes one upstream call against a concrete adapter and
// reports adapter usage when the operation carries it.
type attemptFunc func(ctx context.Context, p gateway.Provider, model string) (any, *gateway.Usage, error)

// attemptResult is the winning attempt of a dispatch.
type attemptResult struct {
	val       any
	usage     gateway.Usage
	provider  string
	model     string
	keyID     string
	latencyMs int
}

// dispatch walks the routing decision's candidate list with breaker-aware,
// budget-bounded retry. Transient failures retry the same candidate first
// while its breaker stays closed, then fall through to the next candidate.
func (d *Dispatcher) dispatch(ctx context.Context, kind gateway.RequestKind, decision *gateway.RoutingDecision, exec attemptFunc) (*attemptResult, error) {
	cfg := d.cfg.Current().Config
	maxAttempts := cfg.Retry.MaxAttempts
	deadline := time.Now().Add(cfg.Retry.Budget)

	backoff := retry.WithJitterPercent(20, retry.NewExponential(200*time.Millisecond))

	attempts := 0
	var lastErr error
	for _, cand := range decision.Candidates {
		b := d.breakers.GetOrCreate(circuitbreaker.Key(cand.Provider, cand.Model))
		for b.Allow() {
			if attempts >= maxAttempts || time.Now().After(deadline) {
				// Allow may have admitted us as the half-open probe.
				b.ReleaseProbe()
				return nil, budgetExhausted(lastErr)
			}
			attempts++

			res, err := d.attempt(ctx, cand, exec)
			if err == nil {
				b.RecordSuccess()
				return res, nil
			}
			lastErr = err

			if countsAgainstBreaker(err) {
				b.RecordError(circuitbreaker.Weight(err))
			} else {
				// Indecisive outcome for breaker purposes; if this attempt
				// was the half-open probe, free the slot for the next one.
				b.ReleaseProbe()
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !d.retryable(kind, cand.Provider, err) {
				return nil, err
			}
			if delay, ok := backoff.Next(); ok {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(delay):
				}
			}
			// Loop re-checks the breaker: if this attempt opened it, the
			// walk moves to the next candidate.
		}
		d.log.Debug("breaker open, skipping candidate",
			"provider", cand.Provider, "model", cand.Model)
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, gateway.E(gateway.CodeUpstreamUnavailable, "no dispatchable candidate")
}

// attempt runs exec against one candidate, selecting an upstream key from
// the pool when the provider has one.
func (d *Dispatcher) attempt(ctx context.Context, cand gateway.Candidate, exec attemptFunc) (*attemptResult, error) {
	p, err := d.providers.Get(cand.Provider)
	if err != nil {
		return nil, gateway.E(gateway.CodeNoCandidate, "provider %q not registered", cand.Provider)
	}

	keyID := ""
	callCtx := ctx
	if d.keys != nil && d.keys.HasKeys(cand.Provider) {
		sel, err := d.keys.Select(cand.Provider, cand.Model, d.keyStrategy())
		if err != nil {
			// A pooled provider whose keys are all exhausted is as
			// unavailable as a down one.
			return nil, gateway.E(gateway.CodeUpstreamRateLimited,
				"all upstream keys for %s exhausted", cand.Provider)
		}
		defer sel.Release()
		keyID = sel.KeyID
		callCtx = cloudauth.WithSelectedKey(ctx, sel.Secret)
	}

	start := time.Now()
	val, u, err := exec(callCtx, p, cand.Model)
	latency := int(time.Since(start).Milliseconds())
	if err != nil {
		return nil, err
	}

	res := &attemptResult{
		val: val, provider: cand.Provider, model: cand.Model,
		keyID: keyID, latencyMs: latency,
	}
	if u != nil {
		res.usage = *u
	}
	return res, nil
}

// retryable decides whether an error may trigger another attempt. Only
// transient failures qualify, and ambiguous outcomes (timeout, 5xx after
// the request may have been accepted) are excluded for non-idempotent
// operations like billed-on-submit image generation.
func (d *Dispatcher) retryable(kind gateway.RequestKind, providerName string, err error) bool {
	if !gateway.Transient(err) {
		return false
	}
	if idempotentFor(d.providers, providerName, kind) {
		return true
	}
	ae := gateway.AsAPIError(err)
	switch ae.Code {
	case gateway.CodeUpstreamRateLimited, gateway.CodeUpstreamUnavailable:
		// The upstream rejected or never accepted the request.
		return true
	default:
		return false
	}
}

func idempotentFor(reg *provider.Registry, name string, kind gateway.RequestKind) bool {
	if kind != gateway.KindImage {
		return true
	}
	p, err := reg.Get(name)
	if err != nil {
		return false
	}
	if idem, ok := p.(gateway.Idempotent); ok {
		return idem.IdempotentFor(kind)
	}
	return false
}

// countsAgainstBreaker restricts breaker accounting to infrastructure
// failures: network errors, timeouts, upstream 5xx. Client errors and rate
// limits do not open the circuit.
func countsAgainstBreaker(err error) bool {
	ae := gateway.AsAPIError(err)
	switch ae.Code {
	case gateway.CodeUpstreamTimeout, gateway.CodeUpstreamUnavailable, gateway.CodeUpstreamServerError:
		return true
	default:
		return false
	}
}

func budgetExhausted(lastErr error) error {
	if lastErr != nil {
		return lastErr
	}
	return gateway.E(gateway.CodeUpstreamUnavailable, "retry budget exhausted")
}
