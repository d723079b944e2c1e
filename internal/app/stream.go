package app

import (
	"context"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/circuitbreaker"
	"github.com/palisade-ai/palisade/internal/cloudauth"
	"github.com/palisade-ai/palisade/internal/keyring"
	"github.com/palisade-ai/palisade/internal/route"
	"github.com/palisade-ai/palisade/internal/stream"
	"github.com/palisade-ai/palisade/internal/usage"
)

// streamBuffer bounds the relay channel between adapter and HTTP writer.
const streamBuffer = 8

// StreamHandle is a live chat stream: the event channel the HTTP layer
// drains, the hub registration for admin visibility, and the serving
// metadata for response headers.
type StreamHandle struct {
	Events <-chan gateway.StreamEvent
	Stream *stream.Stream
	Meta   *Meta
}

// ChatStream opens a streaming chat completion. Candidate fallback applies
// only to connection establishment; once the first event flows, a failure
// terminates the stream rather than restarting it. The usage record is
// emitted when the stream ends, whatever the reason.
func (d *Dispatcher) ChatStream(ctx context.Context, req *gateway.ChatRequest) (*StreamHandle, error) {
	id := identity(ctx)
	snap := d.cfg.Current()
	cfg := snap.Config

	prepared, err := prepareChat(req)
	if err != nil {
		return nil, err
	}
	hint := d.analyzer.Analyze(prepared)

	decision, err := d.router.Decide(snap, route.Request{
		Model: prepared.Model, Kind: gateway.KindChat, Hint: hint, Identity: id,
	})
	if err != nil {
		return nil, err
	}

	estTokens := int64(hint.EstimatedTokens)
	estCost := d.estimateCost(decision, hint.EstimatedTokens)
	if err := d.precharge(id, cfg, estTokens, estCost); err != nil {
		return nil, err
	}

	s, err := d.hub.Register(ctx, id.Tenant, "", prepared.Model)
	if err != nil {
		d.reconcile(id, "", estTokens, estCost, gateway.Usage{}, 0)
		return nil, err
	}

	events, meta, sel, err := d.connectStream(s.Context(), decision, prepared)
	if err != nil {
		d.hub.Unregister(s.ID)
		meta := &Meta{CacheStatus: CacheBypass}
		d.reconcile(id, "", estTokens, estCost, gateway.Usage{}, 0)
		outcome, status := outcomeFor(ctx, err)
		d.emit(ctx, id, gateway.KindChat, meta, outcome, status)
		return nil, err
	}
	s.SetTarget(meta.Provider, meta.Model)

	out := make(chan gateway.StreamEvent, streamBuffer)
	go d.relayStream(ctx, s, id, meta, sel, events, out, estTokens, estCost)

	return &StreamHandle{Events: out, Stream: s, Meta: meta}, nil
}

// connectStream walks the candidate list until one adapter accepts the
// stream. The upstream key hold is returned to the caller; it is released
// when the stream terminates, not when this function returns.
func (d *Dispatcher) connectStream(ctx context.Context, decision *gateway.RoutingDecision, req *gateway.ChatRequest) (<-chan gateway.StreamEvent, *Meta, *keyring.Selection, error) {
	var lastErr error
	for _, cand := range decision.Candidates {
		b := d.breakers.GetOrCreate(circuitbreaker.Key(cand.Provider, cand.Model))
		if !b.Allow() {
			continue
		}
		p, err := d.providers.Get(cand.Provider)
		if err != nil {
			continue
		}

		var sel *keyring.Selection
		callCtx := ctx
		if d.keys != nil && d.keys.HasKeys(cand.Provider) {
			sel, err = d.keys.Select(cand.Provider, cand.Model, d.keyStrategy())
			if err != nil {
				lastErr = gateway.E(gateway.CodeUpstreamRateLimited,
					"all upstream keys for %s exhausted", cand.Provider)
				continue
			}
			callCtx = cloudauth.WithSelectedKey(ctx, sel.Secret)
		}

		r := *req
		r.Model = cand.Model
		events, err := p.ChatStream(callCtx, &r)
		if err != nil {
			if sel != nil {
				sel.Release()
			}
			lastErr = err
			if countsAgainstBreaker(err) {
				b.RecordError(circuitbreaker.Weight(err))
			} else {
				b.ReleaseProbe()
			}
			if !gateway.Transient(err) {
				return nil, nil, nil, err
			}
			continue
		}

		meta := &Meta{Provider: cand.Provider, Model: cand.Model, CacheStatus: CacheBypass}
		if sel != nil {
			meta.KeyID = sel.KeyID
		}
		return events, meta, sel, nil
	}
	if lastErr != nil {
		return nil, nil, nil, lastErr
	}
	return nil, nil, nil, gateway.E(gateway.CodeUpstreamUnavailable, "no dispatchable candidate")
}

// relayStream forwards adapter events to the client channel, tracks usage,
// and settles accounting exactly once when the stream ends.
func (d *Dispatcher) relayStream(ctx context.Context, s *stream.Stream, id *gateway.Identity, meta *Meta, sel *keyring.Selection, in <-chan gateway.StreamEvent, out chan<- gateway.StreamEvent, estTokens int64, estCost float64) {
	start := time.Now()
	b := d.breakers.GetOrCreate(circuitbreaker.Key(meta.Provider, meta.Model))

	outcome := gateway.OutcomeUpstream
	status := 200
	var streamErr error
	var deltaText strings.Builder // forwarded content, for partial-usage estimation

	defer func() {
		// Cancelled or truncated streams never see the adapter's usage
		// event; estimate what was actually forwarded so the record still
		// bills the partial completion.
		if meta.Usage == (gateway.Usage{}) && deltaText.Len() > 0 {
			meta.Usage.PromptTokens = int(estTokens)
			meta.Usage.CompletionTokens = d.tokens.CountText(meta.Model, deltaText.String())
			meta.Usage.TotalTokens = meta.Usage.PromptTokens + meta.Usage.CompletionTokens
		}
		close(out)
		d.hub.Unregister(s.ID)
		if sel != nil {
			sel.Release()
		}

		meta.LatencyMs = int(time.Since(start).Milliseconds())
		meta.CostUSD = d.usage.Cost(meta.Provider, meta.Model, usage.Units{
			PromptTokens:     meta.Usage.PromptTokens,
			CompletionTokens: meta.Usage.CompletionTokens,
		})
		d.reconcile(id, meta.KeyID, estTokens, estCost, meta.Usage, meta.CostUSD)
		d.emit(ctx, id, gateway.KindChat, meta, outcome, status)

		switch {
		case streamErr != nil:
			if countsAgainstBreaker(streamErr) {
				b.RecordError(circuitbreaker.Weight(streamErr))
			} else {
				b.ReleaseProbe()
			}
		case outcome == gateway.OutcomeUpstream:
			b.RecordSuccess()
		default:
			// Cancelled mid-stream: not decisive either way.
			b.ReleaseProbe()
		}
	}()

	for {
		select {
		case <-s.Context().Done():
			outcome, status = gateway.OutcomeCancelled, 499
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			if ev.Kind == gateway.EventUsage && ev.Usage != nil {
				meta.Usage = *ev.Usage
			}
			if ev.Kind == gateway.EventDelta {
				deltaText.WriteString(gjson.GetBytes(ev.Data, "choices.0.delta.content").String())
			}
			if ev.Kind == gateway.EventError {
				streamErr = ev.Err
				outcome = gateway.OutcomeError
				status = gateway.AsAPIError(ev.Err).HTTPStatus()
			}
			select {
			case out <- ev:
			case <-s.Context().Done():
				outcome, status = gateway.OutcomeCancelled, 499
				return
			}
			if ev.Kind == gateway.EventDone || ev.Kind == gateway.EventError {
				return
			}
		}
	}
}
