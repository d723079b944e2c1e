package app

import (
	"context"
	"encoding/json"
	"time"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/analyze"
	"github.com/palisade-ai/palisade/internal/cache"
	"github.com/palisade-ai/palisade/internal/route"
	"github.com/palisade-ai/palisade/internal/usage"
)

// estCompletionTokens is the coarse output guess used for pre-charge cost
// estimates; reconciliation settles the difference afterwards.
const estCompletionTokens = 500

// Chat serves a non-streaming chat completion through the full pipeline.
func (d *Dispatcher) Chat(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, *Meta, error) {
	id := identity(ctx)
	snap := d.cfg.Current()
	cfg := snap.Config

	prepared, err := prepareChat(req)
	if err != nil {
		return nil, nil, err
	}
	hint := d.analyzer.Analyze(prepared)

	cacheable := cfg.Cache.Enabled &&
		cache.Cacheable(prepared, hint.Sensitive, cfg.Cache.TemperatureCeiling)
	fp := ""
	if cacheable {
		fp = cache.Fingerprint(id.KeyID, prepared)
	}

	decision, err := d.router.Decide(snap, route.Request{
		Model: prepared.Model, Kind: gateway.KindChat,
		Fingerprint: fp, Hint: hint, Identity: id,
	})
	if err != nil {
		return nil, nil, err
	}

	estTokens := int64(hint.EstimatedTokens)
	estCost := d.estimateCost(decision, hint.EstimatedTokens)
	if err := d.precharge(id, cfg, estTokens, estCost); err != nil {
		return nil, nil, err
	}

	exec := func(ctx context.Context, p gateway.Provider, model string) (any, *gateway.Usage, error) {
		r := *prepared
		r.Model = model
		resp, err := p.ChatCompletion(ctx, &r)
		if err != nil {
			return nil, nil, err
		}
		return resp, resp.Usage, nil
	}

	if !cacheable {
		res, err := d.dispatch(ctx, gateway.KindChat, decision, exec)
		meta := &Meta{CacheStatus: CacheBypass}
		if err != nil {
			d.finish(ctx, id, gateway.KindChat, meta, estTokens, estCost, err)
			return nil, nil, err
		}
		d.fillMeta(meta, res)
		d.finish(ctx, id, gateway.KindChat, meta, estTokens, estCost, nil)
		return res.val.(*gateway.ChatResponse), meta, nil
	}

	return d.cachedChat(ctx, id, cfg.Cache.TTLFor(gateway.KindChat), fp, decision, estTokens, estCost, exec)
}

// cachedChat serves the cacheable path: direct hit, else a stampede-guarded
// upstream call whose result every concurrent waiter shares.
func (d *Dispatcher) cachedChat(ctx context.Context, id *gateway.Identity, ttl time.Duration, fp string, decision *gateway.RoutingDecision, estTokens int64, estCost float64, exec attemptFunc) (*gateway.ChatResponse, *Meta, error) {
	if e, ok := d.cache.Get(ctx, fp); ok {
		return d.serveCached(ctx, id, e, estTokens, estCost)
	}

	var leaderMeta *Meta
	entry, _, err := d.flights.Do(ctx, fp, func(fctx context.Context) (cache.Entry, error) {
		res, err := d.dispatch(fctx, gateway.KindChat, decision, exec)
		if err != nil {
			return cache.Entry{}, err
		}
		resp := res.val.(*gateway.ChatResponse)
		data, merr := json.Marshal(resp)
		if merr != nil {
			return cache.Entry{}, merr
		}
		cost := d.usage.Cost(res.provider, res.model, usage.Units{
			PromptTokens:     res.usage.PromptTokens,
			CompletionTokens: res.usage.CompletionTokens,
		})
		e := cache.Entry{Data: data, Provider: res.provider, Model: res.model, Cost: cost}
		d.cache.Set(fctx, fp, e, ttl)

		// Leader-side accounting happens here, where the attempt detail
		// (key id, latency) is still in scope.
		meta := &Meta{CacheStatus: CacheMiss}
		d.fillMeta(meta, res)
		d.finish(ctx, id, gateway.KindChat, meta, estTokens, estCost, nil)
		leaderMeta = meta
		return e, nil
	})
	if err != nil {
		meta := &Meta{CacheStatus: CacheMiss}
		d.finish(ctx, id, gateway.KindChat, meta, estTokens, estCost, err)
		return nil, nil, err
	}
	// leaderMeta is set only inside fn, so it identifies the flight leader;
	// the singleflight Shared flag cannot, because it is true for the
	// leader too whenever waiters joined. Waiters rode another request's
	// computation and account as synthesized responses.
	if leaderMeta == nil {
		return d.serveCached(ctx, id, entry, estTokens, estCost)
	}

	var resp gateway.ChatResponse
	if err := json.Unmarshal(entry.Data, &resp); err != nil {
		return nil, nil, err
	}
	return &resp, leaderMeta, nil
}

// serveCached decodes a cache entry and accounts the request as a cache
// hit: zero upstream cost, synthesized outcome.
func (d *Dispatcher) serveCached(ctx context.Context, id *gateway.Identity, e cache.Entry, estTokens int64, estCost float64) (*gateway.ChatResponse, *Meta, error) {
	var resp gateway.ChatResponse
	if err := json.Unmarshal(e.Data, &resp); err != nil {
		return nil, nil, err
	}
	meta := &Meta{Provider: e.Provider, Model: e.Model, CacheStatus: CacheHit}
	if resp.Usage != nil {
		meta.Usage = *resp.Usage
	}
	d.reconcile(id, "", estTokens, estCost, meta.Usage, 0)
	d.emit(ctx, id, gateway.KindChat, meta, gateway.OutcomeCacheHit, 200)
	return &resp, meta, nil
}

// Embed serves an embedding request. Embeddings are deterministic, so the
// response cache applies whenever caching is enabled.
func (d *Dispatcher) Embed(ctx context.Context, req *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, *Meta, error) {
	id := identity(ctx)
	snap := d.cfg.Current()
	cfg := snap.Config

	decision, err := d.router.Decide(snap, route.Request{
		Model: req.Model, Kind: gateway.KindEmbed, Identity: id,
	})
	if err != nil {
		return nil, nil, err
	}

	estTokens := int64(len(req.Input) / 4)
	estCost := d.estimateCost(decision, int(estTokens))
	if err := d.precharge(id, cfg, estTokens, estCost); err != nil {
		return nil, nil, err
	}

	exec := func(ctx context.Context, p gateway.Provider, model string) (any, *gateway.Usage, error) {
		r := *req
		r.Model = model
		resp, err := p.Embed(ctx, &r)
		if err != nil {
			return nil, nil, err
		}
		return resp, resp.Usage, nil
	}

	meta := &Meta{CacheStatus: CacheBypass}
	if cfg.Cache.Enabled {
		fp := embedFingerprint(id.KeyID, req)
		if e, ok := d.cache.Get(ctx, fp); ok {
			var resp gateway.EmbeddingResponse
			if err := json.Unmarshal(e.Data, &resp); err == nil {
				meta.Provider, meta.Model, meta.CacheStatus = e.Provider, e.Model, CacheHit
				if resp.Usage != nil {
					meta.Usage = *resp.Usage
				}
				d.reconcile(id, "", estTokens, estCost, meta.Usage, 0)
				d.emit(ctx, id, gateway.KindEmbed, meta, gateway.OutcomeCacheHit, 200)
				return &resp, meta, nil
			}
		}
		meta.CacheStatus = CacheMiss

		res, err := d.dispatch(ctx, gateway.KindEmbed, decision, exec)
		if err != nil {
			d.finish(ctx, id, gateway.KindEmbed, meta, estTokens, estCost, err)
			return nil, nil, err
		}
		resp := res.val.(*gateway.EmbeddingResponse)
		if data, merr := json.Marshal(resp); merr == nil {
			d.cache.Set(ctx, fp, cache.Entry{
				Data: data, Provider: res.provider, Model: res.model,
				Cost: d.usage.Cost(res.provider, res.model, usage.Units{PromptTokens: res.usage.PromptTokens}),
			}, cfg.Cache.TTLFor(gateway.KindEmbed))
		}
		d.fillMeta(meta, res)
		d.finish(ctx, id, gateway.KindEmbed, meta, estTokens, estCost, nil)
		return resp, meta, nil
	}

	res, err := d.dispatch(ctx, gateway.KindEmbed, decision, exec)
	if err != nil {
		d.finish(ctx, id, gateway.KindEmbed, meta, estTokens, estCost, err)
		return nil, nil, err
	}
	d.fillMeta(meta, res)
	d.finish(ctx, id, gateway.KindEmbed, meta, estTokens, estCost, nil)
	return res.val.(*gateway.EmbeddingResponse), meta, nil
}

// ImageGenerate serves an image generation request. Image calls are billed
// on submit, so ambiguous failures are not retried unless the adapter
// advertises idempotency.
func (d *Dispatcher) ImageGenerate(ctx context.Context, req *gateway.ImageRequest) (*gateway.ImageResponse, *Meta, error) {
	id := identity(ctx)
	snap := d.cfg.Current()
	cfg := snap.Config

	decision, err := d.router.Decide(snap, route.Request{
		Model: req.Model, Kind: gateway.KindImage, Identity: id,
	})
	if err != nil {
		return nil, nil, err
	}

	n := req.N
	if n <= 0 {
		n = 1
	}
	estCost := 0.0
	if len(decision.Candidates) > 0 {
		c := decision.Candidates[0]
		estCost = d.usage.Cost(c.Provider, c.Model, usage.Units{Images: n})
	}
	if err := d.precharge(id, cfg, 0, estCost); err != nil {
		return nil, nil, err
	}

	exec := func(ctx context.Context, p gateway.Provider, model string) (any, *gateway.Usage, error) {
		r := *req
		r.Model = model
		resp, err := p.ImageGenerate(ctx, &r)
		return resp, nil, err
	}

	meta := &Meta{CacheStatus: CacheBypass}
	res, err := d.dispatch(ctx, gateway.KindImage, decision, exec)
	if err != nil {
		d.finish(ctx, id, gateway.KindImage, meta, 0, estCost, err)
		return nil, nil, err
	}
	d.fillMeta(meta, res)
	meta.CostUSD = d.usage.Cost(res.provider, res.model, usage.Units{Images: n})
	d.reconcile(id, res.keyID, 0, estCost, meta.Usage, meta.CostUSD)
	d.emit(ctx, id, gateway.KindImage, meta, gateway.OutcomeUpstream, 200)
	return res.val.(*gateway.ImageResponse), meta, nil
}

// Transcribe serves a speech-to-text request, billed per audio minute.
func (d *Dispatcher) Transcribe(ctx context.Context, req *gateway.TranscriptionRequest) (*gateway.TranscriptionResponse, *Meta, error) {
	id := identity(ctx)
	snap := d.cfg.Current()

	decision, err := d.router.Decide(snap, route.Request{
		Model: req.Model, Kind: gateway.KindSTT, Identity: id,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := d.precharge(id, snap.Config, 0, 0); err != nil {
		return nil, nil, err
	}

	exec := func(ctx context.Context, p gateway.Provider, model string) (any, *gateway.Usage, error) {
		r := *req
		r.Model = model
		resp, err := p.SpeechToText(ctx, &r)
		return resp, nil, err
	}

	meta := &Meta{CacheStatus: CacheBypass}
	res, err := d.dispatch(ctx, gateway.KindSTT, decision, exec)
	if err != nil {
		d.finish(ctx, id, gateway.KindSTT, meta, 0, 0, err)
		return nil, nil, err
	}
	resp := res.val.(*gateway.TranscriptionResponse)
	d.fillMeta(meta, res)
	meta.CostUSD = d.usage.Cost(res.provider, res.model, usage.Units{AudioSeconds: resp.DurationSeconds})
	d.reconcile(id, res.keyID, 0, 0, meta.Usage, meta.CostUSD)
	d.emit(ctx, id, gateway.KindSTT, meta, gateway.OutcomeUpstream, 200)
	return resp, meta, nil
}

// Speak serves a text-to-speech request. Synthesis is billed by estimated
// audio length derived from the input text.
func (d *Dispatcher) Speak(ctx context.Context, req *gateway.SpeechRequest) (*gateway.SpeechResponse, *Meta, error) {
	id := identity(ctx)
	snap := d.cfg.Current()

	decision, err := d.router.Decide(snap, route.Request{
		Model: req.Model, Kind: gateway.KindTTS, Identity: id,
	})
	if err != nil {
		return nil, nil, err
	}
	estSeconds := float64(len(req.Input)) / 15 // ~15 chars per spoken second
	estCost := 0.0
	if len(decision.Candidates) > 0 {
		c := decision.Candidates[0]
		estCost = d.usage.Cost(c.Provider, c.Model, usage.Units{AudioSeconds: estSeconds})
	}
	if err := d.precharge(id, snap.Config, 0, estCost); err != nil {
		return nil, nil, err
	}

	exec := func(ctx context.Context, p gateway.Provider, model string) (any, *gateway.Usage, error) {
		r := *req
		r.Model = model
		resp, err := p.TextToSpeech(ctx, &r)
		return resp, nil, err
	}

	meta := &Meta{CacheStatus: CacheBypass}
	res, err := d.dispatch(ctx, gateway.KindTTS, decision, exec)
	if err != nil {
		d.finish(ctx, id, gateway.KindTTS, meta, 0, estCost, err)
		return nil, nil, err
	}
	d.fillMeta(meta, res)
	meta.CostUSD = d.usage.Cost(res.provider, res.model, usage.Units{AudioSeconds: estSeconds})
	d.reconcile(id, res.keyID, 0, estCost, meta.Usage, meta.CostUSD)
	d.emit(ctx, id, gateway.KindTTS, meta, gateway.OutcomeUpstream, 200)
	return res.val.(*gateway.SpeechResponse), meta, nil
}

// --- shared helpers ---

// estimateCost projects request cost against the top candidate's rates.
func (d *Dispatcher) estimateCost(decision *gateway.RoutingDecision, promptTokens int) float64 {
	if len(decision.Candidates) == 0 {
		return 0
	}
	c := decision.Candidates[0]
	return d.usage.Cost(c.Provider, c.Model, usage.Units{
		PromptTokens:     promptTokens,
		CompletionTokens: estCompletionTokens,
	})
}

func (d *Dispatcher) fillMeta(meta *Meta, res *attemptResult) {
	meta.Provider = res.provider
	meta.Model = res.model
	meta.KeyID = res.keyID
	meta.Usage = res.usage
	meta.LatencyMs = res.latencyMs
}

// finish settles quota reconciliation and emits the usage record for the
// token-billed operations.
func (d *Dispatcher) finish(ctx context.Context, id *gateway.Identity, kind gateway.RequestKind, meta *Meta, estTokens int64, estCost float64, err error) {
	if err == nil {
		meta.CostUSD = d.usage.Cost(meta.Provider, meta.Model, usage.Units{
			PromptTokens:     meta.Usage.PromptTokens,
			CompletionTokens: meta.Usage.CompletionTokens,
		})
		d.reconcile(id, meta.KeyID, estTokens, estCost, meta.Usage, meta.CostUSD)
		d.emit(ctx, id, kind, meta, gateway.OutcomeUpstream, 200)
		return
	}
	// Failed requests consumed no upstream tokens; release the estimate.
	d.reconcile(id, "", estTokens, estCost, gateway.Usage{}, 0)
	outcome, status := outcomeFor(ctx, err)
	d.emit(ctx, id, kind, meta, outcome, status)
}

// embedFingerprint keys the embedding cache: tenant-scoped like the chat
// fingerprint, over the model and raw input.
func embedFingerprint(tenantKeyID string, req *gateway.EmbeddingRequest) string {
	return gateway.HashKey(tenantKeyID + "\x00" + req.Model + "\x00" + string(req.Input))
}

// AnalyzeChat exposes the analyzer to the HTTP layer.
func (d *Dispatcher) AnalyzeChat(req *gateway.ChatRequest) analyze.Hint {
	return d.analyzer.Analyze(req)
}
