package usage

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/storage"
)

// fakePriceStore captures recorded price versions.
type fakePriceStore struct {
	mu       sync.Mutex
	versions []uint64
	points   []storage.PricePoint
	fail     error
}

func (s *fakePriceStore) RecordPrices(_ context.Context, version uint64, entries []storage.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.versions = append(s.versions, version)
	s.points = append(s.points, entries...)
	return nil
}

func (s *fakePriceStore) PriceHistory(context.Context, string, string, int) ([]storage.PricePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.PricePoint, len(s.points))
	copy(out, s.points)
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) (*Engine, *fakePriceStore) {
	t.Helper()
	store := &fakePriceStore{}
	return NewEngine(store, testLogger(), Config{QueueSize: 8}), store
}

func gpt4oRates() []Rate {
	return []Rate{
		{Provider: "openai-us", Model: "gpt-4o", InputPer1K: 0.005, OutputPer1K: 0.015},
		{Provider: "openai-us", Model: "dall-e-3", PerImage: 0.04},
		{Provider: "openai-us", Model: "whisper-1", PerMinute: 0.006},
	}
}

func TestSetPricesVersionsAndPersists(t *testing.T) {
	t.Parallel()
	e, store := newTestEngine(t)
	ctx := context.Background()

	table, alerts, err := e.SetPrices(ctx, gpt4oRates())
	if err != nil {
		t.Fatal(err)
	}
	if table.Version != 1 {
		t.Errorf("version = %d, want 1", table.Version)
	}
	if len(alerts) != 0 {
		t.Errorf("first load should not alert: %+v", alerts)
	}
	if e.Prices() != table {
		t.Error("live table not swapped")
	}

	store.mu.Lock()
	got := len(store.versions)
	store.mu.Unlock()
	if got != 1 {
		t.Errorf("persisted versions = %d, want 1", got)
	}
}

func TestSetPricesFailureLeavesLiveTable(t *testing.T) {
	t.Parallel()
	e, store := newTestEngine(t)
	ctx := context.Background()

	if _, _, err := e.SetPrices(ctx, gpt4oRates()); err != nil {
		t.Fatal(err)
	}
	live := e.Prices()

	store.mu.Lock()
	store.fail = context.DeadlineExceeded
	store.mu.Unlock()

	if _, _, err := e.SetPrices(ctx, nil); err == nil {
		t.Fatal("expected persist failure")
	}
	if e.Prices() != live {
		t.Error("failed update must not swap the live table")
	}
}

func TestSetPricesAlertsBeyondThreshold(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, _, err := e.SetPrices(ctx, gpt4oRates()); err != nil {
		t.Fatal(err)
	}

	// +100% on input, +2% on output: only the input change alerts.
	bumped := gpt4oRates()
	bumped[0].InputPer1K = 0.010
	bumped[0].OutputPer1K = 0.0153
	_, alerts, err := e.SetPrices(ctx, bumped)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts = %+v, want exactly the input_per_1k change", alerts)
	}
	a := alerts[0]
	if a.Field != "input_per_1k" || a.ChangePct != 100 || a.Version != 2 {
		t.Errorf("alert = %+v", a)
	}
	if got := e.Alerts(); len(got) != 1 || got[0] != a {
		t.Errorf("retained alerts = %+v", got)
	}
}

func TestCost(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	if _, _, err := e.SetPrices(context.Background(), gpt4oRates()); err != nil {
		t.Fatal(err)
	}

	chat := e.Cost("openai-us", "gpt-4o", Units{PromptTokens: 1000, CompletionTokens: 2000})
	if want := 0.005 + 2*0.015; math.Abs(chat-want) > 1e-9 {
		t.Errorf("chat cost = %v, want %v", chat, want)
	}
	img := e.Cost("openai-us", "dall-e-3", Units{Images: 2})
	if math.Abs(img-0.08) > 1e-9 {
		t.Errorf("image cost = %v, want 0.08", img)
	}
	audio := e.Cost("openai-us", "whisper-1", Units{AudioSeconds: 90})
	if want := 1.5 * 0.006; math.Abs(audio-want) > 1e-9 {
		t.Errorf("audio cost = %v, want %v", audio, want)
	}
	if unknown := e.Cost("openai-us", "no-such-model", Units{PromptTokens: 1000}); unknown != 0 {
		t.Errorf("unknown model cost = %v, want 0", unknown)
	}
}

func TestRateWildcardFallback(t *testing.T) {
	t.Parallel()
	table := newPriceTable(1, []Rate{
		{Provider: "*", Model: "gpt-4o", InputPer1K: 0.005, OutputPer1K: 0.015},
	}, time.Now())

	if _, ok := table.Rate("azure-eu", "gpt-4o"); !ok {
		t.Error("wildcard provider row should match any provider")
	}
}

func rec(provider, model, tenant string, outcome gateway.Outcome, latencyMs int) gateway.UsageRecord {
	return gateway.UsageRecord{
		ID: "u-1", Tenant: tenant, Provider: provider, Model: model,
		Kind: gateway.KindChat, PromptTokens: 100, CompletionTokens: 50,
		CostUSD: 0.01, Outcome: outcome, LatencyMs: latencyMs,
		CreatedAt: time.Date(2026, 8, 24, 10, 30, 45, 0, time.UTC),
	}
}

func TestEmitQueuesAndAggregates(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)

	e.Emit(rec("openai-us", "gpt-4o", "acme", gateway.OutcomeUpstream, 800))
	e.Emit(rec("openai-us", "gpt-4o", "acme", gateway.OutcomeCacheHit, 2))
	e.Emit(rec("openai-us", "gpt-4o", "globex", gateway.OutcomeError, 1200))

	if got := len(e.Records()); got != 3 {
		t.Errorf("queued records = %d, want 3", got)
	}

	total := e.Total()
	if total.Requests != 3 || total.CacheHits != 1 || total.Errors != 1 {
		t.Errorf("total = %+v", total)
	}
	if total.PromptTokens != 300 || math.Abs(total.CostUSD-0.03) > 1e-9 {
		t.Errorf("total tokens/cost = %+v", total)
	}

	tenants := e.TenantTotals()
	if tenants["acme"].Requests != 2 || tenants["globex"].Requests != 1 {
		t.Errorf("tenant totals = %+v", tenants)
	}
}

func TestEmitDropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	e := NewEngine(nil, testLogger(), Config{QueueSize: 2})

	for range 5 {
		e.Emit(rec("openai-us", "gpt-4o", "acme", gateway.OutcomeUpstream, 100))
	}
	if e.Dropped() != 3 {
		t.Errorf("dropped = %d, want 3", e.Dropped())
	}
	if len(e.Records()) != 2 {
		t.Errorf("queued = %d, want 2", len(e.Records()))
	}
}

func TestStatsExcludesSyntheticOutcomes(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)

	e.Emit(rec("openai-us", "gpt-4o", "acme", gateway.OutcomeUpstream, 400))
	e.Emit(rec("openai-us", "gpt-4o", "acme", gateway.OutcomeUpstream, 600))
	e.Emit(rec("openai-us", "gpt-4o", "acme", gateway.OutcomeError, 2000))
	// Cache hits and cancellations must not skew latency or error rate.
	e.Emit(rec("openai-us", "gpt-4o", "acme", gateway.OutcomeCacheHit, 1))
	e.Emit(rec("openai-us", "gpt-4o", "acme", gateway.OutcomeCancelled, 50))

	s := e.Stats("openai-us", "gpt-4o")
	if s.Samples != 3 {
		t.Errorf("samples = %d, want 3", s.Samples)
	}
	if s.P50LatencyMs != 600 {
		t.Errorf("p50 = %v, want 600", s.P50LatencyMs)
	}
	if want := 1.0 / 3.0; s.ErrorRate != want {
		t.Errorf("error rate = %v, want %v", s.ErrorRate, want)
	}

	if s := e.Stats("openai-us", "unseen"); s.Samples != 0 {
		t.Errorf("unseen target stats = %+v", s)
	}
}

func TestRollupRecords(t *testing.T) {
	t.Parallel()
	r1 := rec("openai-us", "gpt-4o", "acme", gateway.OutcomeUpstream, 500)
	r2 := rec("openai-us", "gpt-4o", "acme", gateway.OutcomeCacheHit, 2)
	r2.CreatedAt = r1.CreatedAt.Add(10 * time.Second) // same minute bucket
	r3 := rec("openai-us", "gpt-4o", "acme", gateway.OutcomeUpstream, 500)
	r3.CreatedAt = r1.CreatedAt.Add(5 * time.Minute) // same hour, new minute

	rollups := RollupRecords([]gateway.UsageRecord{r1, r2, r3})

	byPeriod := map[string][]storage.Rollup{}
	for _, r := range rollups {
		byPeriod[r.Period] = append(byPeriod[r.Period], r)
	}
	if len(byPeriod["minute"]) != 2 {
		t.Errorf("minute buckets = %d, want 2", len(byPeriod["minute"]))
	}
	if len(byPeriod["hour"]) != 1 {
		t.Errorf("hour buckets = %d, want 1", len(byPeriod["hour"]))
	}
	if len(byPeriod["day"]) != 1 {
		t.Errorf("day buckets = %d, want 1", len(byPeriod["day"]))
	}

	day := byPeriod["day"][0]
	if day.RequestCount != 3 || day.CacheHits != 1 || day.PromptTokens != 300 {
		t.Errorf("day rollup = %+v", day)
	}
	if day.Bucket != "2026-08-24T00:00:00Z" {
		t.Errorf("day bucket = %s", day.Bucket)
	}
}
