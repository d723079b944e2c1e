package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/circuitbreaker"
	"github.com/palisade-ai/palisade/internal/stream"
	"github.com/palisade-ai/palisade/internal/usage"
)

type fakeSink struct {
	mu       sync.Mutex
	targets  map[string]float64
	breakers map[string]string
	streams  int
	dropped  int64
}

func newFakeSink() *fakeSink {
	return &fakeSink{targets: make(map[string]float64), breakers: make(map[string]string)}
}

func (s *fakeSink) SetTargetStats(target string, p50Ms, _ float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[target] = p50Ms
}

func (s *fakeSink) SetBreakerState(target, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakers[target] = state
}

func (s *fakeSink) SetOpenStreams(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = n
}

func (s *fakeSink) SetDroppedUsage(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = n
}

func TestStatsPublisherPublishesSnapshot(t *testing.T) {
	t.Parallel()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine := usage.NewEngine(nil, log, usage.Config{QueueSize: 16})
	engine.Emit(gateway.UsageRecord{
		Provider: "openai", Model: "gpt-4o", Kind: gateway.KindChat,
		Outcome: gateway.OutcomeUpstream, LatencyMs: 250, CreatedAt: time.Now(),
	})

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		ErrorThreshold: 0.5, MinSamples: 10, WindowSeconds: 60,
		Cooldown: time.Minute, MaxCooldown: 5 * time.Minute,
	})
	breakers.GetOrCreate(circuitbreaker.Key("openai", "gpt-4o"))

	hub := stream.NewHub(log, stream.Config{IdleTimeout: time.Minute})
	s, err := hub.Register(context.Background(), "acme", "openai", "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	defer hub.Unregister(s.ID)

	sink := newFakeSink()
	pub := NewStatsPublisher(engine, hub, breakers, sink, time.Second)
	pub.publish()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if got := sink.targets["openai/gpt-4o"]; got != 250 {
		t.Errorf("p50 = %v, want 250", got)
	}
	if got := sink.breakers["openai/gpt-4o"]; got != "closed" {
		t.Errorf("breaker state = %q, want closed", got)
	}
	if sink.streams != 1 {
		t.Errorf("open streams = %d, want 1", sink.streams)
	}
	if sink.dropped != 0 {
		t.Errorf("dropped = %d, want 0", sink.dropped)
	}
}
