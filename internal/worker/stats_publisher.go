package worker

import (
	"context"
	"time"

	"github.com/palisade-ai/palisade/internal/circuitbreaker"
	"github.com/palisade-ai/palisade/internal/stream"
	"github.com/palisade-ai/palisade/internal/usage"
)

const defaultPublishInterval = 15 * time.Second

// StatsSink receives periodic gateway state snapshots. The telemetry
// package implements it with gauges.
type StatsSink interface {
	SetTargetStats(target string, p50Ms, errorRate float64)
	SetBreakerState(target, state string)
	SetOpenStreams(n int)
	SetDroppedUsage(n int64)
}

// StatsPublisher copies rolling per-target statistics, breaker states,
// and stream counts into the sink on a fixed interval. Request-scoped
// metrics are recorded inline on the data path; this worker covers the
// state that only exists as in-memory aggregates.
type StatsPublisher struct {
	usage    *usage.Engine
	hub      *stream.Hub
	breakers *circuitbreaker.Registry
	sink     StatsSink
	interval time.Duration
}

// NewStatsPublisher creates a StatsPublisher. interval 0 means 15 seconds.
func NewStatsPublisher(u *usage.Engine, hub *stream.Hub, breakers *circuitbreaker.Registry, sink StatsSink, interval time.Duration) *StatsPublisher {
	if interval <= 0 {
		interval = defaultPublishInterval
	}
	return &StatsPublisher{usage: u, hub: hub, breakers: breakers, sink: sink, interval: interval}
}

// Name returns the worker identifier.
func (p *StatsPublisher) Name() string { return "stats_publisher" }

// Run publishes until ctx is cancelled.
func (p *StatsPublisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.publish()
		}
	}
}

func (p *StatsPublisher) publish() {
	for target, s := range p.usage.Performance() {
		p.sink.SetTargetStats(target, s.P50LatencyMs, s.ErrorRate)
	}
	for target, state := range p.breakers.States() {
		p.sink.SetBreakerState(target, state)
	}
	p.sink.SetOpenStreams(p.hub.Len())
	p.sink.SetDroppedUsage(p.usage.Dropped())
}
