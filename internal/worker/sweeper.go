package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/palisade-ai/palisade/internal/stream"
)

const defaultSweepInterval = time.Minute

// Evictor drops per-scope state not touched since cutoff. The quota
// tracker, breaker registry, and keyring usage counters all satisfy it.
type Evictor interface {
	EvictStale(cutoff time.Time) int
}

// SweepTarget pairs an Evictor with its retention window. MaxAge must
// outlive the longest counter the target tracks: day-window quota
// counters need more than 24h, breakers more than their max cooldown.
type SweepTarget struct {
	Name    string
	MaxAge  time.Duration
	Evictor Evictor
}

// Sweeper periodically evicts stale in-memory state and closes idle
// streams so long-lived processes don't accumulate dead tenants.
type Sweeper struct {
	targets  []SweepTarget
	hub      *stream.Hub
	interval time.Duration
}

// NewSweeper creates a Sweeper. hub may be nil; interval 0 means one minute.
func NewSweeper(targets []SweepTarget, hub *stream.Hub, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{targets: targets, hub: hub, interval: interval}
}

// Name returns the worker identifier.
func (s *Sweeper) Name() string { return "sweeper" }

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := time.Now()
	for _, t := range s.targets {
		if n := t.Evictor.EvictStale(now.Add(-t.MaxAge)); n > 0 {
			slog.LogAttrs(ctx, slog.LevelDebug, "swept stale state",
				slog.String("target", t.Name),
				slog.Int("evicted", n),
			)
		}
	}
	if s.hub != nil {
		if n := s.hub.Sweep(now); n > 0 {
			slog.LogAttrs(ctx, slog.LevelInfo, "closed idle streams",
				slog.Int("closed", n),
			)
		}
	}
}
