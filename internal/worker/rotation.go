package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/palisade-ai/palisade/internal"
)

const (
	rotationCheckEvery = time.Hour
	rotationRewarn     = 24 * time.Hour
)

// KeyLister exposes the upstream key pool for rotation checks.
type KeyLister interface {
	List(provider string) []*gateway.UpstreamKey
}

// RotationWorker flags upstream keys that are past their rotation
// schedule. Rotation itself needs a fresh secret minted at the provider,
// so the worker can only surface the overdue key, not replace it.
type RotationWorker struct {
	keys   KeyLister
	warned map[string]time.Time
}

// NewRotationWorker creates a RotationWorker over the given key pool.
func NewRotationWorker(keys KeyLister) *RotationWorker {
	return &RotationWorker{keys: keys, warned: make(map[string]time.Time)}
}

// Name returns the worker identifier.
func (w *RotationWorker) Name() string { return "key_rotation" }

// Run checks the pool hourly until ctx is cancelled.
func (w *RotationWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(rotationCheckEvery)
	defer ticker.Stop()

	w.check(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.check(ctx, time.Now())
		}
	}
}

func (w *RotationWorker) check(ctx context.Context, now time.Time) {
	for _, k := range w.keys.List("") {
		if k.RotateEvery <= 0 || k.Status != gateway.UpstreamActive {
			continue
		}
		due := k.CreatedAt.Add(k.RotateEvery)
		if now.Before(due) {
			continue
		}
		// One warning per key per day, not one per check.
		if last, ok := w.warned[k.ID]; ok && now.Sub(last) < rotationRewarn {
			continue
		}
		w.warned[k.ID] = now
		slog.LogAttrs(ctx, slog.LevelWarn, "upstream key overdue for rotation",
			slog.String("key_id", k.ID),
			slog.String("provider", k.Provider),
			slog.String("due", due.UTC().Format(time.RFC3339)),
			slog.String("overdue_for", now.Sub(due).Round(time.Minute).String()),
		)
	}
}
