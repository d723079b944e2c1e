// Package ratelimit enforces per-tenant and per-upstream-key limits: fixed-
// interval wall-clock-aligned window quotas (minute/hour/day + daily cost)
// and lazy-refill token buckets for ingress fairness.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	gateway "github.com/palisade-ai/palisade/internal"
)

// Window identifies a fixed quota interval. Boundaries align to wall-clock
// multiples of the interval; the burst at a boundary is accepted in exchange
// for O(1) state per scope.
type Window uint8

const (
	WindowMinute Window = iota
	WindowHour
	WindowDay
)

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// String returns the window name used in error payloads.
func (w Window) String() string {
	switch w {
	case WindowMinute:
		return "minute"
	case WindowHour:
		return "hour"
	default:
		return "day"
	}
}

// QuotaError reports a rejected quota check with a precise reset instant.
type QuotaError struct {
	Scope      string
	Window     string
	Limit      float64
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Error implements the error interface.
func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %s limit %g for window %s, retry after %s",
		e.Scope, e.Limit, e.Window, e.RetryAfter.Round(time.Second))
}

// cell is one fixed-interval counter. start is the unix second of the
// window boundary the count belongs to; a new boundary resets the count.
type cell struct {
	start int64
	count float64
}

// bump resets the cell if the aligned boundary moved, then returns the
// current count without incrementing.
func (c *cell) bump(now time.Time, w Window) float64 {
	aligned := now.Truncate(w.Duration()).Unix()
	if c.start != aligned {
		c.start = aligned
		c.count = 0
	}
	return c.count
}

// resetIn returns the time until the cell's window ends.
func resetIn(now time.Time, w Window) (time.Duration, time.Time) {
	end := now.Truncate(w.Duration()).Add(w.Duration())
	return end.Sub(now), end
}

// scopeState holds all window counters for one scope (a tenant key or an
// upstream key). One mutex guards the whole scope so a charge is atomic:
// all windows are checked before any is incremented, which makes rollback
// on reject unnecessary.
type scopeState struct {
	mu       sync.Mutex
	requests [3]cell // minute, hour, day
	tokens   cell    // day
	cost     cell    // day
	lastUsed time.Time
}

// Tracker enforces window quotas per scope. Safe for concurrent use; the
// per-scope lock is held only across the counter check-and-bump, never
// across upstream I/O.
type Tracker struct {
	mu     sync.RWMutex
	scopes map[string]*scopeState
	now    func() time.Time
}

// NewTracker creates a Tracker.
func NewTracker() *Tracker {
	return &Tracker{scopes: make(map[string]*scopeState), now: time.Now}
}

func (t *Tracker) scope(id string) *scopeState {
	t.mu.RLock()
	s, ok := t.scopes[id]
	t.mu.RUnlock()
	if ok {
		return s
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.scopes[id]; ok {
		return s
	}
	s = &scopeState{}
	t.scopes[id] = s
	return s
}

// Charge performs the pre-dispatch quota check for one request: one request
// unit against each configured request window, estimated tokens against the
// daily token cap, and estimated cost against the daily cost cap. All
// applicable counters are checked first; only when every check passes are
// they incremented, so a rejected request leaves no trace. On reject the
// returned QuotaError names the tightest violated window (latest reset
// instant); windows are evaluated minute, hour, day, then cost.
func (t *Tracker) Charge(scopeID string, q gateway.Quota, estTokens int64, estCost float64) error {
	limits := [3]int64{q.RequestsPerMinute, q.RequestsPerHour, q.RequestsPerDay}
	windows := [3]Window{WindowMinute, WindowHour, WindowDay}

	s := t.scope(scopeID)
	now := t.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = now

	var violation *QuotaError
	record := func(w Window, limit float64) {
		retry, reset := resetIn(now, w)
		// Tightest window = latest reset instant.
		if violation == nil || reset.After(violation.ResetAt) {
			violation = &QuotaError{
				Scope: scopeID, Window: w.String(), Limit: limit,
				RetryAfter: retry, ResetAt: reset,
			}
		}
	}

	for i, w := range windows {
		if limits[i] <= 0 {
			continue
		}
		if s.requests[i].bump(now, w)+1 > float64(limits[i]) {
			record(w, float64(limits[i]))
		}
	}
	if q.TokensPerDay > 0 && s.tokens.bump(now, WindowDay)+float64(estTokens) > float64(q.TokensPerDay) {
		record(WindowDay, float64(q.TokensPerDay))
	}
	if q.CostPerDay > 0 && s.cost.bump(now, WindowDay)+estCost > q.CostPerDay {
		record(WindowDay, q.CostPerDay)
	}

	if violation != nil {
		return violation
	}

	// Request counters are maintained even for unlimited windows: the
	// key manager's least-used selection reads them via Snapshot.
	for i, w := range windows {
		s.requests[i].bump(now, w)
		s.requests[i].count++
	}
	s.tokens.bump(now, WindowDay)
	s.tokens.count += float64(estTokens)
	s.cost.bump(now, WindowDay)
	s.cost.count += estCost
	return nil
}

// Reconcile adjusts the daily token and cost counters after the actual
// upstream usage is known. Deltas are (actual - estimated); counters never
// go below zero.
func (t *Tracker) Reconcile(scopeID string, tokenDelta int64, costDelta float64) {
	s := t.scope(scopeID)
	now := t.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens.bump(now, WindowDay)
	s.tokens.count = max(0, s.tokens.count+float64(tokenDelta))
	s.cost.bump(now, WindowDay)
	s.cost.count = max(0, s.cost.count+costDelta)
}

// Counts is a point-in-time view of a scope's window counters.
type Counts struct {
	RequestsMinute int64   `json:"requests_minute"`
	RequestsHour   int64   `json:"requests_hour"`
	RequestsDay    int64   `json:"requests_day"`
	TokensDay      int64   `json:"tokens_day"`
	CostDay        float64 `json:"cost_day"`
}

// Snapshot returns the current counters for a scope.
func (t *Tracker) Snapshot(scopeID string) Counts {
	s := t.scope(scopeID)
	now := t.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	return Counts{
		RequestsMinute: int64(s.requests[0].bump(now, WindowMinute)),
		RequestsHour:   int64(s.requests[1].bump(now, WindowHour)),
		RequestsDay:    int64(s.requests[2].bump(now, WindowDay)),
		TokensDay:      int64(s.tokens.bump(now, WindowDay)),
		CostDay:        s.cost.bump(now, WindowDay),
	}
}

// EvictStale removes scopes not used since cutoff.
func (t *Tracker) EvictStale(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for k, s := range t.scopes {
		s.mu.Lock()
		stale := s.lastUsed.Before(cutoff)
		s.mu.Unlock()
		if stale {
			delete(t.scopes, k)
			evicted++
		}
	}
	return evicted
}
