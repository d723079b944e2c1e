package cache

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// flight tracks the shared computation context for one fingerprint. The
// context is detached from any single caller so the computation survives
// the leader disconnecting; it is cancelled only when the last waiter
// leaves.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Group deduplicates concurrent upstream calls per fingerprint: at most one
// computation runs at a time, and every waiter receives its result — or its
// failure. A failed computation is delivered to all current waiters rather
// than retried per caller.
type Group struct {
	sf singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// NewGroup creates a stampede-protection group.
func NewGroup() *Group {
	return &Group{flights: make(map[string]*flight)}
}

// Do runs fn under the fingerprint's shared slot. If a computation for key
// is already in flight, the call blocks until it resolves and returns the
// shared result; shared is true for every caller that did not run fn.
//
// The caller's ctx governs only its own wait: cancelling it abandons the
// wait without disturbing the computation, which keeps running for the
// remaining waiters. When the last waiter leaves, the computation's context
// is cancelled.
func (g *Group) Do(ctx context.Context, key string, fn func(ctx context.Context) (Entry, error)) (e Entry, shared bool, err error) {
	f := g.join(ctx, key)
	defer g.leave(key, f)

	ch := g.sf.DoChan(key, func() (any, error) {
		defer g.finish(key)
		return fn(f.ctx)
	})

	select {
	case <-ctx.Done():
		return Entry{}, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, res.Shared, res.Err
		}
		return res.Val.(Entry), res.Shared, nil
	}
}

// InFlight reports whether a computation for key is currently running.
func (g *Group) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.flights[key] != nil
}

func (g *Group) join(ctx context.Context, key string) *flight {
	g.mu.Lock()
	defer g.mu.Unlock()
	f := g.flights[key]
	if f == nil {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		g.flights[key] = f
	}
	f.waiters++
	return f
}

func (g *Group) leave(key string, f *flight) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f.waiters--
	if f.waiters == 0 {
		f.cancel()
		if g.flights[key] == f {
			delete(g.flights, key)
		}
	}
}

// finish detaches the completed flight so late arrivals start a fresh
// computation instead of joining a finished one.
func (g *Group) finish(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	// Waiters still draining the result channel hold their own reference
	// to the flight; its cancel fires when the last one leaves.
	delete(g.flights, key)
}
