package ratelimit

import (
	"sync"
	"time"
)

// bucket is a lazily refilled token bucket. There is no background refill
// goroutine; the level catches up from elapsed time on every operation.
type bucket struct {
	level    float64
	capacity float64
	perSec   float64
	filledAt time.Time
}

// newRequestBucket sizes a bucket for a per-minute request limit: burst
// capacity equals the limit, refill spreads it over the minute.
func newRequestBucket(perMinute int64) *bucket {
	return &bucket{
		level:    float64(perMinute),
		capacity: float64(perMinute),
		perSec:   float64(perMinute) / 60.0,
		filledAt: time.Now(),
	}
}

func (b *bucket) fill(now time.Time) {
	elapsed := now.Sub(b.filledAt).Seconds()
	if elapsed <= 0 {
		return
	}
	b.level = min(b.capacity, b.level+elapsed*b.perSec)
	b.filledAt = now
}

// take consumes n tokens if available, reporting the level left.
func (b *bucket) take(n float64, now time.Time) (remaining float64, ok bool) {
	b.fill(now)
	if b.level >= n {
		b.level -= n
		return b.level, true
	}
	return b.level, false
}

// wait returns how long until n tokens will have refilled.
func (b *bucket) wait(n float64) time.Duration {
	if b.level >= n {
		return 0
	}
	return time.Duration((n - b.level) / b.perSec * float64(time.Second))
}

// Decision is the admission verdict for one ingress request.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// Pacer smooths one tenant key's request admission. The Tracker's wall-clock
// windows accept a full limit burst at every boundary; the pacer spreads that
// burst across the minute without touching the window accounting.
type Pacer struct {
	mu        sync.Mutex
	requests  *bucket // nil when the key carries no per-minute limit
	perMinute int64
	lastSeen  time.Time
}

func newPacer(perMinute int64) *Pacer {
	p := &Pacer{perMinute: perMinute, lastSeen: time.Now()}
	if perMinute > 0 {
		p.requests = newRequestBucket(perMinute)
	}
	return p
}

// Admit consumes one request token. A rejected admission reports how long
// the caller should back off before the next token refills.
func (p *Pacer) Admit() Decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	p.lastSeen = now

	if p.requests == nil {
		return Decision{Allowed: true}
	}
	remaining, ok := p.requests.take(1, now)
	if ok {
		return Decision{Allowed: true, Limit: p.perMinute, Remaining: int64(remaining)}
	}
	return Decision{
		Limit:      p.perMinute,
		RetryAfter: p.requests.wait(1),
	}
}

// Pool tracks pacers per tenant key.
type Pool struct {
	mu     sync.RWMutex
	pacers map[string]*Pacer
}

// NewPool creates an empty pacer pool.
func NewPool() *Pool {
	return &Pool{pacers: make(map[string]*Pacer)}
}

// Get returns the pacer for a key, creating one on first sight. A changed
// per-minute limit replaces the pacer so an admin quota update takes effect
// on the next request.
func (po *Pool) Get(keyID string, perMinute int64) *Pacer {
	po.mu.RLock()
	p, ok := po.pacers[keyID]
	po.mu.RUnlock()
	if ok && p.perMinute == perMinute {
		return p
	}

	po.mu.Lock()
	defer po.mu.Unlock()
	if p, ok := po.pacers[keyID]; ok && p.perMinute == perMinute {
		return p
	}
	p = newPacer(perMinute)
	po.pacers[keyID] = p
	return p
}

// EvictStale drops pacers idle since before cutoff.
func (po *Pool) EvictStale(cutoff time.Time) int {
	po.mu.Lock()
	defer po.mu.Unlock()
	evicted := 0
	for k, p := range po.pacers {
		p.mu.Lock()
		stale := p.lastSeen.Before(cutoff)
		p.mu.Unlock()
		if stale {
			delete(po.pacers, k)
			evicted++
		}
	}
	return evicted
}
