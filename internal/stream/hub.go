// Package stream tracks open outbound streams: per-tenant caps, activity
// counters, idle enforcement, admin inspection and close, and broadcast
// fan-out with backpressure.
package stream

import (
	"context"
	"hash/maphash"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/palisade-ai/palisade/internal"
)

const shardCount = 16

// Notice is an out-of-band event injected into a live stream: admin
// broadcasts and the close notification.
type Notice struct {
	Event string `json:"event"` // "admin.message" or "admin.close"
	Data  string `json:"data"`
}

// Stream is one registered outbound stream. Counters are written by the
// data path and read by the control plane without locks.
type Stream struct {
	ID        string
	Tenant    string
	Provider  string
	Model     string
	StartedAt time.Time

	hub    *Hub
	ctx    context.Context
	cancel context.CancelFunc

	notices chan Notice

	mu           sync.Mutex
	bytes        int64
	events       int64
	lastActivity time.Time
	closeReason  string
}

// Context returns the stream's context: it is cancelled by client
// disconnect (parent), admin close, and the idle sweep alike.
func (s *Stream) Context() context.Context { return s.ctx }

// Notices delivers admin broadcasts and the close notification. The data
// path must drain it alongside adapter events.
func (s *Stream) Notices() <-chan Notice { return s.notices }

// SetTarget records the provider and model once dispatch settles on a
// candidate. Registration happens before routing, so the target is not
// known at Register time.
func (s *Stream) SetTarget(provider, model string) {
	s.mu.Lock()
	s.Provider = provider
	s.Model = model
	s.mu.Unlock()
}

// Note records outbound activity: one event of n bytes.
func (s *Stream) Note(n int) {
	s.mu.Lock()
	s.bytes += int64(n)
	s.events++
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// CloseReason reports why the hub terminated the stream, or "" while live.
func (s *Stream) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Info is the control-plane view of a stream.
type Info struct {
	ID           string    `json:"id"`
	Tenant       string    `json:"tenant"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	StartedAt    time.Time `json:"started_at"`
	Bytes        int64     `json:"bytes"`
	Events       int64     `json:"events"`
	LastActivity time.Time `json:"last_activity"`
}

func (s *Stream) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID: s.ID, Tenant: s.Tenant, Provider: s.Provider, Model: s.Model,
		StartedAt: s.StartedAt, Bytes: s.bytes, Events: s.events,
		LastActivity: s.lastActivity,
	}
}

type shard struct {
	mu      sync.RWMutex
	streams map[string]*Stream
}

// Hub is the sharded registry of open streams.
type Hub struct {
	log          *slog.Logger
	shards       [shardCount]shard
	seed         maphash.Seed
	maxPerTenant int
	idleTimeout  time.Duration
	noticeBuffer int

	tenantMu sync.Mutex
	tenants  map[string]int
}

// Config tunes the hub.
type Config struct {
	MaxPerTenant int           // concurrent streams per tenant; 0 = unlimited
	IdleTimeout  time.Duration // hard inactivity limit enforced by Sweep
	NoticeBuffer int           // per-stream notice queue; slow consumers past it are dropped
}

// NewHub creates a Hub.
func NewHub(log *slog.Logger, cfg Config) *Hub {
	if cfg.NoticeBuffer <= 0 {
		cfg.NoticeBuffer = 32
	}
	h := &Hub{
		log:          log,
		seed:         maphash.MakeSeed(),
		maxPerTenant: cfg.MaxPerTenant,
		idleTimeout:  cfg.IdleTimeout,
		noticeBuffer: cfg.NoticeBuffer,
		tenants:      make(map[string]int),
	}
	for i := range h.shards {
		h.shards[i].streams = make(map[string]*Stream)
	}
	return h
}

func (h *Hub) shard(id string) *shard {
	return &h.shards[maphash.String(h.seed, id)%shardCount]
}

// Register admits a new stream for the tenant, enforcing the per-tenant
// cap. The returned stream's context is derived from parent; cancel either
// side and both the upstream request and the client loop stop.
func (h *Hub) Register(parent context.Context, tenant, provider, model string) (*Stream, error) {
	h.tenantMu.Lock()
	if h.maxPerTenant > 0 && h.tenants[tenant] >= h.maxPerTenant {
		n := h.tenants[tenant]
		h.tenantMu.Unlock()
		return nil, gateway.E(gateway.CodeQuotaExceeded,
			"tenant %s already has %d open streams", tenant, n)
	}
	h.tenants[tenant]++
	h.tenantMu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	now := time.Now()
	s := &Stream{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Tenant:       tenant,
		Provider:     provider,
		Model:        model,
		StartedAt:    now,
		hub:          h,
		ctx:          ctx,
		cancel:       cancel,
		notices:      make(chan Notice, h.noticeBuffer),
		lastActivity: now,
	}

	sh := h.shard(s.ID)
	sh.mu.Lock()
	sh.streams[s.ID] = s
	sh.mu.Unlock()
	return s, nil
}

// Unregister removes a stream from the registry. The data path calls it
// when the stream terminates, whatever the reason.
func (h *Hub) Unregister(id string) {
	sh := h.shard(id)
	sh.mu.Lock()
	s, ok := sh.streams[id]
	delete(sh.streams, id)
	sh.mu.Unlock()
	if !ok {
		return
	}

	s.cancel()
	h.tenantMu.Lock()
	if h.tenants[s.Tenant]--; h.tenants[s.Tenant] <= 0 {
		delete(h.tenants, s.Tenant)
	}
	h.tenantMu.Unlock()
}

// Get returns the control-plane view of one stream.
func (h *Hub) Get(id string) (Info, error) {
	sh := h.shard(id)
	sh.mu.RLock()
	s, ok := sh.streams[id]
	sh.mu.RUnlock()
	if !ok {
		return Info{}, gateway.ErrNotFound
	}
	return s.info(), nil
}

// List returns open streams, optionally filtered by tenant, ordered by
// start time.
func (h *Hub) List(tenant string) []Info {
	var out []Info
	for i := range h.shards {
		sh := &h.shards[i]
		sh.mu.RLock()
		for _, s := range sh.streams {
			if tenant != "" && s.Tenant != tenant {
				continue
			}
			out = append(out, s.info())
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Len returns the number of open streams.
func (h *Hub) Len() int {
	n := 0
	for i := range h.shards {
		sh := &h.shards[i]
		sh.mu.RLock()
		n += len(sh.streams)
		sh.mu.RUnlock()
	}
	return n
}

// TenantCounts returns open-stream counts per tenant.
func (h *Hub) TenantCounts() map[string]int {
	h.tenantMu.Lock()
	defer h.tenantMu.Unlock()
	out := make(map[string]int, len(h.tenants))
	for k, v := range h.tenants {
		out[k] = v
	}
	return out
}

// Close terminates one stream: a close notice is queued for the client
// loop and the stream context is cancelled, which also tears down the
// upstream request.
func (h *Hub) Close(id, reason string) error {
	sh := h.shard(id)
	sh.mu.RLock()
	s, ok := sh.streams[id]
	sh.mu.RUnlock()
	if !ok {
		return gateway.ErrNotFound
	}
	h.close(s, reason)
	return nil
}

func (h *Hub) close(s *Stream, reason string) {
	s.mu.Lock()
	if s.closeReason == "" {
		s.closeReason = reason
	}
	s.mu.Unlock()

	select {
	case s.notices <- Notice{Event: "admin.close", Data: reason}:
	default:
	}
	s.cancel()
}

// Broadcast fans a notice out to all open streams, or one tenant's when
// tenant is non-empty. A stream whose notice queue is full is a slow
// consumer: it is closed with a warning rather than allowed to stall the
// broadcast.
func (h *Hub) Broadcast(tenant, message string) (delivered, dropped int) {
	notice := Notice{Event: "admin.message", Data: message}
	for i := range h.shards {
		sh := &h.shards[i]
		sh.mu.RLock()
		targets := make([]*Stream, 0, len(sh.streams))
		for _, s := range sh.streams {
			if tenant != "" && s.Tenant != tenant {
				continue
			}
			targets = append(targets, s)
		}
		sh.mu.RUnlock()

		for _, s := range targets {
			select {
			case s.notices <- notice:
				delivered++
			default:
				dropped++
				h.log.Warn("dropping slow stream consumer",
					"stream_id", s.ID, "tenant", s.Tenant)
				h.close(s, "slow consumer")
			}
		}
	}
	return delivered, dropped
}

// Sweep closes streams idle past the hub's limit. The worker runner calls
// it periodically; it returns how many streams were closed.
func (h *Hub) Sweep(now time.Time) int {
	if h.idleTimeout <= 0 {
		return 0
	}
	closed := 0
	for i := range h.shards {
		sh := &h.shards[i]
		sh.mu.RLock()
		var idle []*Stream
		for _, s := range sh.streams {
			s.mu.Lock()
			stale := now.Sub(s.lastActivity) > h.idleTimeout
			s.mu.Unlock()
			if stale {
				idle = append(idle, s)
			}
		}
		sh.mu.RUnlock()

		for _, s := range idle {
			h.log.Info("closing idle stream", "stream_id", s.ID, "tenant", s.Tenant)
			h.close(s, "idle timeout")
			closed++
		}
	}
	return closed
}
