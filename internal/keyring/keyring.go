// Package keyring manages the pool of upstream provider keys: selection
// strategies, per-key quota filtering, rotation with a drain grace window,
// and lifecycle operations driven by the control plane.
package keyring

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/config"
	"github.com/palisade-ai/palisade/internal/ratelimit"
	"github.com/palisade-ai/palisade/internal/storage"
)

// Selection strategies.
const (
	StrategyLeastUsed  = "least_used"
	StrategyRoundRobin = "round_robin"
	StrategyRandom     = "random"
)

// entry is one pooled key with its decrypted secret and live counters.
type entry struct {
	key      *gateway.UpstreamKey
	secret   string
	inFlight int64
	draining bool // rotation grace: finish in-flight work, take no new requests
}

// Selection is the outcome of a key pick. Release must be called when the
// request using the key terminates; Delete refuses keys with live holds.
type Selection struct {
	KeyID    string
	Provider string
	Name     string
	Secret   string

	release func()
	once    sync.Once
}

// Release drops the in-flight hold on the selected key.
func (s *Selection) Release() {
	s.once.Do(s.release)
}

// Manager holds the decrypted key pool. Secrets live only here and in the
// request context during dispatch; they are never logged or re-serialized.
type Manager struct {
	store  storage.UpstreamKeyStore
	cipher *config.Cipher
	quotas *ratelimit.Tracker

	mu      sync.Mutex
	pool    map[string][]*entry // provider -> entries, CreatedAt order
	byID    map[string]*entry
	cursors map[string]int // round-robin position per provider
}

// NewManager returns an empty Manager; call Load to populate it.
func NewManager(store storage.UpstreamKeyStore, cipher *config.Cipher) *Manager {
	return &Manager{
		store:   store,
		cipher:  cipher,
		quotas:  ratelimit.NewTracker(),
		pool:    make(map[string][]*entry),
		byID:    make(map[string]*entry),
		cursors: make(map[string]int),
	}
}

// Load reads all upstream keys from the store and decrypts their secrets.
// Keys that fail to decrypt (wrong SECRETS_KEY) abort the load rather than
// silently shrinking the pool.
func (m *Manager) Load(ctx context.Context) error {
	keys, err := m.store.ListUpstreamKeys(ctx, "")
	if err != nil {
		return fmt.Errorf("load keyring: %w", err)
	}

	pool := make(map[string][]*entry, len(keys))
	byID := make(map[string]*entry, len(keys))
	for _, k := range keys {
		secret, err := m.cipher.Decrypt(k.EncryptedSecret)
		if err != nil {
			return fmt.Errorf("decrypt key %s (%s): %w", k.ID, k.Provider, err)
		}
		e := &entry{key: k, secret: secret}
		pool[k.Provider] = append(pool[k.Provider], e)
		byID[k.ID] = e
	}

	m.mu.Lock()
	m.pool = pool
	m.byID = byID
	m.cursors = make(map[string]int)
	m.mu.Unlock()
	return nil
}

// Select picks an active key for the provider that is permitted for the
// model and under its own quota, using the given strategy. The pick holds
// the manager lock only over the counter read and bump; the request itself
// proceeds lock-free with the returned Selection.
func (m *Manager) Select(provider, model, strategy string) (*Selection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	eligible := make([]*entry, 0, len(m.pool[provider]))
	for _, e := range m.pool[provider] {
		if e.key.Status != gateway.UpstreamActive || e.draining {
			continue
		}
		if !permits(e.key.Permissions, model) {
			continue
		}
		eligible = append(eligible, e)
	}
	if len(eligible) == 0 {
		return nil, gateway.ErrNoUpstreamKey
	}

	var order []*entry
	switch strategy {
	case StrategyRoundRobin:
		cur := m.cursors[provider]
		m.cursors[provider] = cur + 1
		order = make([]*entry, 0, len(eligible))
		for i := range eligible {
			order = append(order, eligible[(cur+i)%len(eligible)])
		}
	case StrategyRandom:
		order = make([]*entry, len(eligible))
		copy(order, eligible)
		rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	default: // least_used
		type scored struct {
			e      *entry
			minute int64
		}
		ss := make([]scored, len(eligible))
		for i, e := range eligible {
			ss[i] = scored{e: e, minute: m.quotas.Snapshot(e.key.ID).RequestsMinute}
		}
		sort.SliceStable(ss, func(i, j int) bool {
			if ss[i].minute != ss[j].minute {
				return ss[i].minute < ss[j].minute
			}
			// Tie-break by earliest last use.
			return lastUsed(ss[i].e.key).Before(lastUsed(ss[j].e.key))
		})
		order = make([]*entry, len(ss))
		for i, s := range ss {
			order[i] = s.e
		}
	}

	// Charge the per-key quota for the first candidate that accepts; keys
	// over quota fall through to the next one.
	for _, e := range order {
		if err := m.quotas.Charge(e.key.ID, e.key.Quota, 0, 0); err != nil {
			continue
		}
		e.inFlight++
		now := time.Now().UTC()
		e.key.LastUsedAt = &now
		picked := e
		return &Selection{
			KeyID:    e.key.ID,
			Provider: provider,
			Name:     e.key.Name,
			Secret:   e.secret,
			release: func() {
				m.mu.Lock()
				picked.inFlight--
				m.mu.Unlock()
			},
		}, nil
	}
	return nil, gateway.ErrNoUpstreamKey
}

func lastUsed(k *gateway.UpstreamKey) time.Time {
	if k.LastUsedAt == nil {
		return time.Time{}
	}
	return *k.LastUsedAt
}

// permits reports whether the key's model globs allow the model. An empty
// permission list allows everything.
func permits(globs []string, model string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if ok, _ := path.Match(g, model); ok {
			return true
		}
	}
	return false
}

// Preview reports which key Select would currently favor for the model,
// without charging quotas or taking a hold. Used by routing decisions and
// the control-plane selection preview.
func (m *Manager) Preview(provider, model string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *entry
	var bestMinute int64
	for _, e := range m.pool[provider] {
		if e.key.Status != gateway.UpstreamActive || e.draining {
			continue
		}
		if !permits(e.key.Permissions, model) {
			continue
		}
		minute := m.quotas.Snapshot(e.key.ID).RequestsMinute
		if best == nil || minute < bestMinute ||
			(minute == bestMinute && lastUsed(e.key).Before(lastUsed(best.key))) {
			best, bestMinute = e, minute
		}
	}
	if best == nil {
		return "", false
	}
	return best.key.ID, true
}

// HasKeys reports whether any keys are pooled for the provider. Providers
// without a pool authenticate with their own configured credential.
func (m *Manager) HasKeys(provider string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pool[provider]) > 0
}

// RecordUsage reconciles the per-key daily counters with actual usage.
func (m *Manager) RecordUsage(keyID string, tokens int64, cost float64) {
	m.quotas.Reconcile(keyID, tokens, cost)
}

// Usage returns the live window counters for a key.
func (m *Manager) Usage(keyID string) ratelimit.Counts {
	return m.quotas.Snapshot(keyID)
}

// InFlight returns the number of live holds on a key.
func (m *Manager) InFlight(keyID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byID[keyID]; ok {
		return e.inFlight
	}
	return 0
}

// Create encrypts and persists a new key and adds it to the live pool.
func (m *Manager) Create(ctx context.Context, provider, name, secret string, quota gateway.Quota) (*gateway.UpstreamKey, error) {
	enc, err := m.cipher.Encrypt(secret)
	if err != nil {
		return nil, err
	}
	k := &gateway.UpstreamKey{
		ID:              uuid.Must(uuid.NewV7()).String(),
		Provider:        provider,
		Name:            name,
		EncryptedSecret: enc,
		Status:          gateway.UpstreamActive,
		Quota:           quota,
		CreatedAt:       time.Now().UTC(),
	}
	if err := m.store.CreateUpstreamKey(ctx, k); err != nil {
		return nil, err
	}

	e := &entry{key: k, secret: secret}
	m.mu.Lock()
	m.pool[provider] = append(m.pool[provider], e)
	m.byID[k.ID] = e
	m.mu.Unlock()
	return k, nil
}

// Rotate replaces a key: a new key id is created with the new secret, the
// old key stops taking new requests immediately, and after the grace
// window it is persisted as disabled. In-flight requests on the old key
// complete normally.
func (m *Manager) Rotate(ctx context.Context, oldID, newSecret string, grace time.Duration) (*gateway.UpstreamKey, error) {
	m.mu.Lock()
	old, ok := m.byID[oldID]
	m.mu.Unlock()
	if !ok {
		return nil, gateway.ErrNotFound
	}

	newKey, err := m.Create(ctx, old.key.Provider, old.key.Name, newSecret, old.key.Quota)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	old.draining = true
	m.mu.Unlock()

	time.AfterFunc(grace, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.setStatus(ctx, oldID, gateway.UpstreamDisabled) //nolint:errcheck
	})
	return newKey, nil
}

// Disable marks a key unusable for new selections.
func (m *Manager) Disable(ctx context.Context, id string) error {
	return m.setStatus(ctx, id, gateway.UpstreamDisabled)
}

// Enable reactivates a disabled key.
func (m *Manager) Enable(ctx context.Context, id string) error {
	return m.setStatus(ctx, id, gateway.UpstreamActive)
}

func (m *Manager) setStatus(ctx context.Context, id string, status gateway.UpstreamKeyStatus) error {
	m.mu.Lock()
	e, ok := m.byID[id]
	if ok {
		e.key.Status = status
		if status == gateway.UpstreamActive {
			e.draining = false
		}
	}
	m.mu.Unlock()
	if !ok {
		return gateway.ErrNotFound
	}
	return m.store.UpdateUpstreamKey(ctx, e.key)
}

// Delete removes a key permanently. It fails with ErrKeyInFlight while any
// request still holds the key.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return gateway.ErrNotFound
	}
	if e.inFlight > 0 {
		m.mu.Unlock()
		return gateway.ErrKeyInFlight
	}
	delete(m.byID, id)
	keys := m.pool[e.key.Provider]
	for i, pe := range keys {
		if pe == e {
			m.pool[e.key.Provider] = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	return m.store.DeleteUpstreamKey(ctx, id)
}

// List returns the pooled key records for a provider (all providers when
// empty), without secrets.
func (m *Manager) List(provider string) []*gateway.UpstreamKey {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*gateway.UpstreamKey
	for p, entries := range m.pool {
		if provider != "" && p != provider {
			continue
		}
		for _, e := range entries {
			k := *e.key
			out = append(out, &k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// EvictStale drops quota counters for keys unused since cutoff.
func (m *Manager) EvictStale(cutoff time.Time) int {
	return m.quotas.EvictStale(cutoff)
}
