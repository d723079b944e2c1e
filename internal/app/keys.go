package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/auth"
	"github.com/palisade-ai/palisade/internal/storage"
)

// TenantKeyService handles tenant API key lifecycle for the control plane.
// Mutations invalidate the auth cache so revocation takes effect within one
// request, not one cache TTL.
type TenantKeyService struct {
	store storage.TenantKeyStore
	auth  *auth.TenantKeyAuth
}

// NewTenantKeyService returns a TenantKeyService.
func NewTenantKeyService(store storage.TenantKeyStore, a *auth.TenantKeyAuth) *TenantKeyService {
	return &TenantKeyService{store: store, auth: a}
}

// CreateKeyOpts holds the fields for tenant key creation.
type CreateKeyOpts struct {
	Tenant           string
	Name             string
	AllowedProviders []string
	AllowedModels    []string
	Quota            gateway.Quota
	Prefs            gateway.Preferences
	ExpiresAt        *time.Time
}

// CreateKey mints a new tenant key, stores its hash, and returns the
// plaintext. The plaintext is shown exactly once; only the hash persists.
func (s *TenantKeyService) CreateKey(ctx context.Context, opts CreateKeyOpts) (string, *gateway.TenantKey, error) {
	if opts.Tenant == "" {
		return "", nil, gateway.E(gateway.CodeValidationInvalid, "tenant is required")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	plaintext := gateway.TenantKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	prefix := plaintext
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}

	key := &gateway.TenantKey{
		ID:               uuid.Must(uuid.NewV7()).String(),
		KeyHash:          gateway.HashKey(plaintext),
		KeyPrefix:        prefix,
		Tenant:           opts.Tenant,
		Name:             opts.Name,
		AllowedProviders: opts.AllowedProviders,
		AllowedModels:    opts.AllowedModels,
		Quota:            opts.Quota,
		Prefs:            opts.Prefs,
		ExpiresAt:        opts.ExpiresAt,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.store.CreateTenantKey(ctx, key); err != nil {
		return "", nil, err
	}
	return plaintext, key, nil
}

// GetKey returns one tenant key record.
func (s *TenantKeyService) GetKey(ctx context.Context, id string) (*gateway.TenantKey, error) {
	return s.store.GetTenantKey(ctx, id)
}

// ListKeys returns tenant key records, optionally filtered by tenant.
func (s *TenantKeyService) ListKeys(ctx context.Context, tenant string, offset, limit int) ([]*gateway.TenantKey, error) {
	return s.store.ListTenantKeys(ctx, tenant, offset, limit)
}

// UpdateKey persists changes to quota, preferences, or permissions and
// drops the stale cached identity.
func (s *TenantKeyService) UpdateKey(ctx context.Context, key *gateway.TenantKey) error {
	if err := s.store.UpdateTenantKey(ctx, key); err != nil {
		return err
	}
	s.invalidate(key.ID)
	return nil
}

// SetDisabled flips a key's disabled flag.
func (s *TenantKeyService) SetDisabled(ctx context.Context, id string, disabled bool) error {
	key, err := s.store.GetTenantKey(ctx, id)
	if err != nil {
		return err
	}
	key.Disabled = disabled
	if err := s.store.UpdateTenantKey(ctx, key); err != nil {
		return err
	}
	s.invalidate(id)
	return nil
}

// DeleteKey removes a tenant key permanently.
func (s *TenantKeyService) DeleteKey(ctx context.Context, id string) error {
	if err := s.store.DeleteTenantKey(ctx, id); err != nil {
		return err
	}
	s.invalidate(id)
	return nil
}

func (s *TenantKeyService) invalidate(id string) {
	if s.auth != nil {
		s.auth.InvalidateByKeyID(id)
	}
}
