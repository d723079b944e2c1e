package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gateway "github.com/palisade-ai/palisade/internal"
)

// CreateTenantKey inserts a new tenant key.
func (s *Store) CreateTenantKey(ctx context.Context, key *gateway.TenantKey) error {
	providers, err := marshalJSON(key.AllowedProviders)
	if err != nil {
		return err
	}
	models, err := marshalJSON(key.AllowedModels)
	if err != nil {
		return err
	}
	quota, err := marshalStruct(key.Quota)
	if err != nil {
		return err
	}
	prefs, err := marshalStruct(key.Prefs)
	if err != nil {
		return err
	}
	_, err = s.w.ExecContext(ctx,
		`INSERT INTO tenant_keys (id, key_hash, key_prefix, tenant, name,
		 allowed_providers, allowed_models, quota, prefs, disabled, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, key.KeyPrefix, key.Tenant, nullStr(key.Name),
		providers, models, quota, prefs,
		boolToInt(key.Disabled), timeToStr(key.ExpiresAt),
		key.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

const tenantKeyCols = `id, key_hash, key_prefix, tenant, name,
	allowed_providers, allowed_models, quota, prefs, disabled,
	expires_at, last_used_at, created_at`

// GetTenantKey retrieves a tenant key by ID.
func (s *Store) GetTenantKey(ctx context.Context, id string) (*gateway.TenantKey, error) {
	row := s.r.QueryRowContext(ctx,
		`SELECT `+tenantKeyCols+` FROM tenant_keys WHERE id = ?`, id)
	return scanTenantKey(row)
}

// GetTenantKeyByHash retrieves a tenant key by its SHA-256 hash.
func (s *Store) GetTenantKeyByHash(ctx context.Context, hash string) (*gateway.TenantKey, error) {
	row := s.r.QueryRowContext(ctx,
		`SELECT `+tenantKeyCols+` FROM tenant_keys WHERE key_hash = ?`, hash)
	return scanTenantKey(row)
}

// ListTenantKeys returns keys for a tenant; empty tenant means all tenants.
func (s *Store) ListTenantKeys(ctx context.Context, tenant string, offset, limit int) ([]*gateway.TenantKey, error) {
	query := `SELECT ` + tenantKeyCols + ` FROM tenant_keys`
	var args []any
	if tenant != "" {
		query += ` WHERE tenant = ?`
		args = append(args, tenant)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.TenantKey
	for rows.Next() {
		k, err := scanTenantKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateTenantKey updates the mutable fields of a tenant key.
func (s *Store) UpdateTenantKey(ctx context.Context, key *gateway.TenantKey) error {
	providers, err := marshalJSON(key.AllowedProviders)
	if err != nil {
		return err
	}
	models, err := marshalJSON(key.AllowedModels)
	if err != nil {
		return err
	}
	quota, err := marshalStruct(key.Quota)
	if err != nil {
		return err
	}
	prefs, err := marshalStruct(key.Prefs)
	if err != nil {
		return err
	}
	result, err := s.w.ExecContext(ctx,
		`UPDATE tenant_keys SET name=?, allowed_providers=?, allowed_models=?,
		 quota=?, prefs=?, disabled=?, expires_at=? WHERE id=?`,
		nullStr(key.Name), providers, models, quota, prefs,
		boolToInt(key.Disabled), timeToStr(key.ExpiresAt), key.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "tenant key")
}

// DeleteTenantKey removes a tenant key.
func (s *Store) DeleteTenantKey(ctx context.Context, id string) error {
	result, err := s.w.ExecContext(ctx, `DELETE FROM tenant_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "tenant key")
}

// TouchTenantKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchTenantKeyUsed(ctx context.Context, id string) error {
	_, err := s.w.ExecContext(ctx,
		`UPDATE tenant_keys SET last_used_at=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

func scanTenantKey(s scanner) (*gateway.TenantKey, error) {
	var k gateway.TenantKey
	var name, providersJSON, modelsJSON, quotaJSON, prefsJSON sql.NullString
	var expiresAt, lastUsedAt, createdAt sql.NullString
	var disabled int

	err := s.Scan(
		&k.ID, &k.KeyHash, &k.KeyPrefix, &k.Tenant, &name,
		&providersJSON, &modelsJSON, &quotaJSON, &prefsJSON, &disabled,
		&expiresAt, &lastUsedAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Name = name.String
	k.Disabled = disabled != 0
	if k.AllowedProviders, err = unmarshalStringSlice(providersJSON); err != nil {
		return nil, err
	}
	if k.AllowedModels, err = unmarshalStringSlice(modelsJSON); err != nil {
		return nil, err
	}
	if err := unmarshalStruct(quotaJSON, &k.Quota); err != nil {
		return nil, err
	}
	if err := unmarshalStruct(prefsJSON, &k.Prefs); err != nil {
		return nil, err
	}
	k.ExpiresAt = parseTime(expiresAt)
	k.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

// helpers

func marshalJSON(v []string) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStringSlice(ns sql.NullString) ([]string, error) {
	if !ns.Valid {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal([]byte(ns.String), &s); err != nil {
		return nil, fmt.Errorf("unmarshal string slice: %w", err)
	}
	return s, nil
}

func marshalStruct(v any) (sql.NullString, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStruct(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, gateway.ErrNotFound)
	}
	return nil
}
