package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/palisade-ai/palisade/internal"
)

// CreateUpstreamKey inserts a new upstream key. The secret arrives already
// encrypted; this layer never sees plaintext.
func (s *Store) CreateUpstreamKey(ctx context.Context, key *gateway.UpstreamKey) error {
	perms, err := marshalJSON(key.Permissions)
	if err != nil {
		return err
	}
	quota, err := marshalStruct(key.Quota)
	if err != nil {
		return err
	}
	_, err = s.w.ExecContext(ctx,
		`INSERT INTO upstream_keys (id, provider, name, encrypted_secret, status,
		 permissions, quota, rotate_every_s, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.Provider, nullStr(key.Name), key.EncryptedSecret, string(key.Status),
		perms, quota, int64(key.RotateEvery/time.Second),
		key.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

const upstreamKeyCols = `id, provider, name, encrypted_secret, status,
	permissions, quota, rotate_every_s, last_used_at, created_at`

// GetUpstreamKey retrieves an upstream key by ID.
func (s *Store) GetUpstreamKey(ctx context.Context, id string) (*gateway.UpstreamKey, error) {
	row := s.r.QueryRowContext(ctx,
		`SELECT `+upstreamKeyCols+` FROM upstream_keys WHERE id = ?`, id)
	return scanUpstreamKey(row)
}

// ListUpstreamKeys returns keys for a provider; empty provider means all.
func (s *Store) ListUpstreamKeys(ctx context.Context, provider string) ([]*gateway.UpstreamKey, error) {
	query := `SELECT ` + upstreamKeyCols + ` FROM upstream_keys`
	var args []any
	if provider != "" {
		query += ` WHERE provider = ?`
		args = append(args, provider)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.UpstreamKey
	for rows.Next() {
		k, err := scanUpstreamKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateUpstreamKey updates the mutable fields of an upstream key.
func (s *Store) UpdateUpstreamKey(ctx context.Context, key *gateway.UpstreamKey) error {
	perms, err := marshalJSON(key.Permissions)
	if err != nil {
		return err
	}
	quota, err := marshalStruct(key.Quota)
	if err != nil {
		return err
	}
	result, err := s.w.ExecContext(ctx,
		`UPDATE upstream_keys SET name=?, encrypted_secret=?, status=?,
		 permissions=?, quota=?, rotate_every_s=? WHERE id=?`,
		nullStr(key.Name), key.EncryptedSecret, string(key.Status),
		perms, quota, int64(key.RotateEvery/time.Second), key.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "upstream key")
}

// DeleteUpstreamKey removes an upstream key.
func (s *Store) DeleteUpstreamKey(ctx context.Context, id string) error {
	result, err := s.w.ExecContext(ctx, `DELETE FROM upstream_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "upstream key")
}

// TouchUpstreamKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchUpstreamKeyUsed(ctx context.Context, id string) error {
	_, err := s.w.ExecContext(ctx,
		`UPDATE upstream_keys SET last_used_at=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

func scanUpstreamKey(s scanner) (*gateway.UpstreamKey, error) {
	var k gateway.UpstreamKey
	var name, permsJSON, quotaJSON sql.NullString
	var status string
	var rotateSec int64
	var lastUsedAt, createdAt sql.NullString

	err := s.Scan(
		&k.ID, &k.Provider, &name, &k.EncryptedSecret, &status,
		&permsJSON, &quotaJSON, &rotateSec, &lastUsedAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Name = name.String
	k.Status = gateway.UpstreamKeyStatus(status)
	k.RotateEvery = time.Duration(rotateSec) * time.Second
	if k.Permissions, err = unmarshalStringSlice(permsJSON); err != nil {
		return nil, err
	}
	if err := unmarshalStruct(quotaJSON, &k.Quota); err != nil {
		return nil, err
	}
	k.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}
