package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/storage"
)

// InsertUsage batch-inserts usage records.
func (s *Store) InsertUsage(ctx context.Context, records []gateway.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// Single multi-row INSERT avoids N round-trips for large batches.
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*15)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.RequestID, r.Tenant, r.TenantKeyID,
			r.Provider, r.Model, nullStr(r.UpstreamKeyID), string(r.Kind),
			r.PromptTokens, r.CompletionTokens, r.CostUSD,
			string(r.Outcome), r.StatusCode, r.LatencyMs,
			r.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO usage_records
		(id, request_id, tenant, tenant_key_id, provider, model, upstream_key_id, kind,
		 prompt_tokens, completion_tokens, cost_usd, outcome, status_code, latency_ms, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.w.ExecContext(ctx, query, args...)
	return err
}

const usageCols = `id, request_id, tenant, tenant_key_id, provider, model,
	upstream_key_id, kind, prompt_tokens, completion_tokens, cost_usd,
	outcome, status_code, latency_ms, created_at`

// QueryUsage returns usage records matching the filter, newest first.
func (s *Store) QueryUsage(ctx context.Context, f storage.UsageFilter) ([]gateway.UsageRecord, error) {
	where, args := usageWhere(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.r.QueryContext(ctx,
		`SELECT `+usageCols+` FROM usage_records`+where+
			` ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.UsageRecord
	for rows.Next() {
		var r gateway.UsageRecord
		var upstreamKeyID sql.NullString
		var createdAt, kind, outcome string
		err := rows.Scan(
			&r.ID, &r.RequestID, &r.Tenant, &r.TenantKeyID,
			&r.Provider, &r.Model, &upstreamKeyID, &kind,
			&r.PromptTokens, &r.CompletionTokens, &r.CostUSD,
			&outcome, &r.StatusCode, &r.LatencyMs, &createdAt,
		)
		if err != nil {
			return nil, err
		}
		r.UpstreamKeyID = upstreamKeyID.String
		r.Kind = gateway.RequestKind(kind)
		r.Outcome = gateway.Outcome(outcome)
		if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountUsage returns the count of usage records matching the filter.
func (s *Store) CountUsage(ctx context.Context, f storage.UsageFilter) (int, error) {
	where, args := usageWhere(f)
	var n int
	err := s.r.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_records`+where, args...,
	).Scan(&n)
	return n, err
}

// SumUsageCost totals spend for a tenant key since the given time.
func (s *Store) SumUsageCost(ctx context.Context, tenantKeyID string, since time.Time) (float64, error) {
	var total float64
	err := s.r.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records
		 WHERE tenant_key_id = ? AND created_at >= ?`,
		tenantKeyID, since.UTC().Format(time.RFC3339),
	).Scan(&total)
	return total, err
}

func usageWhere(f storage.UsageFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.Tenant != "" {
		clauses = append(clauses, "tenant = ?")
		args = append(args, f.Tenant)
	}
	if f.TenantKeyID != "" {
		clauses = append(clauses, "tenant_key_id = ?")
		args = append(args, f.TenantKeyID)
	}
	if f.Provider != "" {
		clauses = append(clauses, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, f.Model)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// UpsertRollup inserts or accumulates rollup buckets in a single transaction
// with a prepared statement for efficiency.
func (s *Store) UpsertRollup(ctx context.Context, rollups []storage.Rollup) error {
	if len(rollups) == 0 {
		return nil
	}
	tx, err := s.w.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO usage_rollups (tenant, tenant_key_id, provider, model, period, bucket,
		 request_count, prompt_tokens, completion_tokens, cost_usd, cache_hits)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant, tenant_key_id, provider, model, period, bucket) DO UPDATE SET
		 request_count = request_count + excluded.request_count,
		 prompt_tokens = prompt_tokens + excluded.prompt_tokens,
		 completion_tokens = completion_tokens + excluded.completion_tokens,
		 cost_usd = cost_usd + excluded.cost_usd,
		 cache_hits = cache_hits + excluded.cache_hits`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rollups {
		if _, err := stmt.ExecContext(ctx,
			r.Tenant, r.TenantKeyID, r.Provider, r.Model, r.Period, r.Bucket,
			r.RequestCount, r.PromptTokens, r.CompletionTokens, r.CostUSD, r.CacheHits,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// QueryRollups returns rollups matching the filter, newest bucket first.
func (s *Store) QueryRollups(ctx context.Context, f storage.RollupFilter) ([]storage.Rollup, error) {
	var clauses []string
	var args []any
	if f.Tenant != "" {
		clauses = append(clauses, "tenant = ?")
		args = append(args, f.Tenant)
	}
	if f.TenantKeyID != "" {
		clauses = append(clauses, "tenant_key_id = ?")
		args = append(args, f.TenantKeyID)
	}
	if f.Provider != "" {
		clauses = append(clauses, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, f.Model)
	}
	if f.Period != "" {
		clauses = append(clauses, "period = ?")
		args = append(args, f.Period)
	}
	if f.Since != "" {
		clauses = append(clauses, "bucket >= ?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "bucket < ?")
		args = append(args, f.Until)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.r.QueryContext(ctx,
		`SELECT tenant, tenant_key_id, provider, model, period, bucket,
		 request_count, prompt_tokens, completion_tokens, cost_usd, cache_hits
		 FROM usage_rollups`+where+` ORDER BY bucket DESC`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Rollup
	for rows.Next() {
		var r storage.Rollup
		err := rows.Scan(&r.Tenant, &r.TenantKeyID, &r.Provider, &r.Model, &r.Period, &r.Bucket,
			&r.RequestCount, &r.PromptTokens, &r.CompletionTokens, &r.CostUSD, &r.CacheHits)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
