package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/palisade-ai/palisade/internal/storage"
)

// RecordPrices appends one price table version to the history.
func (s *Store) RecordPrices(ctx context.Context, version uint64, entries []storage.PricePoint) error {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)

	placeholders := make([]string, len(entries))
	args := make([]any, 0, len(entries)*8)
	for i, e := range entries {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			e.Provider, e.Model, e.InputPer1K, e.OutputPer1K,
			e.PerImage, e.PerMinute, version, now,
		)
	}

	query := `INSERT INTO price_history
		(provider, model, input_per_1k, output_per_1k, per_image, per_minute, version, recorded_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.w.ExecContext(ctx, query, args...)
	return err
}

// PriceHistory returns recorded price points for a model, newest first.
func (s *Store) PriceHistory(ctx context.Context, provider, model string, limit int) ([]storage.PricePoint, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.r.QueryContext(ctx,
		`SELECT provider, model, input_per_1k, output_per_1k, per_image, per_minute, version, recorded_at
		 FROM price_history WHERE provider = ? AND model = ?
		 ORDER BY version DESC LIMIT ?`,
		provider, model, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.PricePoint
	for rows.Next() {
		var p storage.PricePoint
		var recordedAt string
		err := rows.Scan(&p.Provider, &p.Model, &p.InputPer1K, &p.OutputPer1K,
			&p.PerImage, &p.PerMinute, &p.Version, &recordedAt)
		if err != nil {
			return nil, err
		}
		if t, e := time.Parse(time.RFC3339, recordedAt); e == nil {
			p.RecordedAt = t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
