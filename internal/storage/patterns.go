package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalambet/qroute/internal/patterns"
)

// ReplacePatterns swaps the stored catalogue for records in one transaction.
func (s *Store) ReplacePatterns(ctx context.Context, records []patterns.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM patterns`); err != nil {
		return fmt.Errorf("clearing patterns: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO patterns (id, category, keywords, description, payload_ref, data_size, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category = excluded.category, keywords = excluded.keywords,
			description = excluded.description, payload_ref = excluded.payload_ref,
			data_size = excluded.data_size, last_updated = excluded.last_updated`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		kws, err := json.Marshal(r.Keywords)
		if err != nil {
			return fmt.Errorf("encoding keywords for %s: %w", r.ID, err)
		}
		updated := r.LastUpdated
		if updated.IsZero() {
			updated = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.Category, string(kws), r.Description,
			r.PayloadRef, r.DataSize, formatTime(updated)); err != nil {
			return fmt.Errorf("inserting pattern %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// LoadPatterns returns the stored catalogue ordered by id.
func (s *Store) LoadPatterns(ctx context.Context) ([]patterns.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, keywords, description, payload_ref, data_size, last_updated
		FROM patterns ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []patterns.Record
	for rows.Next() {
		var r patterns.Record
		var kws, updated string
		if err := rows.Scan(&r.ID, &r.Category, &kws, &r.Description, &r.PayloadRef, &r.DataSize, &updated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(kws), &r.Keywords); err != nil {
			return nil, fmt.Errorf("decoding keywords for %s: %w", r.ID, err)
		}
		if r.LastUpdated, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
