package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/qroute/internal/workflow"
)

var _ workflow.RunRecorder = (*Store)(nil)

// RecordRun stores a workflow execution summary.
func (s *Store) RecordRun(ctx context.Context, r workflow.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, query, pattern, strategy, components, cache_hits, tokens_used,
			budget_exceeded, cancelled, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Query, r.Pattern, r.Strategy, r.Components, r.CacheHits, r.TokensUsed,
		r.BudgetExceeded, r.Cancelled, formatTime(r.StartedAt), r.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("inserting workflow run: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]workflow.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, query, pattern, strategy, components, cache_hits, tokens_used,
			budget_exceeded, cancelled, started_at, duration_ms
		FROM workflow_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []workflow.Run
	for rows.Next() {
		var r workflow.Run
		var started string
		var ms int64
		if err := rows.Scan(&r.ID, &r.Query, &r.Pattern, &r.Strategy, &r.Components, &r.CacheHits,
			&r.TokensUsed, &r.BudgetExceeded, &r.Cancelled, &started, &ms); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordSweep stores the outcome of a cache sweep.
func (s *Store) RecordSweep(ctx context.Context, r SweepRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sweep_runs (id, started_at, duration_ms, scanned, removed, bytes_freed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, formatTime(r.StartedAt), r.Duration.Milliseconds(), r.Scanned, r.Removed, r.BytesFreed, r.Error,
	)
	if err != nil {
		return fmt.Errorf("inserting sweep run: %w", err)
	}
	return nil
}

// LastSweep returns the most recent sweep, or ErrNotFound.
func (s *Store) LastSweep(ctx context.Context) (SweepRun, error) {
	var r SweepRun
	var started string
	var ms int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, duration_ms, scanned, removed, bytes_freed, error
		FROM sweep_runs ORDER BY started_at DESC LIMIT 1`,
	).Scan(&r.ID, &started, &ms, &r.Scanned, &r.Removed, &r.BytesFreed, &r.Error)
	if err != nil {
		if isNoRows(err) {
			return SweepRun{}, ErrNotFound
		}
		return SweepRun{}, err
	}
	if r.StartedAt, err = parseTime(started); err != nil {
		return SweepRun{}, err
	}
	r.Duration = time.Duration(ms) * time.Millisecond
	return r, nil
}
