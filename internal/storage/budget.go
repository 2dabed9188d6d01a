package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kalambet/qroute/internal/budget"
)

var _ budget.Persister = (*Store)(nil)

// LoadBudget returns the stored budget state and that day's usage log. With
// nothing stored it returns a zero State.
func (s *Store) LoadBudget(ctx context.Context) (budget.State, []budget.Usage, error) {
	var st budget.State
	err := s.db.QueryRowContext(ctx, `SELECT day, used FROM budget_state WHERE id = 1`).Scan(&st.Day, &st.Used)
	if errors.Is(err, sql.ErrNoRows) {
		return budget.State{}, nil, nil
	}
	if err != nil {
		return budget.State{}, nil, fmt.Errorf("reading budget state: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, tokens, note FROM budget_usage
		WHERE day = ? ORDER BY timestamp ASC`, st.Day)
	if err != nil {
		return budget.State{}, nil, fmt.Errorf("reading budget usage: %w", err)
	}
	defer rows.Close()

	var usage []budget.Usage
	for rows.Next() {
		var u budget.Usage
		var ts string
		if err := rows.Scan(&u.ID, &ts, &u.Tokens, &u.Note); err != nil {
			return budget.State{}, nil, err
		}
		if u.Timestamp, err = parseTime(ts); err != nil {
			return budget.State{}, nil, err
		}
		usage = append(usage, u)
	}
	return st, usage, rows.Err()
}

// SaveBudget writes the budget state and, if given, the usage entry that
// produced it. Entries from other days are pruned.
func (s *Store) SaveBudget(ctx context.Context, st budget.State, appended *budget.Usage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO budget_state (id, day, used) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET day = excluded.day, used = excluded.used`,
		st.Day, st.Used); err != nil {
		return fmt.Errorf("writing budget state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM budget_usage WHERE day <> ?`, st.Day); err != nil {
		return fmt.Errorf("pruning budget usage: %w", err)
	}
	if st.Used == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM budget_usage`); err != nil {
			return fmt.Errorf("clearing budget usage: %w", err)
		}
	}
	if appended != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO budget_usage (id, day, timestamp, tokens, note) VALUES (?, ?, ?, ?, ?)`,
			appended.ID, st.Day, formatTime(appended.Timestamp), appended.Tokens, appended.Note); err != nil {
			return fmt.Errorf("appending budget usage: %w", err)
		}
	}
	return tx.Commit()
}
