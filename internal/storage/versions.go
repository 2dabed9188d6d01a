package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kalambet/qroute/internal/versioning"
)

// VersionLog persists artifact version chains. It implements versioning.Store.
type VersionLog struct {
	db *sql.DB
}

// VersionLog returns the artifact version log backed by s.
func (s *Store) VersionLog() *VersionLog {
	return &VersionLog{db: s.db}
}

var _ versioning.Store = (*VersionLog)(nil)

const versionColumns = `id, artifact_id, version, created_at, last_updated, data_hash, config,
	update_type, previous_version, restored_from, performance_gain`

func (l *VersionLog) Append(ctx context.Context, v versioning.Version) error {
	cfg, err := json.Marshal(v.Config)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var latest int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM artifact_versions WHERE artifact_id = ?`, v.ArtifactID,
	).Scan(&latest); err != nil {
		return fmt.Errorf("reading latest version: %w", err)
	}
	if v.Version != latest+1 {
		return versioning.ErrVersionConflict
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO artifact_versions (`+versionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.ArtifactID, v.Version, formatTime(v.CreatedAt), formatTime(v.LastUpdated),
		v.DataHash, string(cfg), string(v.UpdateType), v.Previous, v.RestoredFrom, v.PerformanceGain,
	); err != nil {
		return fmt.Errorf("inserting version: %w", err)
	}
	return tx.Commit()
}

func (l *VersionLog) Latest(ctx context.Context, artifactID string) (versioning.Version, bool, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+versionColumns+`
		FROM artifact_versions WHERE artifact_id = ? ORDER BY version DESC LIMIT 1`, artifactID)
	return scanOptionalVersion(row)
}

func (l *VersionLog) Get(ctx context.Context, artifactID string, version int) (versioning.Version, bool, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+versionColumns+`
		FROM artifact_versions WHERE artifact_id = ? AND version = ?`, artifactID, version)
	return scanOptionalVersion(row)
}

func (l *VersionLog) List(ctx context.Context, artifactID string) ([]versioning.Version, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+versionColumns+`
		FROM artifact_versions WHERE artifact_id = ? ORDER BY version ASC`, artifactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []versioning.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOptionalVersion(row scanner) (versioning.Version, bool, error) {
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return versioning.Version{}, false, nil
	}
	if err != nil {
		return versioning.Version{}, false, err
	}
	return v, true, nil
}

func scanVersion(row scanner) (versioning.Version, error) {
	var v versioning.Version
	var created, updated, cfg, typ string
	if err := row.Scan(&v.ID, &v.ArtifactID, &v.Version, &created, &updated, &v.DataHash, &cfg,
		&typ, &v.Previous, &v.RestoredFrom, &v.PerformanceGain); err != nil {
		return versioning.Version{}, err
	}
	var err error
	if v.CreatedAt, err = parseTime(created); err != nil {
		return versioning.Version{}, err
	}
	if v.LastUpdated, err = parseTime(updated); err != nil {
		return versioning.Version{}, err
	}
	if err := json.Unmarshal([]byte(cfg), &v.Config); err != nil {
		return versioning.Version{}, fmt.Errorf("decoding config for %s v%d: %w", v.ArtifactID, v.Version, err)
	}
	v.UpdateType = versioning.UpdateType(typ)
	return v, nil
}
