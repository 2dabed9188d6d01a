package versioning

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNoPreviousVersion is returned by Rollback when there is nothing to
	// roll back to.
	ErrNoPreviousVersion = errors.New("no previous version")
	// ErrUnknownVersion is returned when an explicit rollback target does not
	// exist or is not older than the current version.
	ErrUnknownVersion = errors.New("unknown version")
	// ErrVersionConflict is returned by a Store when an appended version does
	// not directly follow the latest one.
	ErrVersionConflict = errors.New("version conflict")
)

// UpdateType classifies a version record.
type UpdateType string

const (
	UpdateCreated     UpdateType = "created"
	UpdateNoChange    UpdateType = "no_change"
	UpdateIncremental UpdateType = "incremental"
	UpdateMajor       UpdateType = "major"
	UpdateRollback    UpdateType = "rollback"
)

// Version is one immutable entry in an artifact's version log.
type Version struct {
	ID          string     `json:"id"`
	ArtifactID  string     `json:"artifact_id"`
	Version     int        `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUpdated time.Time  `json:"last_updated"`
	DataHash    string     `json:"data_hash"`
	Config      Config     `json:"config"`
	UpdateType  UpdateType `json:"update_type"`
	// Previous is the version a rollback from here restores; 0 means none.
	Previous int `json:"previous_version,omitempty"`
	// RestoredFrom is set on rollback records.
	RestoredFrom    int     `json:"restored_from,omitempty"`
	PerformanceGain float64 `json:"performance_gain"`
}

// Store is an append-only log of versions per artifact.
type Store interface {
	// Append adds v. It fails with ErrVersionConflict unless v.Version is
	// exactly one past the current latest version (or 1 for a new artifact).
	Append(ctx context.Context, v Version) error
	Latest(ctx context.Context, artifactID string) (Version, bool, error)
	Get(ctx context.Context, artifactID string, version int) (Version, bool, error)
	// List returns all versions oldest first.
	List(ctx context.Context, artifactID string) ([]Version, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string][]Version
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string][]Version)}
}

func (s *MemoryStore) Append(_ context.Context, v Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[v.ArtifactID]
	if v.Version != len(log)+1 {
		return ErrVersionConflict
	}
	s.logs[v.ArtifactID] = append(log, v)
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, artifactID string) (Version, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[artifactID]
	if len(log) == 0 {
		return Version{}, false, nil
	}
	return log[len(log)-1], true, nil
}

func (s *MemoryStore) Get(_ context.Context, artifactID string, version int) (Version, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[artifactID]
	if version < 1 || version > len(log) {
		return Version{}, false, nil
	}
	return log[version-1], true, nil
}

func (s *MemoryStore) List(_ context.Context, artifactID string) ([]Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Version(nil), s.logs[artifactID]...), nil
}
