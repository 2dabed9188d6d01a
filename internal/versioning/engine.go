package versioning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Result is what GenerateOrUpdate and Rollback hand back.
type Result struct {
	ArtifactID      string     `json:"artifact_id"`
	Version         int        `json:"version"`
	Config          Config     `json:"config"`
	UpdateType      UpdateType `json:"update_type"`
	PerformanceGain float64    `json:"performance_gain"`
	Change          *Change    `json:"change,omitempty"`
}

// Engine maintains version logs. Calls for the same artifact are serialized;
// different artifacts proceed independently.
type Engine struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewEngine returns an Engine over store. A nil store means an in-memory one.
func NewEngine(store Store, logger *zap.Logger) *Engine {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  store,
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lock(artifactID string) func() {
	e.locksMu.Lock()
	l, ok := e.locks[artifactID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[artifactID] = l
	}
	e.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// GenerateOrUpdate renders rows and records a new version when the data
// changed. Identical data returns the current version with no_change.
func (e *Engine) GenerateOrUpdate(ctx context.Context, artifactID string, hint Hint, rows []Row) (Result, error) {
	if artifactID == "" {
		return Result{}, fmt.Errorf("artifact id is required")
	}
	defer e.lock(artifactID)()

	hash := HashData(rows)
	latest, found, err := e.store.Latest(ctx, artifactID)
	if err != nil {
		return Result{}, fmt.Errorf("loading latest version: %w", err)
	}

	now := e.now()
	if !found {
		cfg := Render(hint, rows)
		v := Version{
			ID:          uuid.New().String(),
			ArtifactID:  artifactID,
			Version:     1,
			CreatedAt:   now,
			LastUpdated: now,
			DataHash:    hash,
			Config:      cfg,
			UpdateType:  UpdateCreated,
		}
		if err := e.store.Append(ctx, v); err != nil {
			return Result{}, fmt.Errorf("appending version: %w", err)
		}
		e.logger.Info("versioning: artifact created",
			zap.String("artifact", artifactID), zap.Stringer("kind", cfg.Kind))
		return Result{ArtifactID: artifactID, Version: 1, Config: cfg, UpdateType: UpdateCreated}, nil
	}

	if latest.DataHash == hash {
		return Result{
			ArtifactID:      artifactID,
			Version:         latest.Version,
			Config:          latest.Config,
			UpdateType:      UpdateNoChange,
			PerformanceGain: performanceGain(UpdateNoChange, Change{}),
		}, nil
	}

	cfg := Render(hint, rows)
	change := Diff(latest.Config, cfg)
	typ := UpdateIncremental
	if change.Structural() {
		typ = UpdateMajor
	}
	gain := performanceGain(typ, change)
	v := Version{
		ID:              uuid.New().String(),
		ArtifactID:      artifactID,
		Version:         latest.Version + 1,
		CreatedAt:       latest.CreatedAt,
		LastUpdated:     now,
		DataHash:        hash,
		Config:          cfg,
		UpdateType:      typ,
		Previous:        latest.Version,
		PerformanceGain: gain,
	}
	if err := e.store.Append(ctx, v); err != nil {
		return Result{}, fmt.Errorf("appending version: %w", err)
	}
	e.logger.Info("versioning: artifact updated",
		zap.String("artifact", artifactID),
		zap.Int("version", v.Version),
		zap.String("update_type", string(typ)))
	return Result{
		ArtifactID:      artifactID,
		Version:         v.Version,
		Config:          cfg,
		UpdateType:      typ,
		PerformanceGain: gain,
		Change:          &change,
	}, nil
}

// Rollback appends a record restoring an older version's content. A target of
// 0 restores the version the current one replaced; repeated rollbacks keep
// walking back. The version number always moves forward.
func (e *Engine) Rollback(ctx context.Context, artifactID string, target int) (Result, error) {
	defer e.lock(artifactID)()

	latest, found, err := e.store.Latest(ctx, artifactID)
	if err != nil {
		return Result{}, fmt.Errorf("loading latest version: %w", err)
	}
	if !found {
		return Result{}, fmt.Errorf("artifact %q: %w", artifactID, ErrNoPreviousVersion)
	}

	if target == 0 {
		target = latest.Previous
		if target == 0 {
			return Result{}, fmt.Errorf("artifact %q at version %d: %w", artifactID, latest.Version, ErrNoPreviousVersion)
		}
	} else if target >= latest.Version {
		return Result{}, fmt.Errorf("artifact %q version %d: %w", artifactID, target, ErrUnknownVersion)
	}

	restored, ok, err := e.store.Get(ctx, artifactID, target)
	if err != nil {
		return Result{}, fmt.Errorf("loading version %d: %w", target, err)
	}
	if !ok {
		return Result{}, fmt.Errorf("artifact %q version %d: %w", artifactID, target, ErrUnknownVersion)
	}

	v := Version{
		ID:           uuid.New().String(),
		ArtifactID:   artifactID,
		Version:      latest.Version + 1,
		CreatedAt:    latest.CreatedAt,
		LastUpdated:  e.now(),
		DataHash:     restored.DataHash,
		Config:       restored.Config,
		UpdateType:   UpdateRollback,
		Previous:     restored.Previous,
		RestoredFrom: restored.Version,
	}
	if err := e.store.Append(ctx, v); err != nil {
		return Result{}, fmt.Errorf("appending rollback: %w", err)
	}
	e.logger.Info("versioning: rolled back",
		zap.String("artifact", artifactID),
		zap.Int("version", v.Version),
		zap.Int("restored_from", restored.Version))
	return Result{
		ArtifactID: artifactID,
		Version:    v.Version,
		Config:     v.Config,
		UpdateType: UpdateRollback,
	}, nil
}

// History returns every version of an artifact, oldest first.
func (e *Engine) History(ctx context.Context, artifactID string) ([]Version, error) {
	vs, err := e.store.List(ctx, artifactID)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	return vs, nil
}
