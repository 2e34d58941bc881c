package db

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/pysugar/completion-gateway/internal/db/models"
)

// WorkspaceStore serves workspace quotas. A missing workspace has no quota.
type WorkspaceStore struct {
	db    *gorm.DB
	cache *recordCache[string, *models.Workspace]
}

func NewWorkspaceStore(db *gorm.DB) *WorkspaceStore {
	return &WorkspaceStore{db: db, cache: newRecordCache[string, *models.Workspace]()}
}

// Get returns nil, nil when the workspace has no record.
func (s *WorkspaceStore) Get(ctx context.Context, workspaceID string) (*models.Workspace, error) {
	if w, ok := s.cache.get(workspaceID); ok {
		return w, nil
	}
	var w models.Workspace
	err := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.cache.put(workspaceID, nil)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load workspace %s: %w", workspaceID, err)
	}
	s.cache.put(workspaceID, &w)
	return &w, nil
}

func (s *WorkspaceStore) Save(ctx context.Context, w *models.Workspace) error {
	if err := s.db.WithContext(ctx).Save(w).Error; err != nil {
		return fmt.Errorf("save workspace %s: %w", w.WorkspaceID, err)
	}
	s.cache.delete(w.WorkspaceID)
	return nil
}

// PoolStore serves pool definitions per environment.
type PoolStore struct {
	db    *gorm.DB
	cache *recordCache[envKey, *models.PoolDefinition]
}

func NewPoolStore(db *gorm.DB) *PoolStore {
	return &PoolStore{db: db, cache: newRecordCache[envKey, *models.PoolDefinition]()}
}

// GetPool returns nil, nil when the environment defines no pools.
func (s *PoolStore) GetPool(ctx context.Context, workspaceID, environmentID string) (*models.PoolDefinition, error) {
	key := envKey{workspaceID: workspaceID, environmentID: environmentID}
	if p, ok := s.cache.get(key); ok {
		return p, nil
	}
	var p models.PoolDefinition
	err := s.db.WithContext(ctx).Where("workspace_id = ? AND environment_id = ?", workspaceID, environmentID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.cache.put(key, nil)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pool definition: %w", err)
	}
	s.cache.put(key, &p)
	return &p, nil
}

func (s *PoolStore) Save(ctx context.Context, p *models.PoolDefinition) error {
	if err := s.db.WithContext(ctx).Save(p).Error; err != nil {
		return fmt.Errorf("save pool definition: %w", err)
	}
	s.cache.delete(envKey{workspaceID: p.WorkspaceID, environmentID: p.EnvironmentID})
	return nil
}
