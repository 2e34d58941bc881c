package db

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/pysugar/completion-gateway/internal/apierr"
	"github.com/pysugar/completion-gateway/internal/db/models"
)

type ResourceStore struct {
	db    *gorm.DB
	cache *recordCache[envKey, *models.Resource]
}

func NewResourceStore(db *gorm.DB) *ResourceStore {
	return &ResourceStore{db: db, cache: newRecordCache[envKey, *models.Resource]()}
}

// Get returns a copy of the named resource.
func (s *ResourceStore) Get(ctx context.Context, workspaceID, environmentID, resource string) (*models.Resource, error) {
	key := envKey{workspaceID, environmentID, resource}
	if r, ok := s.cache.get(key); ok {
		cp := *r
		return &cp, nil
	}
	var r models.Resource
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND environment_id = ? AND resource = ?", workspaceID, environmentID, resource).
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierr.NotFound(apierr.CodeResourceNotFound, fmt.Sprintf("AI resource %s not found", resource))
	}
	if err != nil {
		return nil, fmt.Errorf("load resource %s: %w", resource, err)
	}
	s.cache.put(key, &r)
	cp := r
	return &cp, nil
}

func (s *ResourceStore) Save(ctx context.Context, r *models.Resource) error {
	if err := ValidateResource(r); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Save(r).Error; err != nil {
		return fmt.Errorf("save resource %s: %w", r.Resource, err)
	}
	s.Invalidate(r.WorkspaceID, r.EnvironmentID, r.Resource)
	return nil
}

func (s *ResourceStore) Invalidate(workspaceID, environmentID, resource string) {
	s.cache.delete(envKey{workspaceID, environmentID, resource})
}
