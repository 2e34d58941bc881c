package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/pysugar/completion-gateway/internal/apierr"
	"github.com/pysugar/completion-gateway/internal/db/models"
)

// ConfigChangeFunc observes a saved connection config. previous is nil for a
// new connection.
type ConfigChangeFunc func(conn *models.Connection, previous, current map[string]any)

// ConnectionStore loads connections with their config opened for one call.
// Only sealed records are cached.
type ConnectionStore struct {
	db    *gorm.DB
	vault *Vault
	cache *recordCache[envKey, *models.Connection]
	// discovered capacity writes are read-modify-write
	writeMu sync.Mutex

	hooksMu sync.RWMutex
	hooks   []ConfigChangeFunc
}

func NewConnectionStore(db *gorm.DB, vault *Vault) *ConnectionStore {
	return &ConnectionStore{db: db, vault: vault, cache: newRecordCache[envKey, *models.Connection]()}
}

func (s *ConnectionStore) load(ctx context.Context, key envKey) (*models.Connection, error) {
	if c, ok := s.cache.get(key); ok {
		return c, nil
	}
	var conn models.Connection
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND environment_id = ? AND connection_id = ?", key.workspaceID, key.environmentID, key.id).
		First(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierr.NotFound(apierr.CodeConnectionNotFound, fmt.Sprintf("AI connection %s not found", key.id))
	}
	if err != nil {
		return nil, fmt.Errorf("load connection %s: %w", key.id, err)
	}
	s.cache.put(key, &conn)
	return &conn, nil
}

// Get returns a copy of the connection with DecryptedConfig populated.
func (s *ConnectionStore) Get(ctx context.Context, workspaceID, environmentID, connectionID string) (*models.Connection, error) {
	sealed, err := s.load(ctx, envKey{workspaceID, environmentID, connectionID})
	if err != nil {
		return nil, err
	}
	cfg, err := s.vault.Open(sealed.Config, sealed.ConnectionID)
	if err != nil {
		return nil, apierr.Internal("", "Failed to open AI connection config").WithCause(err)
	}
	conn := *sealed
	conn.DecryptedConfig = cfg
	return &conn, nil
}

// Save validates cfg against the provider's connection form, seals it and
// upserts the connection.
func (s *ConnectionStore) Save(ctx context.Context, conn *models.Connection, cfg map[string]any) error {
	if err := ValidateConnection(conn, cfg); err != nil {
		return err
	}
	sealed, err := s.vault.Seal(cfg, conn.ConnectionID)
	if err != nil {
		return fmt.Errorf("seal connection config: %w", err)
	}
	previous := s.previousConfig(ctx, conn)

	record := *conn
	record.Config = sealed
	record.DecryptedConfig = nil
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return fmt.Errorf("save connection %s: %w", conn.ConnectionID, err)
	}
	s.Invalidate(conn.WorkspaceID, conn.EnvironmentID, conn.ConnectionID)

	s.hooksMu.RLock()
	defer s.hooksMu.RUnlock()
	for _, hook := range s.hooks {
		hook(&record, previous, cfg)
	}
	return nil
}

// OnConfigChange registers fn to run after every successful Save.
func (s *ConnectionStore) OnConfigChange(fn ConfigChangeFunc) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// previousConfig is the stored config conn replaces, or nil when there is
// none or it cannot be opened.
func (s *ConnectionStore) previousConfig(ctx context.Context, conn *models.Connection) map[string]any {
	var current models.Connection
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND environment_id = ? AND connection_id = ?", conn.WorkspaceID, conn.EnvironmentID, conn.ConnectionID).
		First(&current).Error
	if err != nil {
		return nil
	}
	cfg, err := s.vault.Open(current.Config, current.ConnectionID)
	if err != nil {
		return nil
	}
	return cfg
}

func (s *ConnectionStore) Invalidate(workspaceID, environmentID, connectionID string) {
	s.cache.delete(envKey{workspaceID, environmentID, connectionID})
}

// UpdateDiscoveredCapacity records limits a vendor reported for one model.
func (s *ConnectionStore) UpdateDiscoveredCapacity(ctx context.Context, workspaceID, environmentID, connectionID, model string, entries []models.CapacityEntry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	key := envKey{workspaceID, environmentID, connectionID}
	s.cache.delete(key)
	current, err := s.load(ctx, key)
	if err != nil {
		return err
	}

	updated := *current
	discovered := &models.DiscoveredCapacity{Models: map[string]models.DiscoveredModelCapacity{}}
	if current.DiscoveredCapacity != nil {
		for m, c := range current.DiscoveredCapacity.Models {
			discovered.Models[m] = c
		}
	}
	discovered.Models[model] = models.DiscoveredModelCapacity{Capacity: entries, UpdatedAt: time.Now().UTC()}
	updated.DiscoveredCapacity = discovered

	if err := s.db.WithContext(ctx).Save(&updated).Error; err != nil {
		return fmt.Errorf("save discovered capacity %s: %w", connectionID, err)
	}
	s.cache.delete(key)
	return nil
}
