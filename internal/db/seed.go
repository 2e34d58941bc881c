package db

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/pysugar/completion-gateway/internal/db/models"
)

// Stores bundles every record store the gateway reads.
type Stores struct {
	Workspaces  *WorkspaceStore
	Connections *ConnectionStore
	Resources   *ResourceStore
	APIKeys     *APIKeyStore
	Pools       *PoolStore
}

func NewStores(db *gorm.DB, vault *Vault) *Stores {
	return &Stores{
		Workspaces:  NewWorkspaceStore(db),
		Connections: NewConnectionStore(db, vault),
		Resources:   NewResourceStore(db),
		APIKeys:     NewAPIKeyStore(db),
		Pools:       NewPoolStore(db),
	}
}

// Purge drops every cached record so the next read goes to the database.
func (s *Stores) Purge() {
	s.Workspaces.cache.clear()
	s.Connections.cache.clear()
	s.Resources.cache.clear()
	s.APIKeys.cache.clear()
	s.Pools.cache.clear()
}

type seedConnection struct {
	models.Connection
	Settings map[string]any `json:"config"`
}

type seedAPIKey struct {
	models.APIKey
	Key string `json:"key"`
}

// SeedFile is the document accepted by Seed. Field names follow the JSON
// names of the records.
type SeedFile struct {
	Workspaces  []models.Workspace      `json:"workspaces"`
	Connections []seedConnection        `json:"connections"`
	Resources   []models.Resource       `json:"resources"`
	APIKeys     []seedAPIKey            `json:"apiKeys"`
	Pools       []models.PoolDefinition `json:"pools"`
}

// ParseSeed decodes a YAML seed document.
func ParseSeed(data []byte) (*SeedFile, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	// records only carry json tags, so route the YAML tree through JSON
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	var seed SeedFile
	if err := json.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	return &seed, nil
}

// SeedFromFile applies the seed document at path. An empty path is a no-op.
func (s *Stores) SeedFromFile(ctx context.Context, path string, log *zap.Logger) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed %s: %w", path, err)
	}
	seed, err := ParseSeed(data)
	if err != nil {
		return err
	}
	if err := s.Seed(ctx, seed); err != nil {
		return err
	}
	log.Info("Seed applied",
		zap.String("path", path),
		zap.Int("workspaces", len(seed.Workspaces)),
		zap.Int("connections", len(seed.Connections)),
		zap.Int("resources", len(seed.Resources)),
		zap.Int("api_keys", len(seed.APIKeys)),
		zap.Int("pools", len(seed.Pools)))
	return nil
}

// Seed upserts every record of seed. Connections are saved before
// resources so that resource validation sees a complete catalog.
func (s *Stores) Seed(ctx context.Context, seed *SeedFile) error {
	for i := range seed.Workspaces {
		if err := s.Workspaces.Save(ctx, &seed.Workspaces[i]); err != nil {
			return err
		}
	}
	for i := range seed.Connections {
		c := seed.Connections[i]
		if err := s.Connections.Save(ctx, &c.Connection, c.Settings); err != nil {
			return fmt.Errorf("seed connection %s: %w", c.ConnectionID, err)
		}
	}
	for i := range seed.Resources {
		if err := s.Resources.Save(ctx, &seed.Resources[i]); err != nil {
			return fmt.Errorf("seed resource %s: %w", seed.Resources[i].Resource, err)
		}
	}
	for i := range seed.APIKeys {
		k := seed.APIKeys[i]
		if k.Key == "" {
			return fmt.Errorf("seed api key %s: key is required", k.Name)
		}
		if err := s.APIKeys.CreateWithSecret(ctx, &k.APIKey, k.Key); err != nil {
			return err
		}
	}
	for i := range seed.Pools {
		if err := s.Pools.Save(ctx, &seed.Pools[i]); err != nil {
			return err
		}
	}
	return nil
}
