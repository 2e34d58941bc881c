package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pysugar/completion-gateway/internal/apierr"
	"github.com/pysugar/completion-gateway/internal/db/models"
)

// APIKeyStore issues and verifies caller keys. Keys are looked up by hash.
type APIKeyStore struct {
	db    *gorm.DB
	cache *recordCache[string, *models.APIKey]
}

func NewAPIKeyStore(db *gorm.DB) *APIKeyStore {
	return &APIKeyStore{db: db, cache: newRecordCache[string, *models.APIKey]()}
}

// Create stores key with a freshly generated secret and returns the secret.
// The secret is not retrievable afterwards.
func (s *APIKeyStore) Create(ctx context.Context, key *models.APIKey) (string, error) {
	secret, err := GenerateAPIKey()
	if err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	if err := s.CreateWithSecret(ctx, key, secret); err != nil {
		return "", err
	}
	return secret, nil
}

// CreateWithSecret stores key for a caller-chosen secret.
func (s *APIKeyStore) CreateWithSecret(ctx context.Context, key *models.APIKey, secret string) error {
	if key.APIKeyID == "" {
		key.APIKeyID = uuid.NewString()
	}
	key.KeyHash = HashAPIKey(secret)
	key.MaskedKey = MaskAPIKey(secret)
	if err := s.db.WithContext(ctx).Save(key).Error; err != nil {
		return fmt.Errorf("save api key %s: %w", key.APIKeyID, err)
	}
	s.cache.delete(key.KeyHash)
	return nil
}

// Verify resolves a presented secret to its enabled key record.
func (s *APIKeyStore) Verify(ctx context.Context, secret string) (*models.APIKey, error) {
	if secret == "" {
		return nil, apierr.Unauthorized("Missing API key")
	}
	hash := HashAPIKey(secret)
	key, ok := s.cache.get(hash)
	if !ok {
		var rec models.APIKey
		err := s.db.WithContext(ctx).Where("key_hash = ?", hash).First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apierr.Unauthorized("Invalid API key")
		}
		if err != nil {
			return nil, fmt.Errorf("load api key: %w", err)
		}
		key = &rec
		s.cache.put(hash, key)
	}
	if !key.Enabled {
		return nil, apierr.Unauthorized("API key is disabled")
	}
	cp := *key
	return &cp, nil
}

// Disable turns a key off and drops it from the cache.
func (s *APIKeyStore) Disable(ctx context.Context, apiKeyID string) error {
	var rec models.APIKey
	if err := s.db.WithContext(ctx).Where("api_key_id = ?", apiKeyID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apierr.NotFound(apierr.CodeNotFound, fmt.Sprintf("API key %s not found", apiKeyID))
		}
		return err
	}
	if err := s.db.WithContext(ctx).Model(&rec).Update("enabled", false).Error; err != nil {
		return fmt.Errorf("disable api key %s: %w", apiKeyID, err)
	}
	s.cache.delete(rec.KeyHash)
	return nil
}
