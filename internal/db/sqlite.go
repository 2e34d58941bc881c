// Package db stores gateway records in SQLite through gorm and fronts them
// with in-process caches.
package db

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pysugar/completion-gateway/internal/db/models"
)

// InitDB opens the SQLite database at dbPath and migrates every record type.
func InitDB(dbPath string, log *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	log.Info("Database ready", zap.String("path", dbPath))
	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Workspace{},
		&models.Connection{},
		&models.Resource{},
		&models.APIKey{},
		&models.PoolDefinition{},
		&models.CompletionAudit{},
	); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// GenerateAPIKey returns a new caller key: sk-<32 hex chars>.
func GenerateAPIKey() (string, error) {
	keyBytes := make([]byte, 16)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", err
	}
	return "sk-" + hex.EncodeToString(keyBytes), nil
}

// HashAPIKey is how keys are stored and looked up.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// MaskAPIKey keeps the prefix and last four characters.
func MaskAPIKey(key string) string {
	if len(key) <= 10 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}
