package models

import "time"

// APIKey is a caller credential. Only the SHA-256 hash of the key is stored.
type APIKey struct {
	APIKeyID        string          `gorm:"primaryKey" json:"apiKeyId"`
	WorkspaceID     string          `gorm:"index" json:"workspaceId"`
	EnvironmentID   string          `gorm:"index" json:"environmentId"`
	Name            string          `json:"name"`
	KeyHash         string          `gorm:"uniqueIndex" json:"-"`
	MaskedKey       string          `json:"maskedKey"`
	Enabled         bool            `gorm:"default:true" json:"enabled"`
	Resources       []string        `gorm:"serializer:json" json:"resources"`
	Capacity        []CapacityEntry `gorm:"serializer:json" json:"capacity,omitempty"`
	EnforceCapacity bool            `json:"enforceCapacity"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// AllowsResource reports whether the key may call resource. "*" grants all.
func (k *APIKey) AllowsResource(resource string) bool {
	for _, r := range k.Resources {
		if r == "*" || r == resource {
			return true
		}
	}
	return false
}
