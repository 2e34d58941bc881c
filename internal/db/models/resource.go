package models

import "time"

// Resource is a named, caller-facing completion endpoint.
type Resource struct {
	WorkspaceID     string          `gorm:"primaryKey" json:"workspaceId"`
	EnvironmentID   string          `gorm:"primaryKey" json:"environmentId"`
	Resource        string          `gorm:"primaryKey" json:"resource"`
	Description     string          `json:"description,omitempty"`
	Model           ModelSelector   `gorm:"serializer:json" json:"model"`
	UseFallback     bool            `json:"useFallback"`
	FallbackModels  []ModelSelector `gorm:"serializer:json" json:"fallbackModels,omitempty"`
	SecondaryModels []ModelSelector `gorm:"serializer:json" json:"secondaryModels,omitempty"`
	Routing         *Routing        `gorm:"serializer:json" json:"routing,omitempty"`
	Capacity        []CapacityEntry `gorm:"serializer:json" json:"capacity,omitempty"`
	EnforceCapacity bool            `json:"enforceCapacity"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}
