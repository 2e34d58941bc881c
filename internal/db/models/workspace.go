package models

import "time"

// Workspace carries the workspace-wide quota.
type Workspace struct {
	WorkspaceID string          `gorm:"primaryKey" json:"workspaceId"`
	Name        string          `json:"name"`
	Quota       []CapacityEntry `gorm:"serializer:json" json:"quota,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}
