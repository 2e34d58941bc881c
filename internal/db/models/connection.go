package models

import "time"

// Connection binds a vendor to credential material and per-model capacity.
// Config is stored sealed; DecryptedConfig is populated only for the
// duration of one call and is never persisted or serialized.
type Connection struct {
	WorkspaceID        string              `gorm:"primaryKey" json:"workspaceId"`
	EnvironmentID      string              `gorm:"primaryKey" json:"environmentId"`
	ConnectionID       string              `gorm:"primaryKey" json:"connectionId"`
	Name               string              `json:"name"`
	Provider           string              `gorm:"index" json:"provider"`
	Config             string              `gorm:"type:text" json:"-"`
	AllowedModels      []string            `gorm:"serializer:json" json:"allowedModels,omitempty"`
	Capacity           []CapacityEntry     `gorm:"serializer:json" json:"capacity,omitempty"`
	DiscoveredCapacity *DiscoveredCapacity `gorm:"serializer:json" json:"discoveredCapacity,omitempty"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`

	DecryptedConfig map[string]any `gorm:"-" json:"-"`
}

// DiscoveredCapacity holds limits learned from vendor response headers, per model.
type DiscoveredCapacity struct {
	Models map[string]DiscoveredModelCapacity `json:"models"`
}

type DiscoveredModelCapacity struct {
	Capacity  []CapacityEntry `json:"capacity"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// ModelCapacity returns the discovered entries for model, if any.
func (c *Connection) ModelCapacity(model string) []CapacityEntry {
	if c == nil || c.DiscoveredCapacity == nil {
		return nil
	}
	return c.DiscoveredCapacity.Models[model].Capacity
}

// AllowsModel reports whether model passes the allow-list. An empty list allows all.
func (c *Connection) AllowsModel(model string) bool {
	if len(c.AllowedModels) == 0 {
		return true
	}
	for _, m := range c.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}
