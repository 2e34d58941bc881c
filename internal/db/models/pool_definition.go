package models

import "time"

// PoolDefinition groups resources of one environment into reservation bands
// that share a connection's minute capacity.
type PoolDefinition struct {
	WorkspaceID   string                `gorm:"primaryKey" json:"workspaceId"`
	EnvironmentID string                `gorm:"primaryKey" json:"environmentId"`
	Definition    []PoolDefinitionEntry `gorm:"serializer:json" json:"definition"`
	CreatedAt     time.Time             `json:"createdAt"`
	UpdatedAt     time.Time             `json:"updatedAt"`
}

// PoolDefinitionEntry reservations are percentages (0-100) of the connection's
// minute capacity. Lower Rank means higher priority.
type PoolDefinitionEntry struct {
	Name           string   `json:"name"`
	Rank           int      `json:"rank"`
	MinReservation float64  `json:"minReservation"`
	MaxReservation float64  `json:"maxReservation"`
	Resources      []string `json:"resources"`
}

// EntryForResource returns the pool entry that lists resource.
func (p *PoolDefinition) EntryForResource(resource string) (PoolDefinitionEntry, bool) {
	if p == nil {
		return PoolDefinitionEntry{}, false
	}
	for _, e := range p.Definition {
		for _, r := range e.Resources {
			if r == resource {
				return e, true
			}
		}
	}
	return PoolDefinitionEntry{}, false
}
