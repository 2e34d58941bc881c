package models

// ModelSelector picks the vendor, model and connection that serve a call.
type ModelSelector struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	ConnectionID string `json:"connectionId"`
}

func (m ModelSelector) IsZero() bool {
	return m.Provider == "" && m.Model == "" && m.ConnectionID == ""
}
