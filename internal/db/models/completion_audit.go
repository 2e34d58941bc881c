package models

// CompletionAudit is one completion's audit record.
type CompletionAudit struct {
	ID               string            `gorm:"primaryKey" json:"id"`
	Timestamp        int64             `gorm:"index" json:"timestamp"`
	WorkspaceID      string            `gorm:"index" json:"workspaceId"`
	EnvironmentID    string            `gorm:"index" json:"environmentId"`
	Resource         string            `gorm:"index" json:"resource"`
	RequestID        string            `gorm:"index" json:"requestId"`
	CorrelationID    string            `json:"correlationId,omitempty"`
	APIKeyID         string            `json:"apiKeyId,omitempty"`
	SourceIP         string            `json:"sourceIp,omitempty"`
	Provider         string            `gorm:"index" json:"provider,omitempty"`
	Model            string            `gorm:"index" json:"model,omitempty"`
	ConnectionID     string            `json:"connectionId,omitempty"`
	StatusCode       int               `json:"statusCode"`
	Duration         int64             `json:"duration"` // milliseconds
	FailureReason    string            `json:"failureReason,omitempty"`
	ErrorMessage     string            `json:"errorMessage,omitempty"`
	Events           []AuditEvent      `gorm:"serializer:json" json:"events,omitempty"`
	ResponseHeaders  map[string]string `gorm:"serializer:json" json:"responseHeaders,omitempty"`
	RequestPayload   string            `gorm:"type:text" json:"requestPayload,omitempty"`
	ResponseData     string            `gorm:"type:text" json:"responseData,omitempty"`
	PromptTokens     int               `json:"promptTokens,omitempty"`
	CompletionTokens int               `json:"completionTokens,omitempty"`
}

type AuditEventType string

const (
	AuditEventRouting  AuditEventType = "ROUTING"
	AuditEventFallback AuditEventType = "FALLBACK"
)

// AuditEvent is a pipeline decision recorded on a completion.
type AuditEvent struct {
	Timestamp int64          `json:"timestamp"`
	Type      AuditEventType `json:"type"`
	Data      map[string]any `json:"data"`
}

// AuditStats holds aggregated completion counts.
type AuditStats struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	ErrorCount    int64 `json:"error_count"`
}
