package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pysugar/completion-gateway/internal/apierr"
	"github.com/pysugar/completion-gateway/internal/db/models"
	"github.com/pysugar/completion-gateway/internal/logging"
	"github.com/pysugar/completion-gateway/internal/proxy/middleware"
)

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 500
)

// AuditReader serves audit records of one environment.
type AuditReader interface {
	Recent(workspaceID, environmentID string, limit int) []models.CompletionAudit
	Stats(workspaceID, environmentID string) models.AuditStats
	Query(ctx context.Context, workspaceID, environmentID string, page, pageSize int) ([]models.CompletionAudit, int64, error)
}

// AuditLogsHandler pages persisted audit records.
// GET /v1/audit/{workspaceId}/{environmentId}?page=1&page_size=50
func AuditLogsHandler(reader AuditReader, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workspaceID, environmentID, ok := auditScope(w, r)
		if !ok {
			return
		}
		page := queryInt(r, "page", 1)
		pageSize := queryInt(r, "page_size", defaultAuditPageSize)
		if pageSize > maxAuditPageSize {
			pageSize = maxAuditPageSize
		}

		rows, total, err := reader.Query(r.Context(), workspaceID, environmentID, page, pageSize)
		if err != nil {
			logging.FromContext(r.Context(), logger).Error("Failed to query audit records", zap.Error(err))
			apierr.Write(w, apierr.Internal("", "Failed to query audit records").WithCause(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"logs":      rows,
			"total":     total,
			"page":      page,
			"page_size": pageSize,
			"stats":     reader.Stats(workspaceID, environmentID),
		})
	}
}

// RecentAuditHandler returns the in-memory window, including records not yet
// persisted.
// GET /v1/audit/{workspaceId}/{environmentId}/recent?limit=100
func RecentAuditHandler(reader AuditReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workspaceID, environmentID, ok := auditScope(w, r)
		if !ok {
			return
		}
		logs := reader.Recent(workspaceID, environmentID, queryInt(r, "limit", 0))
		writeJSON(w, http.StatusOK, map[string]any{
			"logs":  logs,
			"count": len(logs),
		})
	}
}

// auditScope reads the path scope and rejects keys of another environment.
func auditScope(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	workspaceID := chi.URLParam(r, "workspaceId")
	environmentID := chi.URLParam(r, "environmentId")
	key := middleware.APIKeyFromContext(r.Context())
	if key != nil && (key.WorkspaceID != workspaceID || key.EnvironmentID != environmentID) {
		apierr.Write(w, apierr.Unauthorized("API key is not valid for this environment"))
		return "", "", false
	}
	return workspaceID, environmentID, true
}

func queryInt(r *http.Request, name string, fallback int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil && v > 0 {
		return v
	}
	return fallback
}
