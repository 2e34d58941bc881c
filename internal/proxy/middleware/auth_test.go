package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pysugar/completion-gateway/internal/apierr"
	"github.com/pysugar/completion-gateway/internal/db/models"
)

type verifierFunc func(ctx context.Context, secret string) (*models.APIKey, error)

func (f verifierFunc) Verify(ctx context.Context, secret string) (*models.APIKey, error) {
	return f(ctx, secret)
}

func TestAPIKeyAuth(t *testing.T) {
	keys := verifierFunc(func(_ context.Context, secret string) (*models.APIKey, error) {
		switch secret {
		case "":
			return nil, apierr.Unauthorized("Missing API key")
		case "good":
			return &models.APIKey{APIKeyID: "k1"}, nil
		default:
			return nil, apierr.Unauthorized("Invalid API key")
		}
	})

	var seen *models.APIKey
	handler := APIKeyAuth(keys, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = APIKeyFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name    string
		headers map[string]string
		status  int
		message string
	}{
		{name: "bearer", headers: map[string]string{"Authorization": "Bearer good"}, status: http.StatusNoContent},
		{name: "x-api-key", headers: map[string]string{"x-api-key": "good"}, status: http.StatusNoContent},
		{name: "missing", status: http.StatusUnauthorized, message: "Missing API key"},
		{name: "wrong", headers: map[string]string{"Authorization": "Bearer nope"}, status: http.StatusUnauthorized, message: "Invalid API key"},
		{name: "basic scheme ignored", headers: map[string]string{"Authorization": "Basic good"}, status: http.StatusUnauthorized, message: "Missing API key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodPost, "/v1/completion/ws/prod/chat/completions", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.message != "" {
				assert.Contains(t, rec.Body.String(), tt.message)
				assert.Nil(t, seen)
				return
			}
			require.NotNil(t, seen)
			assert.Equal(t, "k1", seen.APIKeyID)
		})
	}
}
