// Package middleware holds HTTP middleware for the completion surface.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/pysugar/completion-gateway/internal/apierr"
	"github.com/pysugar/completion-gateway/internal/db/models"
	"github.com/pysugar/completion-gateway/internal/logging"
)

type contextKey string

const apiKeyContextKey contextKey = "apiKey"

// KeyVerifier resolves a presented secret to its enabled key record.
type KeyVerifier interface {
	Verify(ctx context.Context, secret string) (*models.APIKey, error)
}

// APIKeyAuth authenticates every request with a gateway API key taken from
// "Authorization: Bearer <key>" or the x-api-key header. The verified key is
// stored in the request context.
func APIKeyAuth(keys KeyVerifier, logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := keys.Verify(r.Context(), PresentedKey(r))
			if err != nil {
				logging.FromContext(r.Context(), logger).Info("API key rejected",
					zap.String("path", r.URL.Path),
					zap.Error(err))
				apierr.Write(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAPIKey(r.Context(), key)))
		})
	}
}

// PresentedKey extracts the caller's secret, preferring the bearer token.
func PresentedKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

func WithAPIKey(ctx context.Context, key *models.APIKey) context.Context {
	return context.WithValue(ctx, apiKeyContextKey, key)
}

// APIKeyFromContext returns the key stored by APIKeyAuth, or nil.
func APIKeyFromContext(ctx context.Context) *models.APIKey {
	key, _ := ctx.Value(apiKeyContextKey).(*models.APIKey)
	return key
}
