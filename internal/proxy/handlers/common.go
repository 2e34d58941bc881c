// Package handlers exposes the completion gateway over HTTP.
package handlers

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/google/uuid"

	"github.com/pysugar/completion-gateway/internal/logging"
)

// GetOrGenerateRequestID returns the request ID already in the context,
// otherwise X-Request-ID, otherwise a new "agent-{uuid}".
func GetOrGenerateRequestID(r *http.Request) string {
	if requestID := logging.GetRequestID(r.Context()); requestID != "" {
		return requestID
	}
	if requestID := r.Header.Get("X-Request-ID"); requestID != "" {
		return requestID
	}
	return "agent-" + uuid.New().String()
}

// SetSSEHeaders sets standard headers for Server-Sent Events streaming.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// ClientIP is the caller address without its port. Forwarding headers have
// already been applied by middleware.RealIP for trusted proxies.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func setHeaders(w http.ResponseWriter, headers map[string]string) {
	for k, v := range headers {
		w.Header().Set(k, v)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
