package handlers

import (
	"net/http"

	"github.com/pysugar/completion-gateway/internal/providers/catalog"
	"github.com/pysugar/completion-gateway/internal/upstream"
)

type providerEntry struct {
	catalog.ProviderInfo
	Registered bool `json:"registered"`
}

// ProvidersHandler lists the Provider Directory. Registered reports whether
// an adapter for the provider is loaded in this process.
// GET /v1/providers
func ProvidersHandler(registry *upstream.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infos := catalog.GetProviders()
		providers := make([]providerEntry, 0, len(infos))
		for _, info := range infos {
			_, err := registry.Get(info.ID)
			providers = append(providers, providerEntry{ProviderInfo: info, Registered: err == nil})
		}
		writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
	}
}
