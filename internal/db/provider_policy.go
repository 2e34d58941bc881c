package db

import (
	"fmt"
	"strings"

	"github.com/pysugar/completion-gateway/internal/apierr"
	"github.com/pysugar/completion-gateway/internal/db/models"
	"github.com/pysugar/completion-gateway/internal/providers/catalog"
)

// NormalizeProvider lower-cases and trims a provider id.
func NormalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// ValidateConnection checks that conn names a known, enabled provider and
// that cfg carries every field the provider's connection form requires.
func ValidateConnection(conn *models.Connection, cfg map[string]any) error {
	conn.Provider = NormalizeProvider(conn.Provider)
	info, ok := catalog.GetProvider(conn.Provider)
	if !ok {
		return apierr.NotFound(apierr.CodeProviderNotFound, fmt.Sprintf("AI provider %q not found", conn.Provider))
	}
	if !info.Enabled {
		return apierr.Validation(apierr.CodeConnectionInvalid, fmt.Sprintf("AI provider %q is disabled", conn.Provider))
	}
	if err := catalog.ValidateConnectionConfig(conn.Provider, cfg); err != nil {
		return apierr.Validation(apierr.CodeConnectionInvalid, err.Error())
	}
	return nil
}

// ValidateModelSelector checks that a selector is complete and names a known provider.
func ValidateModelSelector(field string, sel models.ModelSelector) error {
	var missing []string
	if sel.Provider == "" {
		missing = append(missing, "provider")
	}
	if sel.Model == "" {
		missing = append(missing, "model")
	}
	if sel.ConnectionID == "" {
		missing = append(missing, "connectionId")
	}
	if len(missing) > 0 {
		return apierr.Validation(apierr.CodeInvalidRequest,
			fmt.Sprintf("%s is missing %s", field, strings.Join(missing, ", "))).WithParam(field)
	}
	if _, ok := catalog.GetProvider(NormalizeProvider(sel.Provider)); !ok {
		return apierr.NotFound(apierr.CodeProviderNotFound,
			fmt.Sprintf("AI provider %q not found", sel.Provider)).WithParam(field + ".provider")
	}
	return nil
}

// ValidateResource checks every model selector a resource declares.
func ValidateResource(r *models.Resource) error {
	if r.Resource == "" {
		return apierr.Validation(apierr.CodeInvalidRequest, "resource name is required").WithParam("resource")
	}
	if err := ValidateModelSelector("model", r.Model); err != nil {
		return err
	}
	for i, m := range r.FallbackModels {
		if err := ValidateModelSelector(fmt.Sprintf("fallbackModels[%d]", i), m); err != nil {
			return err
		}
	}
	for i, m := range r.SecondaryModels {
		if err := ValidateModelSelector(fmt.Sprintf("secondaryModels[%d]", i), m); err != nil {
			return err
		}
	}
	if r.Routing != nil {
		for i, g := range r.Routing.Conditions {
			if g.Action == models.ActionBlock || g.Then == nil {
				continue
			}
			if err := ValidateModelSelector(fmt.Sprintf("routing.conditions[%d].then", i), g.Then.ModelSelector); err != nil {
				return err
			}
		}
	}
	return nil
}
