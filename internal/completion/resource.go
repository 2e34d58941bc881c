package completion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pysugar/completion-gateway/internal/apierr"
	"github.com/pysugar/completion-gateway/internal/db/models"
	"github.com/pysugar/completion-gateway/internal/proxy/mappers"
)

// loadResource resolves the named resource and applies the caller's
// overrides. Overrides that carry a model make a stored resource optional.
func (s *Service) loadResource(ctx context.Context, workspaceID, environmentID, name string, overrides json.RawMessage) (*models.Resource, error) {
	base, err := s.resources.Get(ctx, workspaceID, environmentID, name)
	if err != nil {
		apiErr, ok := apierr.As(err)
		if !ok || apiErr.Code != apierr.CodeResourceNotFound || !overridesModel(overrides) {
			return nil, err
		}
		base = &models.Resource{WorkspaceID: workspaceID, EnvironmentID: environmentID, Resource: name}
	}
	if len(overrides) == 0 || string(overrides) == "null" {
		return base, nil
	}

	merged, err := mergeResource(base, overrides)
	if err != nil {
		return nil, apierr.Validation(apierr.CodeInvalidRequest, "Invalid resource config overrides").
			WithParam("vmx.resourceConfigOverrides").WithCause(err)
	}
	merged.WorkspaceID = base.WorkspaceID
	merged.EnvironmentID = base.EnvironmentID
	merged.Resource = base.Resource
	return merged, nil
}

func overridesModel(overrides json.RawMessage) bool {
	if len(overrides) == 0 {
		return false
	}
	var probe struct {
		Model json.RawMessage `json:"model"`
	}
	if err := json.Unmarshal(overrides, &probe); err != nil {
		return false
	}
	return len(probe.Model) > 0 && string(probe.Model) != "null"
}

// mergeResource deep-merges overrides over base. Objects merge key by key;
// arrays and scalars replace.
func mergeResource(base *models.Resource, overrides json.RawMessage) (*models.Resource, error) {
	raw, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var dst map[string]any
	if err := json.Unmarshal(raw, &dst); err != nil {
		return nil, err
	}
	var src map[string]any
	if err := json.Unmarshal(overrides, &src); err != nil {
		return nil, err
	}
	deepMerge(dst, src)

	raw, err = json.Marshal(dst)
	if err != nil {
		return nil, err
	}
	var merged models.Resource
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				deepMerge(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
}

// selectModel picks the primary model, or a secondary one when the caller
// asks for it by index. primary reports whether routing applies.
func selectModel(res *models.Resource, vmx *mappers.VMXExtension) (sel models.ModelSelector, primary bool, err error) {
	if vmx == nil || vmx.SecondaryModelIndex == nil {
		return res.Model, true, nil
	}
	i := *vmx.SecondaryModelIndex
	if i < 0 || i >= len(res.SecondaryModels) {
		return models.ModelSelector{}, false, apierr.Validation(apierr.CodeSecondaryNotFound,
			fmt.Sprintf("Secondary model %d not found", i)).WithParam("vmx.secondaryModelIndex")
	}
	return res.SecondaryModels[i], false, nil
}
