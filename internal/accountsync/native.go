package accountsync

import (
	"context"
	"fmt"

	"github.com/cloudcode-relay/relay/internal/account"
)

type fetchAvailableModelsResponse struct {
	Models map[string]nativeModelQuota `json:"models"`
}

// syncNative runs the NATIVE discovery sequence: loadCodeAssist
// tagged with ide_type=NATIVE, then fetchAvailableModels against the
// resolved project. A model missing remainingFraction is exhausted, not
// unknown — see deriveQuotaPercent.
func (s *Syncer) syncNative(ctx context.Context, cred *account.Credential) (tier string, ineligible []account.IneligibleTier, projectID string, models map[string]nativeModelQuota, err error) {
	baseURL := s.cfg.NativeAPIBaseURL

	var load loadCodeAssistResponse
	if err = s.call(ctx, baseURL, "loadCodeAssist", cred.AccessToken, map[string]any{
		"metadata": map[string]any{"ide_type": "NATIVE"},
	}, &load); err != nil {
		return "", nil, "", nil, fmt.Errorf("loadCodeAssist: %w", err)
	}
	ineligible = mapIneligibleTiers(load.IneligibleTiers)

	if load.CloudaicompanionProject != nil {
		projectID = load.CloudaicompanionProject.ID
	}
	if load.CurrentTier != nil {
		tier = load.CurrentTier.ID
	}
	if projectID == "" {
		return tier, ineligible, "", nil, fmt.Errorf("native account has no cloudaicompanion project")
	}

	var fam fetchAvailableModelsResponse
	if err = s.call(ctx, baseURL, "fetchAvailableModels", cred.AccessToken, map[string]any{"project": projectID}, &fam); err != nil {
		return tier, ineligible, projectID, nil, fmt.Errorf("fetchAvailableModels: %w", err)
	}

	return tier, ineligible, projectID, fam.Models, nil
}
