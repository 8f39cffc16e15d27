package accountsync

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudcode-relay/relay/internal/account"
)

// syncGenericCLI runs the GENERIC_CLI discovery sequence:
// loadCodeAssist, onboarding a new project if none exists yet (picking
// the default allowed tier, polling the onboardUser LRO), then
// retrieveUserQuota against the resolved project.
func (s *Syncer) syncGenericCLI(ctx context.Context, cred *account.Credential) (tier string, ineligible []account.IneligibleTier, projectID string, buckets []quotaBucket, err error) {
	baseURL := s.cfg.GenericAPIBaseURL
	metadata := s.genericClientMetadata()

	var load loadCodeAssistResponse
	if err = s.call(ctx, baseURL, "loadCodeAssist", cred.AccessToken, map[string]any{"metadata": metadata}, &load); err != nil {
		return "", nil, "", nil, fmt.Errorf("loadCodeAssist: %w", err)
	}
	ineligible = mapIneligibleTiers(load.IneligibleTiers)

	projectID = ""
	if load.CloudaicompanionProject != nil {
		projectID = load.CloudaicompanionProject.ID
	}
	if load.CurrentTier != nil {
		tier = load.CurrentTier.ID
	}

	if projectID == "" {
		projectID, tier, err = s.onboard(ctx, baseURL, cred.AccessToken, load.AllowedTiers, metadata)
		if err != nil {
			return "", ineligible, "", nil, err
		}
	}

	var quota retrieveUserQuotaResponse
	if err = s.call(ctx, baseURL, "retrieveUserQuota", cred.AccessToken, map[string]any{"project": projectID}, &quota); err != nil {
		return tier, ineligible, projectID, nil, fmt.Errorf("retrieveUserQuota: %w", err)
	}

	return tier, ineligible, projectID, quota.Buckets, nil
}

// onboard selects the default allowed tier, kicks off onboardUser, and
// polls the resulting LRO until it reports done or the poll budget
// is exhausted.
func (s *Syncer) onboard(ctx context.Context, baseURL, accessToken string, allowed []tierInfo, metadata map[string]any) (projectID, tier string, err error) {
	tier = "free-tier"
	for _, t := range allowed {
		if t.IsDefault {
			tier = t.ID
			break
		}
	}

	var op onboardUserResponse
	if err = s.call(ctx, baseURL, "onboardUser", accessToken, map[string]any{
		"tierId":   tier,
		"metadata": metadata,
	}, &op); err != nil {
		return "", "", fmt.Errorf("onboardUser: %w", err)
	}

	lro := &lroResponse{Done: op.Done}
	if lro.Response.CloudaicompanionProject != nil {
		projectID = lro.Response.CloudaicompanionProject.ID
	}

	deadline := time.Now().Add(s.cfg.OnboardPollBudget)
	for !lro.Done && op.Name != "" && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-time.After(s.cfg.OnboardPollInterval):
		}
		lro, err = s.getOperation(ctx, baseURL, accessToken, op.Name)
		if err != nil {
			return "", "", fmt.Errorf("getOperation: %w", err)
		}
	}
	if !lro.Done {
		return "", "", fmt.Errorf("onboarding did not complete within poll budget")
	}
	if lro.Response.CloudaicompanionProject != nil {
		projectID = lro.Response.CloudaicompanionProject.ID
	}
	if projectID == "" {
		return "", "", fmt.Errorf("onboarding completed without a project id")
	}

	var reload loadCodeAssistResponse
	if err = s.call(ctx, baseURL, "loadCodeAssist", accessToken, map[string]any{"metadata": metadata}, &reload); err != nil {
		return "", "", fmt.Errorf("loadCodeAssist (post-onboard): %w", err)
	}
	if reload.CurrentTier != nil {
		tier = reload.CurrentTier.ID
	}
	return projectID, tier, nil
}

// genericClientMetadata identifies this client to the upstream on every
// GENERIC_CLI loadCodeAssist/onboardUser call, the way the NATIVE path
// identifies itself with ide_type:"NATIVE".
func (s *Syncer) genericClientMetadata() map[string]any {
	return map[string]any{
		"ide_type":    string(account.ClientGenericCLI),
		"platform":    s.cfg.GenericIDEPlatform,
		"plugin_type": s.cfg.GenericPluginType,
	}
}

func mapIneligibleTiers(raw []ineligibleTierInfo) []account.IneligibleTier {
	out := make([]account.IneligibleTier, 0, len(raw))
	for _, it := range raw {
		out = append(out, account.IneligibleTier{TierID: it.TierID, ReasonCode: it.ReasonCode})
	}
	return out
}
