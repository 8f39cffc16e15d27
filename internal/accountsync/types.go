package accountsync

// quotaBucket is one GENERIC_CLI retrieveUserQuota bucket.
type quotaBucket struct {
	ModelID           string   `json:"modelId"`
	RemainingFraction *float64 `json:"remainingFraction,omitempty"`
	ResetTime         string   `json:"resetTime,omitempty"`
}

type nativeModelQuota struct {
	QuotaInfo struct {
		RemainingFraction *float64 `json:"remainingFraction,omitempty"`
		ResetTime         string   `json:"resetTime,omitempty"`
	} `json:"quotaInfo"`
}

type tierInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault"`
}

type ineligibleTierInfo struct {
	TierID     string `json:"tierId"`
	ReasonCode string `json:"reasonCode"`
}

type loadCodeAssistResponse struct {
	CurrentTier     *tierInfo            `json:"currentTier,omitempty"`
	AllowedTiers    []tierInfo           `json:"allowedTiers,omitempty"`
	IneligibleTiers []ineligibleTierInfo `json:"ineligibleTiers,omitempty"`
	CloudaicompanionProject *struct {
		ID string `json:"id"`
	} `json:"cloudaicompanionProject,omitempty"`
}

type onboardUserResponse struct {
	Name string `json:"name"`
	Done bool   `json:"done"`
}

type lroResponse struct {
	Done     bool `json:"done"`
	Response struct {
		CloudaicompanionProject *struct {
			ID string `json:"id"`
		} `json:"cloudaicompanionProject,omitempty"`
	} `json:"response"`
}

type retrieveUserQuotaResponse struct {
	Buckets []quotaBucket `json:"buckets"`
}

// deriveQuotaPercent computes 100 * (1 - min(remainingFraction)) across
// whichever quota source is present: GENERIC_CLI buckets take priority
// over NATIVE models when both are present; missing remainingFraction on
// a NATIVE model means 0 (exhausted), not unknown.
func deriveQuotaPercent(buckets []quotaBucket, native map[string]nativeModelQuota) float64 {
	min, found := minRemaining(buckets, native)
	if !found {
		return 0
	}
	pct := 100 * (1 - min)
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct
}

func minRemaining(buckets []quotaBucket, native map[string]nativeModelQuota) (float64, bool) {
	if len(buckets) > 0 {
		min := 1.0
		found := false
		for _, b := range buckets {
			if b.RemainingFraction == nil {
				continue
			}
			found = true
			if *b.RemainingFraction < min {
				min = *b.RemainingFraction
			}
		}
		return min, found
	}
	if len(native) > 0 {
		min := 1.0
		found := true
		for _, m := range native {
			frac := 0.0
			if m.QuotaInfo.RemainingFraction != nil {
				frac = *m.QuotaInfo.RemainingFraction
			}
			if frac < min {
				min = frac
			}
		}
		return min, found
	}
	return 0, false
}
