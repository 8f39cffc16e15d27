package accountsync

import (
	"encoding/json"
	"strings"
)

// validationRequiredErr signals a 403 response whose body indicates the
// account must complete identity verification (a "Verify your account"
// flow) before any further upstream calls will succeed.
type validationRequiredErr struct {
	URL     string
	Message string
}

func (e *validationRequiredErr) Error() string {
	return "validation required: " + e.Message
}

// detectValidationRequired inspects a 403 error body for a validation URL
// or a "Verify your account" message, the two signals the spec documents
// for inferring VALIDATION_REQUIRED outside the ineligibleTiers list.
func detectValidationRequired(body []byte) (url, message string, ok bool) {
	var parsed struct {
		Error struct {
			Message string           `json:"message"`
			Details []map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", "", false
	}

	message = parsed.Error.Message
	for _, d := range parsed.Error.Details {
		for _, key := range []string{"validation_url", "validationUrl", "url"} {
			if v, ok2 := d[key].(string); ok2 && v != "" {
				url = v
			}
		}
	}

	hasVerifyPhrase := strings.Contains(strings.ToLower(message), "verify your account")
	if url == "" && !hasVerifyPhrase {
		return "", "", false
	}
	return url, message, true
}
