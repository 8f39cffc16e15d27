package ingress

import (
	"encoding/json"
	"net/http"

	"github.com/cloudcode-relay/relay/internal/upstream"
)

// writeError renders the client-facing error envelope.
func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": msg, "type": errType},
	})
}

// surfaceAnthropic and surfaceOpenAI select the all-exhausted overload
// status code: 529 on the Anthropic surface, 503 everywhere else.
const (
	surfaceOpenAI    = "openai"
	surfaceAnthropic = "anthropic"
)

// writeUpstreamError renders a forwarder error onto the client, applying
// the kind→status/type table for the given ingress surface.
func writeUpstreamError(w http.ResponseWriter, surface string, err error) {
	uerr, ok := err.(*upstream.Error)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "server_error", err.Error())
		return
	}

	status, body := upstream.SanitizeError(uerr.StatusCode, uerr.Body)
	switch uerr.Kind {
	case upstream.RateLimited, upstream.QuotaExhausted:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write(body)
	case upstream.CapacityExhausted:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write(body)
	case upstream.Unauthenticated:
		writeError(w, http.StatusUnauthorized, "authentication_error", "upstream credential rejected")
	case upstream.NoAccounts:
		overloadStatus := http.StatusServiceUnavailable
		if surface == surfaceAnthropic {
			overloadStatus = 529
		}
		writeError(w, overloadStatus, "server_error", "No available accounts")
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
	}
}
