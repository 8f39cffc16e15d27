package upstream

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// routeTagPattern strips internal routing annotations an upstream error
// body might echo back, so they never reach the client.
var routeTagPattern = regexp.MustCompile(`\[relay/[^\]]+\]\s*`)

type errorCode struct {
	Status  int
	Type    string
	Message string
	Pattern *regexp.Regexp
}

// errorCodes is the client-facing sanitizer table, kept as a
// pattern-matched fallback for whatever the classifier in errors.go
// didn't already resolve to a structured Kind.
var errorCodes = []errorCode{
	{Status: 400, Type: "invalid_request_error", Message: "bad request format", Pattern: regexp.MustCompile(`(?i)invalid.?request|bad request|malformed`)},
	{Status: 401, Type: "authentication_error", Message: "authentication failed", Pattern: regexp.MustCompile(`(?i)unauthorized|invalid.*key|auth.*fail|invalid.*token`)},
	{Status: 403, Type: "permission_error", Message: "access denied", Pattern: regexp.MustCompile(`(?i)forbidden|permission|access.?denied`)},
	{Status: 404, Type: "not_found_error", Message: "resource not found", Pattern: regexp.MustCompile(`(?i)not.?found`)},
	{Status: 413, Type: "invalid_request_error", Message: "request payload too large", Pattern: regexp.MustCompile(`(?i)too.?large|payload|content.?length`)},
	{Status: 429, Type: "rate_limit_error", Message: "rate limited, please retry later", Pattern: regexp.MustCompile(`(?i)rate.?limit|too.?many|throttl`)},
	{Status: 500, Type: "api_error", Message: "internal server error", Pattern: regexp.MustCompile(`(?i)internal.?server`)},
	{Status: 502, Type: "api_error", Message: "bad gateway", Pattern: regexp.MustCompile(`(?i)bad.?gateway`)},
	{Status: 503, Type: "server_error", Message: "service temporarily overloaded", Pattern: regexp.MustCompile(`(?i)overloaded|unavailable`)},
}

// SanitizeError maps a raw upstream status/body to a client-safe
// (status, json body) pair, stripping route tags and normalizing to
// whichever known error shape matches.
func SanitizeError(statusCode int, body []byte) (int, []byte) {
	bodyStr := stripRouteTags(string(body))

	for i := range errorCodes {
		ec := &errorCodes[i]
		if ec.Status == statusCode {
			return ec.Status, buildErrorJSON(ec.Type, ec.Message)
		}
	}
	for i := range errorCodes {
		ec := &errorCodes[i]
		if ec.Pattern != nil && ec.Pattern.MatchString(bodyStr) {
			return ec.Status, buildErrorJSON(ec.Type, ec.Message)
		}
	}

	var parsed struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(bodyStr), &parsed) == nil && parsed.Error.Type != "" {
		return statusCode, buildErrorJSON(parsed.Error.Type, stripRouteTags(parsed.Error.Message))
	}

	return 500, buildErrorJSON("api_error", "unexpected upstream error")
}

// SanitizeSSEError wraps a sanitized error as an SSE "error" event.
func SanitizeSSEError(statusCode int, body []byte) string {
	_, sanitized := SanitizeError(statusCode, body)
	return fmt.Sprintf("event: error\ndata: %s\n\n", sanitized)
}

func stripRouteTags(s string) string {
	return strings.TrimSpace(routeTagPattern.ReplaceAllString(s, ""))
}

func buildErrorJSON(errType, msg string) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":  "error",
		"error": map[string]any{"type": errType, "message": msg},
	})
	return data
}
