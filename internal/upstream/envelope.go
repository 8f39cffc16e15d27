package upstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/cloudcode-relay/relay/internal/account"
)

const fallbackProject = "FALLBACK"

// Envelope is the generative-call request wrapper: every
// generateContent/streamGenerateContent call is sent as
// {project, requestId, request, model, userAgent, requestType}.
type Envelope struct {
	Project     string `json:"project"`
	RequestID   string `json:"requestId"`
	Request     any    `json:"request"`
	Model       string `json:"model"`
	UserAgent   string `json:"userAgent"`
	RequestType string `json:"requestType"`
}

// BuildEnvelope wraps a translated request body, using the account's
// cached project id or FALLBACK when none was ever discovered by
// account sync.
func BuildEnvelope(projectID, model string, request any) Envelope {
	if projectID == "" {
		projectID = fallbackProject
	}
	return Envelope{
		Project:     projectID,
		RequestID:   newRequestID(),
		Request:     request,
		Model:       model,
		UserAgent:   "native-ide",
		RequestType: "agent",
	}
}

// newRequestID builds "agent/<ms_timestamp>/<uuid>/0".
func newRequestID() string {
	return fmt.Sprintf("agent/%d/%s/0", time.Now().UnixMilli(), uuid.NewString())
}

// SetProxyPathHeaders applies the NATIVE-proxy-path / GENERIC_CLI header
// style for generateContent/streamGenerateContent calls. Header names
// are written lowercase since the proxy path must not rely on
// canonical casing across HTTP/1.1 and HTTP/2.
func SetProxyPathHeaders(h http.Header, kind account.ClientKind, accessToken, projectID string, stream bool) {
	h["content-type"] = []string{"application/json"}
	h["authorization"] = []string{"Bearer " + accessToken}

	switch kind {
	case account.ClientNative:
		h["user-agent"] = []string{nativeUserAgent()}
		h["x-goog-api-client"] = []string{"gl-go/1.24.0 grpc-go/1.65.0"}
		if projectID == "" {
			projectID = fallbackProject
		}
		h["x-goog-request-params"] = []string{"project=" + projectID}
	case account.ClientGenericCLI:
		h["user-agent"] = []string{genericCLIUserAgent()}
	}

	if stream {
		h["accept"] = []string{"text/event-stream"}
	} else {
		h["accept"] = []string{"application/json"}
	}
}

func nativeUserAgent() string {
	return "native-ide/1.0.0 " + runtime.GOOS + "/" + runtime.GOARCH
}

func genericCLIUserAgent() string {
	return "cloudcode-cli/1.0.0"
}

// UnwrapResponse unwraps a non-stream response that may be wrapped in
// {"response": ...} "always unwrap" rule.
func UnwrapResponse(body []byte) ([]byte, error) {
	var wrapper struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && len(wrapper.Response) > 0 {
		return wrapper.Response, nil
	}
	return body, nil
}
