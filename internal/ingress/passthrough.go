package ingress

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudcode-relay/relay/internal/account"
	"github.com/cloudcode-relay/relay/internal/pool"
	"github.com/cloudcode-relay/relay/internal/upstream"
)

// handlePassthrough implements the catch-all: transparent native
// passthrough with no protocol translation, for native-CLI traffic that
// already speaks the upstream's own wire format.
func (s *Server) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	r.Body.Close()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	stream := strings.Contains(r.Header.Get("Accept"), "text/event-stream") || r.URL.Query().Get("alt") == "sse"
	session := pool.FingerprintSession(clientIP(r), r.Header.Get("User-Agent"))

	start := time.Now()
	result, err := s.forwarder.ForwardRaw(r.Context(), r.URL.Path, r.URL.RawQuery, body, stream, session)
	if err != nil {
		s.logRequest(r.Context(), "", account.ClientNative, "", "error", time.Since(start))
		writeUpstreamError(w, surfaceOpenAI, err)
		return
	}
	defer result.Response.Body.Close()
	s.logRequest(r.Context(), result.Account.ID, account.ClientNative, "", "ok", time.Since(start))

	upstream.CopyHeaders(w.Header(), result.Response.Header)
	w.WriteHeader(result.Response.StatusCode)

	flusher, _ := w.(http.Flusher)
	upstream.StreamCopy(r.Context(), w, func() {
		if flusher != nil {
			flusher.Flush()
		}
	}, result.Response.Body)
}
