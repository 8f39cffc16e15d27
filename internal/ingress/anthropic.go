package ingress

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cloudcode-relay/relay/internal/account"
	"github.com/cloudcode-relay/relay/internal/pool"
	"github.com/cloudcode-relay/relay/internal/translate"
	"github.com/cloudcode-relay/relay/internal/upstream"
)

// handleMessages implements POST /v1/messages.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, err := parseBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}

	upReq, model, stream, err := translate.FromAnthropic(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	resolvedModel := s.resolveModel(r.Context(), model)

	session := pool.FingerprintSession(clientIP(r), r.Header.Get("User-Agent"))
	op := "generateContent"
	if stream {
		op = "streamGenerateContent"
	}

	start := time.Now()
	result, err := s.forwarder.Forward(r.Context(), upstream.Request{
		ClientKind: account.ClientNative,
		Operation:  op,
		Model:      resolvedModel,
		Stream:     stream,
		Session:    session,
		Payload:    upReq,
	})
	if err != nil {
		s.logRequest(r.Context(), "", account.ClientNative, resolvedModel, "error", time.Since(start))
		writeUpstreamError(w, surfaceAnthropic, err)
		return
	}
	defer result.Response.Body.Close()
	s.logRequest(r.Context(), result.Account.ID, account.ClientNative, resolvedModel, "ok", time.Since(start))

	if !stream {
		raw := upstream.DrainAndClose(result.Response)
		unwrapped, err := upstream.UnwrapResponse(raw)
		if err != nil {
			writeError(w, http.StatusBadGateway, "api_error", "malformed upstream response")
			return
		}
		out, err := translate.ToAnthropicNonStream(model, unwrapped)
		if err != nil {
			writeError(w, http.StatusBadGateway, "api_error", "translation failed")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(out)
		return
	}

	streamAnthropic(w, r, result.Response, model)
}

func streamAnthropic(w http.ResponseWriter, r *http.Request, resp *http.Response, model string) {
	defer resp.Body.Close()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	streamer := translate.NewAnthropicStreamer(model)
	for _, ev := range streamer.Start() {
		io.WriteString(w, ev)
	}
	if flusher != nil {
		flusher.Flush()
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)

	for scanner.Scan() {
		if r.Context().Err() != nil {
			return
		}
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		payload := bytes.TrimPrefix(line, []byte("data: "))
		if bytes.Equal(bytes.TrimSpace(payload), []byte("[DONE]")) {
			break
		}

		events, err := streamer.HandleFrame(payload)
		if err != nil {
			slog.Warn("anthropic stream: bad frame", "error", err)
			continue
		}
		for _, ev := range events {
			io.WriteString(w, ev)
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
