package ingress

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cloudcode-relay/relay/internal/account"
	"github.com/cloudcode-relay/relay/internal/pool"
	"github.com/cloudcode-relay/relay/internal/store"
	"github.com/cloudcode-relay/relay/internal/translate"
	"github.com/cloudcode-relay/relay/internal/upstream"
)

// handleModels serves the canned OpenAI-shape model list.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": "gemini-2.5-pro", "object": "model", "owned_by": "cloudcode"},
			{"id": "gemini-2.5-flash", "object": "model", "owned_by": "cloudcode"},
		},
	})
}

// handleChatCompletions implements POST /v1/chat/completions.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := parseBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}

	upReq, model, stream, err := translate.FromOpenAI(body)
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
		writeUpstreamError(w, surfaceOpenAI, err)
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
		out, err := translate.ToOpenAINonStream(model, unwrapped)
		if err != nil {
			writeError(w, http.StatusBadGateway, "api_error", "translation failed")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(out)
		return
	}

	streamOpenAI(w, r, result.Response, model)
}

func streamOpenAI(w http.ResponseWriter, r *http.Request, resp *http.Response, model string) {
	defer resp.Body.Close()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	streamer := translate.NewOpenAIStreamer(model)
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

		frames, err := streamer.HandleFrame(payload)
		if err != nil {
			slog.Warn("openai stream: bad frame", "error", err)
			continue
		}
		for _, f := range frames {
			io.WriteString(w, f)
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	io.WriteString(w, streamer.Done())
	if flusher != nil {
		flusher.Flush()
	}
}

func (s *Server) resolveModel(ctx context.Context, requested string) string {
	rows, err := s.store.ListModelMappings(ctx)
	if err != nil {
		return requested
	}
	resolved, _ := translate.ResolveModel(rows, requested)
	return resolved
}

func (s *Server) logRequest(ctx context.Context, accountID string, kind account.ClientKind, model, status string, dur time.Duration) {
	_ = s.store.InsertRequestLog(ctx, &store.RequestLog{
		AccountID: accountID, ClientKind: string(kind), Model: model,
		Status: status, DurationMs: dur.Milliseconds(),
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

func parseBody(r *http.Request) (map[string]any, error) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		return nil, err
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, err
	}
	return body, nil
}
