package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cloudcode-relay/relay/internal/account"
	"github.com/cloudcode-relay/relay/internal/config"
	"github.com/cloudcode-relay/relay/internal/events"
	"github.com/cloudcode-relay/relay/internal/pool"
	"github.com/cloudcode-relay/relay/internal/transport"
)

// Request is one translated call ready to be enveloped and forwarded.
type Request struct {
	ClientKind account.ClientKind
	Operation  string // "generateContent" or "streamGenerateContent"
	Model      string
	Stream     bool
	Session    string // pool session fingerprint, "" for stateless calls
	Payload    any    // already-translated upstream request body
}

// Result is a successful forward: the caller reads/streams resp.Body and
// must close it.
type Result struct {
	Account  *account.Account
	Response *http.Response
}

// Forwarder runs the shared retry loop from over the account pool.
type Forwarder struct {
	pool      *pool.Pool
	transport *transport.Manager
	cfg       *config.Config
	bus       *events.Bus
}

func New(p *pool.Pool, tm *transport.Manager, cfg *config.Config, bus *events.Bus) *Forwarder {
	return &Forwarder{pool: p, transport: tm, cfg: cfg, bus: bus}
}

// Forward executes the retry loop. On success it returns a live
// *http.Response (buffered or streaming — caller's choice) and the
// account it came from. On exhaustion it returns the last classified
// error so the ingress layer can render the right client-facing status.
func (f *Forwarder) Forward(ctx context.Context, req Request) (*Result, error) {
	budget := f.retryBudget()

	var lastErr error
	for attempt := 0; attempt < budget; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		acct, cred, err := f.pool.Current(ctx, req.Session)
		if err != nil {
			return nil, &Error{Kind: NoAccounts, StatusCode: http.StatusServiceUnavailable, Body: []byte("No available accounts")}
		}

		if err := f.pool.WaitCooldown(ctx, acct.ID); err != nil {
			return nil, err
		}

		upReq, err := f.buildRequest(ctx, req, acct, cred)
		if err != nil {
			return nil, err
		}

		f.pool.MarkRequest(acct.ID)
		client := f.transport.Client(req.ClientKind)
		resp, err := client.Do(upReq)
		if err != nil {
			lastErr = err
			f.pool.Rotate(ctx, req.Session, acct.ID, pool.ReasonExhausted)
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return &Result{Account: acct, Response: resp}, nil
		}

		body := DrainAndClose(resp)
		kind := Classify(resp.StatusCode, body)
		lastErr = &Error{Kind: kind, StatusCode: resp.StatusCode, Body: body}

		switch kind {
		case Unauthenticated:
			_ = f.pool.Refresh(ctx)
			continue
		case RateLimited:
			f.pool.Rotate(ctx, req.Session, acct.ID, pool.ReasonRateLimited)
			continue
		case QuotaExhausted:
			f.pool.Rotate(ctx, req.Session, acct.ID, pool.ReasonExhausted)
			continue
		case CapacityExhausted:
			f.pool.Rotate(ctx, req.Session, acct.ID, pool.ReasonCapacityExhaust)
			continue
		case ModelNotFound:
			f.pool.Rotate(ctx, req.Session, acct.ID, pool.ReasonModelNotFound)
			continue
		default:
			// UpstreamError (everything else) is surfaced immediately,
			// not recovered by rotation, propagation policy.
			return nil, lastErr
		}
	}

	if lastErr == nil {
		lastErr = &Error{Kind: UpstreamError, StatusCode: http.StatusServiceUnavailable, Body: []byte("all attempts exhausted")}
	}
	return nil, lastErr
}

// ForwardRaw forwards an already-formed native request body untranslated
// to the NATIVE upstream, for the ingress catch-all passthrough route.
// It reuses the same pool retry loop as Forward but skips the
// envelope/translation layer entirely.
func (f *Forwarder) ForwardRaw(ctx context.Context, path, rawQuery string, body []byte, stream bool, session string) (*Result, error) {
	budget := f.retryBudget()

	var lastErr error
	for attempt := 0; attempt < budget; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		acct, cred, err := f.pool.Current(ctx, session)
		if err != nil {
			return nil, &Error{Kind: NoAccounts, StatusCode: http.StatusServiceUnavailable, Body: []byte("No available accounts")}
		}

		if err := f.pool.WaitCooldown(ctx, acct.ID); err != nil {
			return nil, err
		}

		url := f.cfg.NativeAPIBaseURL + path
		if rawQuery != "" {
			url += "?" + rawQuery
		}
		upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		SetProxyPathHeaders(upReq.Header, account.ClientNative, cred.AccessToken, cred.ProjectID, stream)

		f.pool.MarkRequest(acct.ID)
		resp, err := f.transport.Client(account.ClientNative).Do(upReq)
		if err != nil {
			lastErr = err
			f.pool.Rotate(ctx, session, acct.ID, pool.ReasonExhausted)
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return &Result{Account: acct, Response: resp}, nil
		}

		respBody := DrainAndClose(resp)
		kind := Classify(resp.StatusCode, respBody)
		lastErr = &Error{Kind: kind, StatusCode: resp.StatusCode, Body: respBody}

		switch kind {
		case Unauthenticated:
			_ = f.pool.Refresh(ctx)
			continue
		case RateLimited:
			f.pool.Rotate(ctx, session, acct.ID, pool.ReasonRateLimited)
			continue
		case QuotaExhausted:
			f.pool.Rotate(ctx, session, acct.ID, pool.ReasonExhausted)
			continue
		case CapacityExhausted:
			f.pool.Rotate(ctx, session, acct.ID, pool.ReasonCapacityExhaust)
			continue
		case ModelNotFound:
			f.pool.Rotate(ctx, session, acct.ID, pool.ReasonModelNotFound)
			continue
		default:
			return nil, lastErr
		}
	}

	if lastErr == nil {
		lastErr = &Error{Kind: UpstreamError, StatusCode: http.StatusServiceUnavailable, Body: []byte("all attempts exhausted")}
	}
	return nil, lastErr
}

// retryBudget is min(pool.Size(), cfg.MaxRetryAccounts), floored at 1 so a
// freshly started pool still gets one attempt before the ingress layer
// reports no accounts.
func (f *Forwarder) retryBudget() int {
	budget := f.cfg.MaxRetryAccounts
	if size := f.pool.Size(); size < budget {
		budget = size
	}
	if budget < 1 {
		budget = 1
	}
	return budget
}

func (f *Forwarder) buildRequest(ctx context.Context, req Request, acct *account.Account, cred *account.Credential) (*http.Request, error) {
	envelope := BuildEnvelope(cred.ProjectID, req.Model, req.Payload)
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	baseURL := f.cfg.GenericAPIBaseURL
	if req.ClientKind == account.ClientNative {
		baseURL = f.cfg.NativeAPIBaseURL
	}

	op := req.Operation
	url := baseURL + "/v1internal:" + op
	if req.Stream {
		url += "?alt=sse"
	}

	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	SetProxyPathHeaders(upReq.Header, req.ClientKind, cred.AccessToken, cred.ProjectID, req.Stream)
	return upReq, nil
}
