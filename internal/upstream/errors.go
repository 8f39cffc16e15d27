// Classification of upstream responses into the retry-loop's tagged
// union. A regex-based ErrorCode table still does duty as the final
// client-facing sanitizer in sanitize.go.
package upstream

import (
	"bytes"
	"fmt"
)

// Kind is the sum type the retry loop switches on.
type Kind int

const (
	OK Kind = iota
	RateLimited
	QuotaExhausted
	CapacityExhausted
	ModelNotFound
	Unauthenticated
	UpstreamError
	// NoAccounts is not a classified upstream response: it's raised by the
	// forwarder itself when pool.Current() can't produce any account at
	// all (empty pool, or self-heal found nothing). The client-facing
	// status for this kind differs by ingress surface — 503 on OpenAI,
	// 529 ("overloaded") on Anthropic.
	NoAccounts
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "OK"
	case RateLimited:
		return "RATE_LIMIT"
	case QuotaExhausted:
		return "QUOTA_EXHAUSTED"
	case CapacityExhausted:
		return "CAPACITY_EXHAUSTED"
	case ModelNotFound:
		return "MODEL_NOT_FOUND"
	case Unauthenticated:
		return "UNAUTHENTICATED"
	case NoAccounts:
		return "NO_ACCOUNTS"
	default:
		return "UPSTREAM_ERROR"
	}
}

// Error is a classified upstream failure carrying the raw status/body so
// the caller can still fall through to pass-through semantics.
type Error struct {
	Kind       Kind
	StatusCode int
	Body       []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream %s (http %d)", e.Kind, e.StatusCode)
}

// Classify implements 's classification rules.
func Classify(statusCode int, body []byte) Kind {
	switch statusCode {
	case 200:
		return OK
	case 429:
		return RateLimited
	case 403:
		if bytes.Contains(body, []byte("RESOURCE_EXHAUSTED")) || bytes.Contains(bytes.ToLower(body), []byte("quota")) {
			return QuotaExhausted
		}
		return UpstreamError
	case 503:
		if bytes.Contains(body, []byte("CAPACITY_EXHAUSTED")) || bytes.Contains(bytes.ToLower(body), []byte("capacity")) {
			return CapacityExhausted
		}
		return UpstreamError
	case 404:
		return ModelNotFound
	case 401:
		return Unauthenticated
	default:
		return UpstreamError
	}
}
