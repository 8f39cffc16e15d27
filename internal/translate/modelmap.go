package translate

import (
	"path"

	"github.com/cloudcode-relay/relay/internal/store"
)

// Mapping is one ordered model-rewrite rule.
type Mapping struct {
	Pattern string
	Target  string
}

// ResolveModel applies mapping rules in (priority asc, created_at asc)
// order — the order ListModelMappings already returns them in — and
// rewrites requested to the first rule whose pattern equals it or
// matches it as a glob. Returns the original name unchanged if nothing
// matches.
func ResolveModel(rows []*store.ModelMapping, requested string) (resolved string, matchedOriginal bool) {
	for _, r := range rows {
		if r.Pattern == requested {
			return r.Target, true
		}
		if ok, _ := path.Match(r.Pattern, requested); ok {
			return r.Target, true
		}
	}
	return requested, false
}
