// Package translate converts between the OpenAI chat.completions and
// Anthropic /v1/messages wire shapes and the single upstream generative
// envelope, including tool-schema filtering and model-name rewriting.
package translate

// schemaAllowlist is the set of JSON-schema keys the upstream tolerates
// on a function declaration's parameters object. Anything else
// — additionalProperties, $schema, title, examples, ... — is rejected by
// the upstream with HTTP 400, so it is stripped before the call is made.
var schemaAllowlist = map[string]bool{
	"type":        true,
	"description": true,
	"enum":        true,
	"items":       true,
	"properties":  true,
	"required":    true,
	"nullable":    true,
	"format":      true,
}

// FilterSchema recursively drops every key not in schemaAllowlist,
// descending into "properties" (object values) and "items" (schema or
// array of schemas). Filtering an already-filtered schema is a no-op.
func FilterSchema(schema any) any {
	obj, ok := schema.(map[string]any)
	if !ok {
		return schema
	}

	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if !schemaAllowlist[k] {
			continue
		}
		switch k {
		case "properties":
			if props, ok := v.(map[string]any); ok {
				filteredProps := make(map[string]any, len(props))
				for name, propSchema := range props {
					filteredProps[name] = FilterSchema(propSchema)
				}
				out[k] = filteredProps
				continue
			}
		case "items":
			switch items := v.(type) {
			case map[string]any:
				out[k] = FilterSchema(items)
				continue
			case []any:
				filtered := make([]any, len(items))
				for i, it := range items {
					filtered[i] = FilterSchema(it)
				}
				out[k] = filtered
				continue
			}
		}
		out[k] = v
	}
	return out
}
