package translate

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FromAnthropic translates an Anthropic /v1/messages request body into
// the upstream envelope's request field.
func FromAnthropic(body map[string]any) (UpstreamRequest, string, bool, error) {
	model, _ := body["model"].(string)
	stream, _ := body["stream"].(bool)

	messages, _ := body["messages"].([]any)
	if len(messages) == 0 {
		return UpstreamRequest{}, "", false, fmt.Errorf("empty messages")
	}

	contents := mapAnthropicMessages(messages)
	req := UpstreamRequest{Contents: contents}

	if sysText := anthropicSystemText(body["system"]); sysText != "" {
		req.SystemInstruction = &Content{Parts: []Part{{Text: sysText}}}
	}

	if tools, ok := body["tools"].([]any); ok && len(tools) > 0 {
		req.Tools = []Tool{{FunctionDeclarations: mapAnthropicTools(tools)}}
	}
	if tc := mapAnthropicToolChoice(body["tool_choice"]); tc != nil {
		req.ToolConfig = tc
	}

	gc := &GenerationConfig{}
	hasGC := false
	if temp, ok := asFloat(body["temperature"]); ok {
		gc.Temperature = &temp
		hasGC = true
	}
	if maxTokens, ok := asInt(body["max_tokens"]); ok {
		clamped := clampMaxTokens(maxTokens)
		gc.MaxOutputTokens = &clamped
		hasGC = true
	}
	if hasGC {
		req.GenerationConfig = gc
	}

	return req, model, stream, nil
}

func anthropicSystemText(v any) string {
	switch s := v.(type) {
	case string:
		if isUndefined(s) {
			return ""
		}
		return s
	case []any:
		var parts []string
		for _, raw := range s {
			block, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := block["type"].(string); t == "text" {
				if text, _ := block["text"].(string); text != "" {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

func mapAnthropicMessages(messages []any) []Content {
	var contents []Content

	for _, raw := range messages {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)

		switch v := m["content"].(type) {
		case string:
			if v == "" || isUndefined(v) {
				continue
			}
			contents = append(contents, Content{Role: anthropicRole(role), Parts: []Part{{Text: v}}})

		case []any:
			var textParts []string
			for _, rawBlock := range v {
				block, ok := rawBlock.(map[string]any)
				if !ok {
					continue
				}
				switch block["type"] {
				case "text":
					if text, _ := block["text"].(string); text != "" {
						textParts = append(textParts, text)
					}
				case "tool_use":
					// Dropped: prevents the model from learning a text form
					// of upstream tool calls whose ids the upstream
					// re-emits unstably.
				case "tool_result":
					text := toolResultText(block["content"])
					if text != "" {
						contents = append(contents, Content{Role: "user", Parts: []Part{{Text: text}}})
					}
				}
			}
			if len(textParts) > 0 {
				contents = append(contents, Content{Role: anthropicRole(role), Parts: []Part{{Text: strings.Join(textParts, "")}}})
			}
		}
	}
	return contents
}

func anthropicRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

func toolResultText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var parts []string
		for _, raw := range c {
			block, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := block["type"].(string); t == "text" {
				if text, _ := block["text"].(string); text != "" {
					parts = append(parts, text)
				}
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "")
		}
	}
	data, _ := json.Marshal(content)
	return string(data)
}

func mapAnthropicTools(tools []any) []FunctionDeclaration {
	out := make([]FunctionDeclaration, 0, len(tools))
	for _, raw := range tools {
		t, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := t["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := t["description"].(string)
		decl := FunctionDeclaration{Name: name, Description: desc}
		if schema, ok := t["input_schema"]; ok {
			decl.Parameters = FilterSchema(schema)
		}
		out = append(out, decl)
	}
	return out
}

func mapAnthropicToolChoice(choice any) *ToolConfig {
	c, ok := choice.(map[string]any)
	if !ok {
		return nil
	}
	switch t, _ := c["type"].(string); t {
	case "auto":
		return &ToolConfig{FunctionCallingConfig{Mode: "AUTO"}}
	case "any":
		return &ToolConfig{FunctionCallingConfig{Mode: "ANY"}}
	case "none":
		return &ToolConfig{FunctionCallingConfig{Mode: "NONE"}}
	case "tool":
		if name, _ := c["name"].(string); name != "" {
			return &ToolConfig{FunctionCallingConfig{Mode: "ANY", AllowedFunctionNames: []string{name}}}
		}
	}
	return nil
}

// ToAnthropicNonStream builds a /v1/messages response from an upstream
// response body.
func ToAnthropicNonStream(model string, upstreamBody []byte) ([]byte, error) {
	unwrapped, err := unwrapUpstream(upstreamBody)
	if err != nil {
		return nil, err
	}

	var blocks []map[string]any
	anyToolUse := false
	if len(unwrapped.Candidates) > 0 {
		for _, p := range unwrapped.Candidates[0].Content.Parts {
			if p.Text != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
			}
			if p.FunctionCall != nil {
				anyToolUse = true
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    "toolu_" + shortID(),
					"name":  p.FunctionCall.Name,
					"input": p.FunctionCall.Args,
				})
			}
		}
	}

	stopReason := "end_turn"
	if anyToolUse {
		stopReason = "tool_use"
	}

	resp := map[string]any{
		"id":          "msg_" + shortID(),
		"type":        "message",
		"role":        "assistant",
		"model":       model,
		"content":     blocks,
		"stop_reason": stopReason,
		"usage": map[string]any{
			"input_tokens":  unwrapped.UsageMetadata.PromptTokenCount,
			"output_tokens": unwrapped.UsageMetadata.CandidatesTokenCount,
		},
	}
	return json.Marshal(resp)
}
