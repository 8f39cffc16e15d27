package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// FromOpenAI translates an OpenAI chat.completions request body into the
// upstream envelope's request field. Returns the model name as given
// in the body, before any mapping rule is applied, and whether
// streaming was requested.
func FromOpenAI(body map[string]any) (UpstreamRequest, string, bool, error) {
	model, _ := body["model"].(string)
	stream, _ := body["stream"].(bool)

	messages, _ := body["messages"].([]any)
	if len(messages) == 0 {
		return UpstreamRequest{}, "", false, fmt.Errorf("empty messages")
	}

	contents, sysInstr := mapOpenAIMessages(messages)

	req := UpstreamRequest{Contents: contents, SystemInstruction: sysInstr}

	if tools, ok := body["tools"].([]any); ok && len(tools) > 0 {
		req.Tools = []Tool{{FunctionDeclarations: mapOpenAITools(tools)}}
	}
	if tc := mapOpenAIToolChoice(body["tool_choice"]); tc != nil {
		req.ToolConfig = tc
	}

	gc := &GenerationConfig{}
	hasGC := false
	if temp, ok := asFloat(body["temperature"]); ok {
		gc.Temperature = &temp
		hasGC = true
	}
	maxTokens, hasMax := asInt(body["max_tokens"])
	if !hasMax {
		maxTokens, hasMax = asInt(body["max_completion_tokens"])
	}
	if hasMax {
		clamped := clampMaxTokens(maxTokens)
		gc.MaxOutputTokens = &clamped
		hasGC = true
	}
	if hasGC {
		req.GenerationConfig = gc
	}

	return req, model, stream, nil
}

func mapOpenAIMessages(messages []any) ([]Content, *Content) {
	var contents []Content
	var systemParts []string

	for _, raw := range messages {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)

		switch role {
		case "system":
			if text := textOf(m["content"]); text != "" {
				systemParts = append(systemParts, text)
			}

		case "user":
			if text := textOf(m["content"]); text != "" {
				contents = append(contents, Content{Role: "user", Parts: []Part{{Text: text}}})
			}

		case "assistant":
			// Keep any text alongside tool_calls; the calls themselves are
			// dropped — their results arrive as a following "tool" message.
			if text := textOf(m["content"]); text != "" {
				contents = append(contents, Content{Role: "model", Parts: []Part{{Text: text}}})
			}

		case "tool":
			text := textOf(m["content"])
			if text == "" {
				continue
			}
			contents = append(contents, Content{Role: "user", Parts: []Part{{Text: text}}})
		}
	}

	var sysInstr *Content
	if len(systemParts) > 0 {
		sysInstr = &Content{Parts: []Part{{Text: strings.Join(systemParts, "\n")}}}
	}
	return contents, sysInstr
}

// textOf extracts text from either a plain string or an OpenAI
// content-parts array, ignoring non-text parts.
func textOf(v any) string {
	switch c := v.(type) {
	case string:
		if isUndefined(c) {
			return ""
		}
		return c
	case []any:
		var parts []string
		for _, raw := range c {
			part, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := part["type"].(string); t == "text" {
				if text, _ := part["text"].(string); text != "" {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "")
	default:
		return ""
	}
}

func mapOpenAITools(tools []any) []FunctionDeclaration {
	out := make([]FunctionDeclaration, 0, len(tools))
	for _, raw := range tools {
		t, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := fn["description"].(string)
		decl := FunctionDeclaration{Name: name, Description: desc}
		if params, ok := fn["parameters"]; ok {
			decl.Parameters = FilterSchema(params)
		}
		out = append(out, decl)
	}
	return out
}

func mapOpenAIToolChoice(choice any) *ToolConfig {
	switch c := choice.(type) {
	case string:
		switch c {
		case "auto":
			return &ToolConfig{FunctionCallingConfig{Mode: "AUTO"}}
		case "none":
			return &ToolConfig{FunctionCallingConfig{Mode: "NONE"}}
		case "required":
			return &ToolConfig{FunctionCallingConfig{Mode: "ANY"}}
		}
	case map[string]any:
		if t, _ := c["type"].(string); t == "function" {
			if fn, ok := c["function"].(map[string]any); ok {
				if name, _ := fn["name"].(string); name != "" {
					return &ToolConfig{FunctionCallingConfig{Mode: "ANY", AllowedFunctionNames: []string{name}}}
				}
			}
		}
	}
	return nil
}

// ToOpenAINonStream builds a chat.completion response from an upstream
// response body, which may be wrapped in {"response": ...}.
func ToOpenAINonStream(model string, upstreamBody []byte) ([]byte, error) {
	unwrapped, err := unwrapUpstream(upstreamBody)
	if err != nil {
		return nil, err
	}

	text, toolCalls := extractCandidate(unwrapped)

	finishReason := "stop"
	var outCalls []map[string]any
	if len(toolCalls) > 0 {
		finishReason = "tool_calls"
		outCalls = make([]map[string]any, 0, len(toolCalls))
		for _, tc := range toolCalls {
			args, _ := json.Marshal(tc.Args)
			outCalls = append(outCalls, map[string]any{
				"id":   "call_" + shortID(),
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": string(args),
				},
			})
		}
	}

	message := map[string]any{"role": "assistant", "content": text}
	if len(outCalls) > 0 {
		message["tool_calls"] = outCalls
		message["content"] = nil
	}

	resp := map[string]any{
		"id":      "chatcmpl-" + shortID(),
		"object":  "chat.completion",
		"model":   model,
		"choices": []map[string]any{{"index": 0, "message": message, "finish_reason": finishReason}},
		"usage": map[string]any{
			"prompt_tokens":     unwrapped.UsageMetadata.PromptTokenCount,
			"completion_tokens": unwrapped.UsageMetadata.CandidatesTokenCount,
			"total_tokens":      unwrapped.UsageMetadata.TotalTokenCount,
		},
	}
	return json.Marshal(resp)
}

func extractCandidate(resp UpstreamResponse) (string, []FunctionCall) {
	if len(resp.Candidates) == 0 {
		return "", nil
	}
	var text strings.Builder
	var calls []FunctionCall
	for _, p := range resp.Candidates[0].Content.Parts {
		if p.Text != "" {
			text.WriteString(p.Text)
		}
		if p.FunctionCall != nil {
			calls = append(calls, *p.FunctionCall)
		}
	}
	return text.String(), calls
}

func unwrapUpstream(body []byte) (UpstreamResponse, error) {
	var wrapper struct {
		Response *UpstreamResponse `json:"response"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Response != nil {
		return *wrapper.Response, nil
	}
	var direct UpstreamResponse
	if err := json.Unmarshal(body, &direct); err != nil {
		return UpstreamResponse{}, fmt.Errorf("decode upstream response: %w", err)
	}
	return direct, nil
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case string:
		if isUndefined(n) {
			return 0, false
		}
		return 0, false
	default:
		return 0, false
	}
}
