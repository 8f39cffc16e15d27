package translate

import (
	"encoding/json"
	"testing"
)

func TestFromOpenAIMapsSystemUserAssistant(t *testing.T) {
	body := map[string]any{
		"model": "gpt-4o",
		"messages": []any{
			map[string]any{"role": "system", "content": "be terse"},
			map[string]any{"role": "user", "content": "hi"},
			map[string]any{"role": "assistant", "content": "hello"},
		},
		"temperature": 0.5,
		"max_tokens":  float64(100),
	}

	req, model, stream, err := FromOpenAI(body)
	if err != nil {
		t.Fatalf("FromOpenAI: %v", err)
	}
	if model != "gpt-4o" || stream {
		t.Fatalf("model=%q stream=%v, want gpt-4o/false", model, stream)
	}
	if req.SystemInstruction == nil || req.SystemInstruction.Parts[0].Text != "be terse" {
		t.Fatalf("expected system instruction to carry 'be terse', got %+v", req.SystemInstruction)
	}
	if len(req.Contents) != 2 {
		t.Fatalf("expected 2 contents (user+assistant), got %d", len(req.Contents))
	}
	if req.Contents[0].Role != "user" || req.Contents[1].Role != "model" {
		t.Fatalf("unexpected roles: %q, %q", req.Contents[0].Role, req.Contents[1].Role)
	}
	if req.GenerationConfig == nil || *req.GenerationConfig.Temperature != 0.5 || *req.GenerationConfig.MaxOutputTokens != 100 {
		t.Fatalf("unexpected generation config: %+v", req.GenerationConfig)
	}
}

func TestFromOpenAIRejectsEmptyMessages(t *testing.T) {
	_, _, _, err := FromOpenAI(map[string]any{"model": "gpt-4o", "messages": []any{}})
	if err == nil {
		t.Fatal("expected an error for empty messages")
	}
}

func TestFromOpenAIPrefersMaxCompletionTokensFallback(t *testing.T) {
	body := map[string]any{
		"model":                 "gpt-4o",
		"messages":              []any{map[string]any{"role": "user", "content": "hi"}},
		"max_completion_tokens": float64(50),
	}
	req, _, _, err := FromOpenAI(body)
	if err != nil {
		t.Fatalf("FromOpenAI: %v", err)
	}
	if req.GenerationConfig == nil || *req.GenerationConfig.MaxOutputTokens != 50 {
		t.Fatalf("expected max_completion_tokens fallback to populate MaxOutputTokens, got %+v", req.GenerationConfig)
	}
}

func TestFromOpenAIClampsMaxTokensToCeiling(t *testing.T) {
	body := map[string]any{
		"model":      "gpt-4o",
		"messages":   []any{map[string]any{"role": "user", "content": "hi"}},
		"max_tokens": float64(999999),
	}
	req, _, _, err := FromOpenAI(body)
	if err != nil {
		t.Fatalf("FromOpenAI: %v", err)
	}
	if *req.GenerationConfig.MaxOutputTokens != maxOutputTokensClamp {
		t.Fatalf("expected clamp to %d, got %d", maxOutputTokensClamp, *req.GenerationConfig.MaxOutputTokens)
	}
}

func TestFromOpenAIToolsAreFiltered(t *testing.T) {
	body := map[string]any{
		"model":    "gpt-4o",
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
		"tools": []any{
			map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        "get_weather",
					"description": "fetch weather",
					"parameters": map[string]any{
						"type":                 "object",
						"additionalProperties": false,
						"properties": map[string]any{
							"city": map[string]any{"type": "string", "title": "City"},
						},
					},
				},
			},
		},
		"tool_choice": "required",
	}
	req, _, _, err := FromOpenAI(body)
	if err != nil {
		t.Fatalf("FromOpenAI: %v", err)
	}
	if len(req.Tools) != 1 || len(req.Tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("expected exactly one function declaration, got %+v", req.Tools)
	}
	decl := req.Tools[0].FunctionDeclarations[0]
	params, ok := decl.Parameters.(map[string]any)
	if !ok {
		t.Fatalf("expected filtered parameters to be a map, got %T", decl.Parameters)
	}
	if _, present := params["additionalProperties"]; present {
		t.Fatal("additionalProperties must be stripped by FilterSchema")
	}
	props, ok := params["properties"].(map[string]any)
	if !ok {
		t.Fatalf("expected properties to survive filtering, got %+v", params)
	}
	city, ok := props["city"].(map[string]any)
	if !ok {
		t.Fatalf("expected city property to survive, got %+v", props)
	}
	if _, present := city["title"]; present {
		t.Fatal("title must be stripped from a nested property schema")
	}
	if req.ToolConfig == nil || req.ToolConfig.FunctionCallingConfig.Mode != "ANY" {
		t.Fatalf("tool_choice=required should map to mode ANY, got %+v", req.ToolConfig)
	}
}

func TestFromOpenAIToolChoiceSpecificFunction(t *testing.T) {
	choice := map[string]any{"type": "function", "function": map[string]any{"name": "get_weather"}}
	tc := mapOpenAIToolChoice(choice)
	if tc == nil || tc.FunctionCallingConfig.Mode != "ANY" || len(tc.FunctionCallingConfig.AllowedFunctionNames) != 1 {
		t.Fatalf("unexpected tool choice mapping: %+v", tc)
	}
	if tc.FunctionCallingConfig.AllowedFunctionNames[0] != "get_weather" {
		t.Fatalf("expected allowed function name get_weather, got %v", tc.FunctionCallingConfig.AllowedFunctionNames)
	}
}

func TestToOpenAINonStreamText(t *testing.T) {
	upstream := `{"response":{"candidates":[{"content":{"parts":[{"text":"hi there"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5}}}`
	out, err := ToOpenAINonStream("gpt-4o", []byte(upstream))
	if err != nil {
		t.Fatalf("ToOpenAINonStream: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	choices := decoded["choices"].([]any)
	msg := choices[0].(map[string]any)["message"].(map[string]any)
	if msg["content"] != "hi there" {
		t.Fatalf("expected content 'hi there', got %v", msg["content"])
	}
	if choices[0].(map[string]any)["finish_reason"] != "stop" {
		t.Fatalf("expected finish_reason stop, got %v", choices[0].(map[string]any)["finish_reason"])
	}
}

func TestToOpenAINonStreamToolCalls(t *testing.T) {
	upstream := `{"candidates":[{"content":{"parts":[{"functionCall":{"name":"get_weather","args":{"city":"ny"}}}]}}]}`
	out, err := ToOpenAINonStream("gpt-4o", []byte(upstream))
	if err != nil {
		t.Fatalf("ToOpenAINonStream: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	choices := decoded["choices"].([]any)
	msg := choices[0].(map[string]any)["message"].(map[string]any)
	if msg["content"] != nil {
		t.Fatalf("expected content to be nil when there are tool calls, got %v", msg["content"])
	}
	calls, ok := msg["tool_calls"].([]any)
	if !ok || len(calls) != 1 {
		t.Fatalf("expected exactly one tool call, got %+v", msg["tool_calls"])
	}
	if choices[0].(map[string]any)["finish_reason"] != "tool_calls" {
		t.Fatalf("expected finish_reason tool_calls, got %v", choices[0].(map[string]any)["finish_reason"])
	}
}

func TestTextOfHandlesUndefinedSentinel(t *testing.T) {
	if got := textOf(undefinedSentinel); got != "" {
		t.Fatalf("expected the undefined sentinel to normalize to empty string, got %q", got)
	}
}

func TestTextOfJoinsMultiPartContent(t *testing.T) {
	parts := []any{
		map[string]any{"type": "text", "text": "a"},
		map[string]any{"type": "image_url", "image_url": "ignored"},
		map[string]any{"type": "text", "text": "b"},
	}
	if got := textOf(parts); got != "ab" {
		t.Fatalf("expected non-text parts dropped and text concatenated, got %q", got)
	}
}
