package translate

import (
	"encoding/json"
	"testing"
)

func TestFromAnthropicMapsSystemAndRoles(t *testing.T) {
	body := map[string]any{
		"model":      "claude-sonnet",
		"system":     "be terse",
		"max_tokens": float64(200),
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
			map[string]any{"role": "assistant", "content": "hello"},
		},
	}

	req, model, stream, err := FromAnthropic(body)
	if err != nil {
		t.Fatalf("FromAnthropic: %v", err)
	}
	if model != "claude-sonnet" || stream {
		t.Fatalf("model=%q stream=%v, want claude-sonnet/false", model, stream)
	}
	if req.SystemInstruction == nil || req.SystemInstruction.Parts[0].Text != "be terse" {
		t.Fatalf("expected system instruction, got %+v", req.SystemInstruction)
	}
	if len(req.Contents) != 2 || req.Contents[0].Role != "user" || req.Contents[1].Role != "model" {
		t.Fatalf("unexpected contents: %+v", req.Contents)
	}
	if *req.GenerationConfig.MaxOutputTokens != 200 {
		t.Fatalf("expected max_tokens 200, got %d", *req.GenerationConfig.MaxOutputTokens)
	}
}

func TestFromAnthropicRejectsEmptyMessages(t *testing.T) {
	_, _, _, err := FromAnthropic(map[string]any{"model": "claude-sonnet", "messages": []any{}})
	if err == nil {
		t.Fatal("expected an error for empty messages")
	}
}

func TestMapAnthropicMessagesDropsToolUseKeepsToolResult(t *testing.T) {
	messages := []any{
		map[string]any{
			"role": "assistant",
			"content": []any{
				map[string]any{"type": "text", "text": "let me check"},
				map[string]any{"type": "tool_use", "id": "tu_1", "name": "get_weather", "input": map[string]any{}},
			},
		},
		map[string]any{
			"role": "user",
			"content": []any{
				map[string]any{"type": "tool_result", "tool_use_id": "tu_1", "content": "sunny"},
			},
		},
	}
	contents := mapAnthropicMessages(messages)
	if len(contents) != 2 {
		t.Fatalf("expected 2 contents (assistant text + tool result), got %d: %+v", len(contents), contents)
	}
	if contents[0].Role != "model" || contents[0].Parts[0].Text != "let me check" {
		t.Fatalf("expected assistant text to survive, got %+v", contents[0])
	}
	if contents[1].Role != "user" || contents[1].Parts[0].Text != "sunny" {
		t.Fatalf("expected tool_result to become a user turn with its text, got %+v", contents[1])
	}
}

func TestAnthropicToolChoiceMapping(t *testing.T) {
	cases := []struct {
		choice   map[string]any
		wantMode string
		wantNil  bool
	}{
		{map[string]any{"type": "auto"}, "AUTO", false},
		{map[string]any{"type": "any"}, "ANY", false},
		{map[string]any{"type": "none"}, "NONE", false},
		{map[string]any{"type": "tool", "name": "get_weather"}, "ANY", false},
		{map[string]any{"type": "tool"}, "", true},
	}
	for _, c := range cases {
		tc := mapAnthropicToolChoice(c.choice)
		if c.wantNil {
			if tc != nil {
				t.Fatalf("choice %+v: expected nil, got %+v", c.choice, tc)
			}
			continue
		}
		if tc == nil || tc.FunctionCallingConfig.Mode != c.wantMode {
			t.Fatalf("choice %+v: expected mode %s, got %+v", c.choice, c.wantMode, tc)
		}
	}
}

func TestToAnthropicNonStreamTextAndToolUse(t *testing.T) {
	upstream := `{"candidates":[{"content":{"parts":[{"text":"sure"},{"functionCall":{"name":"get_weather","args":{"city":"ny"}}}]}}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":6}}`
	out, err := ToAnthropicNonStream("claude-sonnet", []byte(upstream))
	if err != nil {
		t.Fatalf("ToAnthropicNonStream: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if decoded["stop_reason"] != "tool_use" {
		t.Fatalf("expected stop_reason tool_use, got %v", decoded["stop_reason"])
	}
	blocks := decoded["content"].([]any)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 content blocks (text + tool_use), got %d", len(blocks))
	}
	if blocks[0].(map[string]any)["type"] != "text" || blocks[1].(map[string]any)["type"] != "tool_use" {
		t.Fatalf("unexpected block types: %+v", blocks)
	}
}

func TestToAnthropicNonStreamEndTurnWithoutToolUse(t *testing.T) {
	upstream := `{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}`
	out, err := ToAnthropicNonStream("claude-sonnet", []byte(upstream))
	if err != nil {
		t.Fatalf("ToAnthropicNonStream: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if decoded["stop_reason"] != "end_turn" {
		t.Fatalf("expected stop_reason end_turn, got %v", decoded["stop_reason"])
	}
}

func TestToolResultTextFallsBackToJSONForStructuredContent(t *testing.T) {
	got := toolResultText(map[string]any{"ok": true})
	var decoded map[string]any
	if err := json.Unmarshal([]byte(got), &decoded); err != nil {
		t.Fatalf("expected JSON fallback, got %q: %v", got, err)
	}
	if decoded["ok"] != true {
		t.Fatalf("expected ok=true to round-trip, got %+v", decoded)
	}
}
