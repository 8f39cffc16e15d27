package translate

import (
	"encoding/json"
	"fmt"
)

// AnthropicStreamer emits the native Anthropic SSE event sequence
// from upstream frames: message_start, ping,
// content_block_start/delta/stop per block, message_delta, message_stop.
type AnthropicStreamer struct {
	id         string
	model      string
	blockIndex int
	openBlock  string // "" | "text" | "tool_use"
	anyToolUse bool
	started    bool
}

func NewAnthropicStreamer(model string) *AnthropicStreamer {
	return &AnthropicStreamer{id: "msg_" + shortID(), model: model}
}

// Start returns the message_start + ping preamble, emitted once before
// any upstream frame is processed.
func (s *AnthropicStreamer) Start() []string {
	s.started = true
	messageStart := map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id": s.id, "type": "message", "role": "assistant", "model": s.model,
			"content": []any{}, "usage": map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	}
	return []string{sseEvent("message_start", messageStart), sseEvent("ping", map[string]any{"type": "ping"})}
}

// HandleFrame takes one unwrapped upstream "data: ..." payload.
func (s *AnthropicStreamer) HandleFrame(payload []byte) ([]string, error) {
	unwrapped, err := unwrapUpstream(payload)
	if err != nil {
		return nil, err
	}
	if len(unwrapped.Candidates) == 0 {
		return nil, nil
	}
	cand := unwrapped.Candidates[0]

	var events []string
	for _, p := range cand.Content.Parts {
		if p.Text != "" {
			events = append(events, s.emitText(p.Text)...)
		}
		if p.FunctionCall != nil {
			events = append(events, s.emitToolUse(*p.FunctionCall)...)
		}
	}

	if cand.FinishReason != "" {
		events = append(events, s.closeOpenBlock()...)
		stopReason := "end_turn"
		if s.anyToolUse {
			stopReason = "tool_use"
		}
		events = append(events, sseEvent("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": stopReason},
		}))
		events = append(events, sseEvent("message_stop", map[string]any{"type": "message_stop"}))
	}

	return events, nil
}

func (s *AnthropicStreamer) emitText(text string) []string {
	var events []string
	if s.openBlock != "text" {
		events = append(events, s.closeOpenBlock()...)
		events = append(events, sseEvent("content_block_start", map[string]any{
			"type": "content_block_start", "index": s.blockIndex,
			"content_block": map[string]any{"type": "text", "text": ""},
		}))
		s.openBlock = "text"
	}
	events = append(events, sseEvent("content_block_delta", map[string]any{
		"type": "content_block_delta", "index": s.blockIndex,
		"delta": map[string]any{"type": "text_delta", "text": text},
	}))
	return events
}

func (s *AnthropicStreamer) emitToolUse(fc FunctionCall) []string {
	events := s.closeOpenBlock()
	events = append(events, sseEvent("content_block_start", map[string]any{
		"type": "content_block_start", "index": s.blockIndex,
		"content_block": map[string]any{"type": "tool_use", "id": "toolu_" + shortID(), "name": fc.Name, "input": map[string]any{}},
	}))
	args, _ := json.Marshal(fc.Args)
	events = append(events, sseEvent("content_block_delta", map[string]any{
		"type": "content_block_delta", "index": s.blockIndex,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": string(args)},
	}))
	s.openBlock = "tool_use"
	s.anyToolUse = true
	events = append(events, s.closeOpenBlock()...)
	return events
}

func (s *AnthropicStreamer) closeOpenBlock() []string {
	if s.openBlock == "" {
		return nil
	}
	idx := s.blockIndex
	s.blockIndex++
	s.openBlock = ""
	return []string{sseEvent("content_block_stop", map[string]any{"type": "content_block_stop", "index": idx})}
}

func sseEvent(eventType string, payload any) string {
	data, _ := json.Marshal(payload)
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}
