package translate

import (
	"encoding/json"
	"fmt"
)

// OpenAIStreamer accumulates state across a SSE session's upstream
// frames and emits OpenAI-shaped chat.completion.chunk events.
type OpenAIStreamer struct {
	id          string
	model       string
	toolIndex   int
	anyToolCall bool
}

func NewOpenAIStreamer(model string) *OpenAIStreamer {
	return &OpenAIStreamer{id: "chatcmpl-" + shortID(), model: model}
}

// HandleFrame takes one upstream "data: ..." payload (already stripped
// of the "data: " prefix) and returns zero or more OpenAI SSE frames
// ("data: {...}\n\n" each) to forward to the client.
func (s *OpenAIStreamer) HandleFrame(payload []byte) ([]string, error) {
	unwrapped, err := unwrapUpstream(payload)
	if err != nil {
		return nil, err
	}
	if len(unwrapped.Candidates) == 0 {
		return nil, nil
	}
	cand := unwrapped.Candidates[0]

	var frames []string
	for _, p := range cand.Content.Parts {
		if p.Text != "" {
			frames = append(frames, s.chunk(map[string]any{"content": p.Text}, ""))
		}
		if p.FunctionCall != nil {
			s.anyToolCall = true
			args, _ := json.Marshal(p.FunctionCall.Args)
			delta := map[string]any{
				"tool_calls": []map[string]any{{
					"index": s.toolIndex,
					"id":    "call_" + shortID(),
					"type":  "function",
					"function": map[string]any{
						"name":      p.FunctionCall.Name,
						"arguments": string(args),
					},
				}},
			}
			s.toolIndex++
			frames = append(frames, s.chunk(delta, ""))
		}
	}

	if cand.FinishReason != "" {
		finish := "stop"
		if s.anyToolCall {
			finish = "tool_calls"
		}
		frames = append(frames, s.chunk(map[string]any{}, finish))
	}

	return frames, nil
}

// Done returns the terminal "data: [DONE]\n\n" frame.
func (s *OpenAIStreamer) Done() string { return "data: [DONE]\n\n" }

func (s *OpenAIStreamer) chunk(delta map[string]any, finishReason string) string {
	choice := map[string]any{"index": 0, "delta": delta}
	if finishReason != "" {
		choice["finish_reason"] = finishReason
	} else {
		choice["finish_reason"] = nil
	}
	chunk := map[string]any{
		"id":      s.id,
		"object":  "chat.completion.chunk",
		"model":   s.model,
		"choices": []map[string]any{choice},
	}
	data, _ := json.Marshal(chunk)
	return fmt.Sprintf("data: %s\n\n", data)
}
