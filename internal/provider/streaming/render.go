package streaming

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/ccmux/ccm/internal/models"
)

// RenderResponse serializes a complete response as an Anthropic SSE stream.
// Backends that cannot stream incrementally (the Codex Responses API is
// consumed whole) still serve clients that asked for stream=true this way.
func RenderResponse(resp *models.Response) io.ReadCloser {
	var buf bytes.Buffer
	emit := func(event string, payload any) {
		// writes to a bytes.Buffer cannot fail
		_ = WriteEvent(&buf, event, payload)
	}

	emit("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            resp.ID,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         resp.Model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]int{
				"input_tokens":  resp.Usage.InputTokens,
				"output_tokens": 0,
			},
		},
	})

	for i, block := range resp.Content {
		switch block.Type {
		case "text":
			emit("content_block_start", map[string]any{
				"type":          "content_block_start",
				"index":         i,
				"content_block": map[string]any{"type": "text", "text": ""},
			})
			emit("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": i,
				"delta": map[string]any{"type": "text_delta", "text": block.Text},
			})
		case "tool_use":
			emit("content_block_start", map[string]any{
				"type":  "content_block_start",
				"index": i,
				"content_block": map[string]any{
					"type":  "tool_use",
					"id":    block.ID,
					"name":  block.Name,
					"input": map[string]any{},
				},
			})
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			emit("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": i,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": string(input)},
			})
		case "thinking":
			emit("content_block_start", map[string]any{
				"type":          "content_block_start",
				"index":         i,
				"content_block": map[string]any{"type": "thinking", "thinking": "", "signature": ""},
			})
			emit("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": i,
				"delta": map[string]any{"type": "thinking_delta", "thinking": block.ThinkingText()},
			})
		default:
			continue
		}
		emit("content_block_stop", map[string]any{"type": "content_block_stop", "index": i})
	}

	stopReason := "end_turn"
	if resp.StopReason != nil {
		stopReason = *resp.StopReason
	}
	emit("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
		"usage": map[string]int{"output_tokens": resp.Usage.OutputTokens},
	})
	emit("message_stop", map[string]any{"type": "message_stop"})

	return io.NopCloser(bytes.NewReader(buf.Bytes()))
}
