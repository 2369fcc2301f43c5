package streaming

import (
	"encoding/json"
	"io"
	"log"
	"strings"

	"github.com/google/uuid"
)

// chatChunk is the subset of an OpenAI Chat Completions stream chunk the
// transformer consumes.
type chatChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string          `json:"content"`
			Reasoning string          `json:"reasoning"`
			ToolCalls []toolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// EmitFunc receives each downstream Anthropic event.
type EmitFunc func(event string, payload any)

// Transformer rewrites OpenAI Chat Completions stream chunks into
// Anthropic SSE events. State carries across chunks within one stream: the
// text block always occupies index 0, tool blocks are assigned increasing
// indices as OpenAI tool indices first appear, and argument fragments are
// forwarded verbatim as input_json_delta for the client to reassemble.
type Transformer struct {
	model string
	emit  EmitFunc

	messageStarted bool
	textBlockOpen  bool
	toolBlocks     map[int]int
	toolOrder      []int
	nextBlockIndex int
	streamEnded    bool
}

// NewTransformer builds a transformer that reports the given model in
// message_start and emits events through emit.
func NewTransformer(model string, emit EmitFunc) *Transformer {
	return &Transformer{
		model:      model,
		emit:       emit,
		toolBlocks: make(map[int]int),
	}
}

// HandleData processes one upstream data payload. A payload of [DONE] is
// ignored; unparseable payloads are skipped.
func (t *Transformer) HandleData(data string) {
	data = strings.TrimSpace(data)
	if data == "" || data == "[DONE]" {
		return
	}
	var chunk chatChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		log.Printf("[ccm/stream] skipping unparseable chunk: %v", err)
		return
	}
	t.handleChunk(chunk)
}

func (t *Transformer) handleChunk(chunk chatChunk) {
	if !t.messageStarted {
		model := chunk.Model
		if model == "" {
			model = t.model
		}
		t.emit("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            "msg_" + uuid.NewString(),
				"type":          "message",
				"role":          "assistant",
				"content":       []any{},
				"model":         model,
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
			},
		})
		t.messageStarted = true
	}

	for _, choice := range chunk.Choices {
		text := choice.Delta.Content
		if text == "" {
			text = choice.Delta.Reasoning
		}
		if text != "" {
			t.emitText(text)
		}
		for _, tc := range choice.Delta.ToolCalls {
			t.emitToolCall(tc)
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			t.finish(*choice.FinishReason)
		}
	}
}

func (t *Transformer) emitText(text string) {
	if !t.textBlockOpen {
		t.emit("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]any{"type": "text", "text": ""},
		})
		t.textBlockOpen = true
		if t.nextBlockIndex < 1 {
			t.nextBlockIndex = 1
		}
	}
	t.emit("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
}

func (t *Transformer) emitToolCall(tc toolCallDelta) {
	if t.textBlockOpen {
		t.emit("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
		t.textBlockOpen = false
	}
	blockIndex, seen := t.toolBlocks[tc.Index]
	if !seen {
		// A new tool block needs both id and name; argument-only deltas
		// for unseen indices have nowhere to go and are dropped.
		if tc.ID == "" || tc.Function.Name == "" {
			return
		}
		if t.nextBlockIndex < 1 {
			t.nextBlockIndex = 1
		}
		blockIndex = t.nextBlockIndex
		t.nextBlockIndex++
		t.toolBlocks[tc.Index] = blockIndex
		t.toolOrder = append(t.toolOrder, blockIndex)
		t.emit("content_block_start", map[string]any{
			"type":  "content_block_start",
			"index": blockIndex,
			"content_block": map[string]any{
				"type":  "tool_use",
				"id":    tc.ID,
				"name":  tc.Function.Name,
				"input": map[string]any{},
			},
		})
	}
	if tc.Function.Arguments != "" {
		t.emit("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": blockIndex,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": tc.Function.Arguments},
		})
	}
}

func (t *Transformer) finish(finishReason string) {
	if t.streamEnded {
		return
	}
	t.streamEnded = true
	if t.textBlockOpen {
		t.emit("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
		t.textBlockOpen = false
	}
	for _, blockIndex := range t.toolOrder {
		t.emit("content_block_stop", map[string]any{"type": "content_block_stop", "index": blockIndex})
	}
	t.emit("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   mapFinishReason(finishReason),
			"stop_sequence": nil,
		},
		"usage": map[string]int{"output_tokens": 0},
	})
	t.emit("message_stop", map[string]any{"type": "message_stop"})
}

// Finish synthesizes the termination sequence when the upstream closed
// without a finish_reason. Providers that drop the connection after the
// last delta otherwise leave the client hanging.
func (t *Transformer) Finish() {
	if t.messageStarted && !t.streamEnded {
		t.finish("stop")
	}
}

func mapFinishReason(reason string) string {
	switch reason {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

// Pipe consumes an OpenAI SSE body and returns an Anthropic SSE body.
// Reading runs in a goroutine; closing the returned reader tears down the
// upstream body.
func Pipe(upstream io.ReadCloser, model string) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		defer upstream.Close()
		var failed bool
		transformer := NewTransformer(model, func(event string, payload any) {
			if failed {
				return
			}
			if err := WriteEvent(pw, event, payload); err != nil {
				failed = true
			}
		})
		err := scanLines(upstream, func(line string) error {
			if data, ok := strings.CutPrefix(line, "data:"); ok {
				transformer.HandleData(strings.TrimSpace(data))
			}
			return nil
		})
		transformer.Finish()
		pw.CloseWithError(err)
	}()
	return pr
}
