package gemini

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/ccmux/ccm/internal/models"
	"github.com/ccmux/ccm/internal/provider"
	"github.com/ccmux/ccm/internal/provider/streaming"
)

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Tools             []toolsEntry      `json:"tools,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *inlineData       `json:"inlineData,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type functionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type toolsEntry struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// buildGenerateRequest translates an Anthropic request into the Gemini
// generateContent schema. Gemini names function results by function name
// rather than call id, so tool_use names are tracked by id while walking.
func buildGenerateRequest(req *models.Request) *generateRequest {
	out := &generateRequest{}
	if text := req.System.JoinedText(); text != "" {
		out.SystemInstruction = &content{Parts: []part{{Text: text}}}
	}

	toolNames := map[string]string{}
	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}

		var parts []part
		for _, block := range msg.Content.AsBlocks() {
			switch block.Type {
			case "text":
				if block.Text != "" {
					parts = append(parts, part{Text: block.Text})
				}
			case "image":
				if block.Source != nil && block.Source.Type == "base64" {
					parts = append(parts, part{InlineData: &inlineData{
						MimeType: block.Source.MediaType,
						Data:     block.Source.Data,
					}})
				}
			case "tool_use":
				toolNames[block.ID] = block.Name
				args := block.Input
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				parts = append(parts, part{FunctionCall: &functionCall{Name: block.Name, Args: args}})
			case "tool_result":
				name := toolNames[block.ToolUseID]
				if name == "" {
					name = block.ToolUseID
				}
				parts = append(parts, part{FunctionResponse: &functionResponse{
					Name:     name,
					Response: map[string]any{"result": block.Content.Flatten()},
				}})
			}
		}
		if len(parts) == 0 {
			continue
		}
		out.Contents = append(out.Contents, content{Role: role, Parts: parts})
	}

	var decls []functionDeclaration
	for _, tool := range req.Tools {
		if tool.IsWebSearch() {
			continue
		}
		decls = append(decls, functionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		})
	}
	if len(decls) > 0 {
		out.Tools = []toolsEntry{{FunctionDeclarations: decls}}
	}

	if req.MaxTokens > 0 || req.Temperature != nil || req.TopP != nil || req.TopK != nil || len(req.StopSequences) > 0 {
		out.GenerationConfig = &generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			TopK:            req.TopK,
			StopSequences:   req.StopSequences,
		}
	}
	return out
}

func parseGenerateResponse(raw []byte, model string) (*models.Response, error) {
	var resp generateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, provider.SerializationError(fmt.Errorf("gemini: parse response: %w", err))
	}
	if len(resp.Candidates) == 0 {
		return nil, provider.APIError(502, "gemini returned no candidates")
	}
	candidate := resp.Candidates[0]

	var blocks []models.ContentBlock
	hasToolUse := false
	for _, p := range candidate.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			hasToolUse = true
			args := p.FunctionCall.Args
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			blocks = append(blocks, models.ContentBlock{
				Type:  "tool_use",
				ID:    "toolu_" + uuid.NewString(),
				Name:  p.FunctionCall.Name,
				Input: args,
			})
		case p.Text != "":
			blocks = append(blocks, models.ContentBlock{Type: "text", Text: p.Text})
		}
	}

	stopReason := mapFinishReason(candidate.FinishReason, hasToolUse)
	return &models.Response{
		ID:         "msg_" + uuid.NewString(),
		Type:       "message",
		Role:       "assistant",
		Content:    blocks,
		Model:      model,
		StopReason: &stopReason,
		Usage: models.Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		},
	}, nil
}

func mapFinishReason(reason string, hasToolUse bool) string {
	if hasToolUse {
		return "tool_use"
	}
	switch reason {
	case "MAX_TOKENS":
		return "max_tokens"
	default:
		return "end_turn"
	}
}

// pipeStream rewrites a streamGenerateContent SSE body into Anthropic SSE
// events. Text deltas share block index 0; each functionCall part arrives
// complete in one chunk and gets its own block.
func pipeStream(upstream io.ReadCloser, model string) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		defer upstream.Close()
		s := &streamState{model: model, pw: pw}

		scanner := bufio.NewScanner(upstream)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSuffix(scanner.Text(), "\r")
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "" || data == "[DONE]" {
				continue
			}
			var chunk generateResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				log.Printf("[ccm/gemini] skipping unparseable chunk: %v", err)
				continue
			}
			s.handle(chunk)
		}
		s.finish()
		pw.CloseWithError(scanner.Err())
	}()
	return pr
}

type streamState struct {
	model string
	pw    *io.PipeWriter

	started      bool
	textOpen     bool
	nextIndex    int
	toolIndices  []int
	finishReason string
	outputTokens int
	inputTokens  int
	ended        bool
}

func (s *streamState) emit(event string, payload any) {
	_ = streaming.WriteEvent(s.pw, event, payload)
}

func (s *streamState) handle(chunk generateResponse) {
	if !s.started {
		s.started = true
		s.emit("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            "msg_" + uuid.NewString(),
				"type":          "message",
				"role":          "assistant",
				"content":       []any{},
				"model":         s.model,
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
			},
		})
	}
	if chunk.UsageMetadata.PromptTokenCount > 0 {
		s.inputTokens = chunk.UsageMetadata.PromptTokenCount
	}
	if chunk.UsageMetadata.CandidatesTokenCount > 0 {
		s.outputTokens = chunk.UsageMetadata.CandidatesTokenCount
	}
	for _, candidate := range chunk.Candidates {
		for _, p := range candidate.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				s.emitToolCall(p.FunctionCall)
			case p.Text != "":
				s.emitText(p.Text)
			}
		}
		if candidate.FinishReason != "" {
			s.finishReason = candidate.FinishReason
		}
	}
}

func (s *streamState) emitText(text string) {
	if !s.textOpen {
		s.emit("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]any{"type": "text", "text": ""},
		})
		s.textOpen = true
		if s.nextIndex < 1 {
			s.nextIndex = 1
		}
	}
	s.emit("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
}

func (s *streamState) emitToolCall(call *functionCall) {
	if s.textOpen {
		s.emit("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
		s.textOpen = false
	}
	if s.nextIndex < 1 {
		s.nextIndex = 1
	}
	index := s.nextIndex
	s.nextIndex++
	s.toolIndices = append(s.toolIndices, index)

	s.emit("content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": index,
		"content_block": map[string]any{
			"type":  "tool_use",
			"id":    "toolu_" + uuid.NewString(),
			"name":  call.Name,
			"input": map[string]any{},
		},
	})
	args := call.Args
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	s.emit("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": string(args)},
	})
	s.emit("content_block_stop", map[string]any{"type": "content_block_stop", "index": index})
}

func (s *streamState) finish() {
	if !s.started || s.ended {
		return
	}
	s.ended = true
	if s.textOpen {
		s.emit("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
		s.textOpen = false
	}
	stopReason := mapFinishReason(s.finishReason, len(s.toolIndices) > 0)
	s.emit("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
		"usage": map[string]int{"output_tokens": s.outputTokens},
	})
	s.emit("message_stop", map[string]any{"type": "message_stop"})
}
