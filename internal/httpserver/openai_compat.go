package httpserver

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ccmux/ccm/internal/models"
	"github.com/ccmux/ccm/internal/provider"
)

// chatCompletionsRequest is the inbound OpenAI-shaped payload.
type chatCompletionsRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content"`
		ToolCallID string          `json:"tool_call_id"`
	} `json:"messages"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature *float64 `json:"temperature"`
	TopP        *float64 `json:"top_p"`
	Stop        []string `json:"stop"`
	Stream      bool     `json:"stream"`
}

// handleChatCompletions accepts an OpenAI Chat Completions request,
// executes it through the normal Anthropic dispatch path and translates
// the response back. Streaming is not offered on this compatibility
// surface.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var in chatCompletionsRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("parse_error: %v", err))
		return
	}
	if in.Stream {
		writeError(w, http.StatusInternalServerError, "streaming is not supported on /v1/chat/completions, use /v1/messages")
		return
	}

	request := translateChatCompletions(in)
	requestedModel := in.Model
	state := s.holder.Snapshot()
	decision := state.Router.Route(request)

	bindings, err := resolveBindings(state, decision.ModelName, r.Header.Get("X-Provider"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	for _, binding := range bindings {
		adapter, ok := state.Registry.GetProvider(binding.Provider)
		if !ok {
			continue
		}
		upstream := request.Clone()
		upstream.Model = binding.ActualModel
		resp, err := adapter.SendMessage(r.Context(), upstream)
		if err != nil {
			if provider.IsClientError(err) {
				writeError(w, http.StatusBadGateway, err.Error())
				return
			}
			log.Printf("[ccm/server] chat completions via %s failed: %v", adapter.Name(), err)
			continue
		}
		writeJSON(w, http.StatusOK, chatCompletionFromResponse(resp, requestedModel))
		return
	}
	writeError(w, http.StatusBadGateway, fmt.Sprintf("all provider attempts for model %q failed", decision.ModelName))
}

func translateChatCompletions(in chatCompletionsRequest) *models.Request {
	out := &models.Request{
		Model:         in.Model,
		MaxTokens:     in.MaxTokens,
		Temperature:   in.Temperature,
		TopP:          in.TopP,
		StopSequences: in.Stop,
	}

	var systemParts []string
	for _, msg := range in.Messages {
		text := rawContentText(msg.Content)
		switch msg.Role {
		case "system":
			if text != "" {
				systemParts = append(systemParts, text)
			}
		case "tool":
			out.Messages = append(out.Messages, models.Message{
				Role: "user",
				Content: models.MessageContent{Blocks: []models.ContentBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   &models.ToolResultContent{Text: &text},
				}}},
			})
		default:
			content := text
			out.Messages = append(out.Messages, models.Message{
				Role:    msg.Role,
				Content: models.MessageContent{Text: &content},
			})
		}
	}
	if len(systemParts) > 0 {
		system := strings.Join(systemParts, "\n\n")
		out.System = &models.SystemPrompt{Text: &system}
	}
	return out
}

// rawContentText handles both string content and text-part arrays.
func rawContentText(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		return ""
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, part := range parts {
		if part.Type == "text" {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

func chatCompletionFromResponse(resp *models.Response, model string) map[string]any {
	var text strings.Builder
	var toolCalls []map[string]any
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := "{}"
			if len(block.Input) > 0 {
				args = string(block.Input)
			}
			toolCalls = append(toolCalls, map[string]any{
				"id":   block.ID,
				"type": "function",
				"function": map[string]any{
					"name":      block.Name,
					"arguments": args,
				},
			})
		}
	}

	message := map[string]any{"role": "assistant", "content": text.String()}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	finishReason := "stop"
	if resp.StopReason != nil {
		switch *resp.StopReason {
		case "max_tokens":
			finishReason = "length"
		case "tool_use":
			finishReason = "tool_calls"
		}
	}

	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	return map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": finishReason,
		}},
		"usage": map[string]int{
			"prompt_tokens":     resp.Usage.InputTokens,
			"completion_tokens": resp.Usage.OutputTokens,
			"total_tokens":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}
