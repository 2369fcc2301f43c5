package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ccmux/ccm/internal/models"
	"github.com/ccmux/ccm/internal/provider"
)

// chatRequest is an OpenAI Chat Completions request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// chatMessage content is either a string or a parts array.
type chatMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatToolSpec `json:"function"`
}

type chatToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// chatResponse is the subset of a Chat Completions reply the gateway reads.
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   json.RawMessage `json:"content"`
			Reasoning string          `json:"reasoning"`
			ToolCalls []chatToolCall  `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// buildChatRequest translates an Anthropic request into the Chat
// Completions schema.
func buildChatRequest(req *models.Request) *chatRequest {
	out := &chatRequest{
		Model:       req.Model,
		Messages:    translateMessages(req),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}
	for _, tool := range req.Tools {
		// server-side Anthropic tools (web search) have no OpenAI form
		if tool.IsWebSearch() {
			continue
		}
		out.Tools = append(out.Tools, chatTool{
			Type: "function",
			Function: chatToolSpec{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	return out
}

// translateMessages flattens Anthropic messages into the OpenAI shape.
// Tool results become separate role:tool messages emitted before the
// message that carried them, since OpenAI requires tool replies to precede
// the turn that references them.
func translateMessages(req *models.Request) []chatMessage {
	var out []chatMessage
	if text := req.System.JoinedText(); text != "" {
		out = append(out, chatMessage{Role: "system", Content: text})
	}

	for _, msg := range req.Messages {
		if msg.Content.Text != nil {
			out = append(out, chatMessage{Role: msg.Role, Content: *msg.Content.Text})
			continue
		}

		var parts []contentPart
		var toolCalls []chatToolCall
		for _, block := range msg.Content.Blocks {
			switch block.Type {
			case "text":
				parts = append(parts, contentPart{Type: "text", Text: block.Text})
			case "image":
				if url := imageDataURL(block.Source); url != "" {
					parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: url}})
				}
			case "tool_use":
				toolCalls = append(toolCalls, chatToolCall{
					ID:   block.ID,
					Type: "function",
					Function: chatFunction{
						Name:      block.Name,
						Arguments: toolArguments(block.Input),
					},
				})
			case "tool_result":
				out = append(out, chatMessage{
					Role:       "tool",
					ToolCallID: block.ToolUseID,
					Content:    block.Content.Flatten(),
				})
			}
			// thinking blocks have no OpenAI equivalent and are dropped
		}

		if len(parts) == 0 && len(toolCalls) == 0 {
			continue
		}
		main := chatMessage{Role: msg.Role, ToolCalls: toolCalls}
		switch {
		case len(parts) == 1 && parts[0].Type == "text":
			main.Content = parts[0].Text
		case len(parts) > 0:
			main.Content = parts
		}
		out = append(out, main)
	}
	return out
}

func imageDataURL(src *models.ImageSource) string {
	if src == nil {
		return ""
	}
	switch src.Type {
	case "base64":
		return fmt.Sprintf("data:%s;base64,%s", src.MediaType, src.Data)
	case "url":
		return src.URL
	default:
		return ""
	}
}

func toolArguments(input json.RawMessage) string {
	if len(input) == 0 {
		return "{}"
	}
	return string(input)
}

// parseChatResponse translates a Chat Completions reply back into the
// Anthropic schema.
func parseChatResponse(body []byte, providerName string) (*models.Response, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, provider.SerializationError(fmt.Errorf("openai: parse %s response: %w", providerName, err))
	}
	if len(resp.Choices) == 0 {
		return nil, provider.APIError(502, fmt.Sprintf("%s returned no choices", providerName))
	}
	choice := resp.Choices[0]

	text := contentText(choice.Message.Content)
	if text == "" {
		// reasoning models surface chain-of-thought here instead
		text = choice.Message.Reasoning
	}

	var blocks []models.ContentBlock
	if text != "" {
		blocks = append(blocks, models.ContentBlock{Type: "text", Text: text})
	}
	for _, call := range choice.Message.ToolCalls {
		blocks = append(blocks, models.ContentBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: parseToolInput(call.Function.Arguments),
		})
	}

	stopReason := mapFinishReason(choice.FinishReason)
	return &models.Response{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Content:    blocks,
		Model:      resp.Model,
		StopReason: &stopReason,
		Usage: models.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// contentText extracts text from a message content field that is either a
// JSON string or an array of typed parts.
func contentText(raw json.RawMessage) string {
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
	var parts []contentPart
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

func parseToolInput(arguments string) json.RawMessage {
	if json.Valid([]byte(arguments)) && strings.TrimSpace(arguments) != "" {
		return json.RawMessage(arguments)
	}
	return json.RawMessage("{}")
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
