package models

import (
	"encoding/json"
	"strings"
)

// Request represents an Anthropic /v1/messages payload.
type Request struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        *SystemPrompt   `json:"system,omitempty"`
	Tools         []ToolDef       `json:"tools,omitempty"`
	MaxTokens     int             `json:"max_tokens"`
	Stream        bool            `json:"stream,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Thinking      *Thinking       `json:"thinking,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// Thinking controls extended-thinking mode.
type Thinking struct {
	Type         string `json:"type"`
	BudgetTokens *int   `json:"budget_tokens,omitempty"`
}

// Enabled reports whether extended thinking was requested.
func (t *Thinking) Enabled() bool {
	return t != nil && t.Type == "enabled"
}

// Message represents one conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent supports string or array-of-blocks shapes. The original
// shape is preserved on re-serialization.
type MessageContent struct {
	Text   *string
	Blocks []ContentBlock
}

// SystemPrompt supports string or array-of-blocks shapes.
type SystemPrompt struct {
	Text   *string
	Blocks []SystemBlock
}

// SystemBlock is one entry of a block-form system prompt.
type SystemBlock struct {
	Type         string          `json:"type"`
	Text         string          `json:"text"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

// CountTokensRequest mirrors /v1/messages/count_tokens input.
type CountTokensRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	System   *SystemPrompt `json:"system,omitempty"`
	Tools    []ToolDef     `json:"tools,omitempty"`
	Thinking *Thinking     `json:"thinking,omitempty"`
}

// CountTokensResponse is the count_tokens reply.
type CountTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

// Usage carries token accounting on responses.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Response is an Anthropic message response.
type Response struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// ImageSource is the source object of an image block.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ContentBlock is a tagged content variant. Known types are text, image,
// tool_use and tool_result; thinking blocks and any unrecognized type keep
// their raw JSON and are re-serialized verbatim.
type ContentBlock struct {
	Type string

	// text
	Text         string
	CacheControl json.RawMessage

	// image
	Source *ImageSource

	// tool_use
	ID    string
	Name  string
	Input json.RawMessage

	// tool_result
	ToolUseID string
	IsError   *bool
	Content   *ToolResultContent

	// thinking and unknown types: the block as received
	Raw json.RawMessage
}

// ToolResultContent supports string or array-of-blocks tool_result payloads.
type ToolResultContent struct {
	Text   *string
	Blocks []ContentBlock
}

// ToolDef is one entry of the request tools array. The raw definition is
// retained so provider-specific fields survive passthrough.
type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Type        string

	raw json.RawMessage
}

// IsWebSearch reports whether the tool is an Anthropic server-side web
// search tool.
func (t ToolDef) IsWebSearch() bool {
	return strings.HasPrefix(t.Type, "web_search")
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Text != nil {
		return json.Marshal(*c.Text)
	}
	if c.Blocks == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.Blocks)
}

func (c *MessageContent) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		c.Text = &s
		c.Blocks = nil
		return nil
	}
	var arr []ContentBlock
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	c.Text = nil
	c.Blocks = arr
	return nil
}

// AsBlocks returns the content as a block list, wrapping string content in
// a single text block.
func (c MessageContent) AsBlocks() []ContentBlock {
	if c.Text != nil {
		return []ContentBlock{{Type: "text", Text: *c.Text}}
	}
	return c.Blocks
}

// SetBlocks replaces the content with an explicit block list.
func (c *MessageContent) SetBlocks(blocks []ContentBlock) {
	c.Text = nil
	c.Blocks = blocks
}

// IsEmpty reports whether the content carries no text and no blocks.
func (c MessageContent) IsEmpty() bool {
	if c.Text != nil {
		return *c.Text == ""
	}
	return len(c.Blocks) == 0
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.Text != nil {
		return json.Marshal(*s.Text)
	}
	return json.Marshal(s.Blocks)
}

func (s *SystemPrompt) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, "\"") {
		var text string
		if err := json.Unmarshal(b, &text); err != nil {
			return err
		}
		s.Text = &text
		s.Blocks = nil
		return nil
	}
	var arr []SystemBlock
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	s.Text = nil
	s.Blocks = arr
	return nil
}

// JoinedText flattens the system prompt to plain text.
func (s *SystemPrompt) JoinedText() string {
	if s == nil {
		return ""
	}
	if s.Text != nil {
		return *s.Text
	}
	var parts []string
	for _, block := range s.Blocks {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func (c ToolResultContent) MarshalJSON() ([]byte, error) {
	if c.Text != nil {
		return json.Marshal(*c.Text)
	}
	if c.Blocks == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.Blocks)
}

func (c *ToolResultContent) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		c.Text = &s
		return nil
	}
	var arr []ContentBlock
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	c.Blocks = arr
	return nil
}

// Flatten returns the tool result as plain text, concatenating nested text
// blocks in order.
func (c *ToolResultContent) Flatten() string {
	if c == nil {
		return ""
	}
	if c.Text != nil {
		return *c.Text
	}
	var b strings.Builder
	for _, block := range c.Blocks {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

type textBlockJSON struct {
	Type         string          `json:"type"`
	Text         string          `json:"text"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

type imageBlockJSON struct {
	Type   string       `json:"type"`
	Source *ImageSource `json:"source"`
}

type toolUseBlockJSON struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type toolResultBlockJSON struct {
	Type         string             `json:"type"`
	ToolUseID    string             `json:"tool_use_id"`
	Content      *ToolResultContent `json:"content,omitempty"`
	IsError      *bool              `json:"is_error,omitempty"`
	CacheControl json.RawMessage    `json:"cache_control,omitempty"`
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case "text":
		return json.Marshal(textBlockJSON{Type: b.Type, Text: b.Text, CacheControl: b.CacheControl})
	case "image":
		return json.Marshal(imageBlockJSON{Type: b.Type, Source: b.Source})
	case "tool_use":
		input := b.Input
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		return json.Marshal(toolUseBlockJSON{Type: b.Type, ID: b.ID, Name: b.Name, Input: input})
	case "tool_result":
		return json.Marshal(toolResultBlockJSON{Type: b.Type, ToolUseID: b.ToolUseID, Content: b.Content, IsError: b.IsError, CacheControl: b.CacheControl})
	default:
		if len(b.Raw) > 0 {
			return b.Raw, nil
		}
		return json.Marshal(map[string]string{"type": b.Type})
	}
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	b.Type = tag.Type
	switch tag.Type {
	case "text":
		var t textBlockJSON
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		b.Text = t.Text
		b.CacheControl = t.CacheControl
	case "image":
		var i imageBlockJSON
		if err := json.Unmarshal(data, &i); err != nil {
			return err
		}
		b.Source = i.Source
	case "tool_use":
		var t toolUseBlockJSON
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		b.ID = t.ID
		b.Name = t.Name
		b.Input = t.Input
	case "tool_result":
		var t toolResultBlockJSON
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		b.ToolUseID = t.ToolUseID
		b.Content = t.Content
		b.IsError = t.IsError
		b.CacheControl = t.CacheControl
	default:
		// thinking, redacted_thinking and anything newer pass through as-is
		b.Raw = append(json.RawMessage(nil), data...)
	}
	return nil
}

// ThinkingSignature extracts the signature field of a thinking block, if any.
func (b ContentBlock) ThinkingSignature() string {
	if b.Type != "thinking" || len(b.Raw) == 0 {
		return ""
	}
	var t struct {
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(b.Raw, &t); err != nil {
		return ""
	}
	return t.Signature
}

// ThinkingText extracts the thinking field of a thinking block, if any.
func (b ContentBlock) ThinkingText() string {
	if b.Type != "thinking" || len(b.Raw) == 0 {
		return ""
	}
	var t struct {
		Thinking string `json:"thinking"`
	}
	if err := json.Unmarshal(b.Raw, &t); err != nil {
		return ""
	}
	return t.Thinking
}

func (t ToolDef) MarshalJSON() ([]byte, error) {
	if len(t.raw) > 0 {
		return t.raw, nil
	}
	out := map[string]any{"name": t.Name}
	if t.Description != "" {
		out["description"] = t.Description
	}
	if len(t.InputSchema) > 0 {
		out["input_schema"] = t.InputSchema
	}
	if t.Type != "" {
		out["type"] = t.Type
	}
	return json.Marshal(out)
}

func (t *ToolDef) UnmarshalJSON(data []byte) error {
	var fields struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"input_schema"`
		Type        string          `json:"type"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	t.Name = fields.Name
	t.Description = fields.Description
	t.InputSchema = fields.InputSchema
	t.Type = fields.Type
	t.raw = append(json.RawMessage(nil), data...)
	return nil
}

// HasToolUse reports whether the message contains a tool_use block.
func (m Message) HasToolUse() bool {
	for _, block := range m.Content.Blocks {
		if block.Type == "tool_use" {
			return true
		}
	}
	return false
}

// HasToolResult reports whether the message contains a tool_result block.
func (m Message) HasToolResult() bool {
	for _, block := range m.Content.Blocks {
		if block.Type == "tool_result" {
			return true
		}
	}
	return false
}

// HasText reports whether the message carries non-empty text content.
func (m Message) HasText() bool {
	if m.Content.Text != nil {
		return strings.TrimSpace(*m.Content.Text) != ""
	}
	for _, block := range m.Content.Blocks {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			return true
		}
	}
	return false
}

// Clone returns a deep copy suitable for per-binding mutation.
func (r *Request) Clone() *Request {
	data, err := json.Marshal(r)
	if err != nil {
		cp := *r
		return &cp
	}
	var out Request
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *r
		return &cp
	}
	return &out
}
