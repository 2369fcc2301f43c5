package openai

import (
	"encoding/json"
	"testing"

	"github.com/ccmux/ccm/internal/models"
)

func requestFromJSON(t *testing.T, input string) *models.Request {
	t.Helper()
	var req models.Request
	if err := json.Unmarshal([]byte(input), &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	return &req
}

func TestToolResultsPrecedeCarryingMessage(t *testing.T) {
	req := requestFromJSON(t, `{
		"model": "m", "max_tokens": 100,
		"messages": [
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "t1", "content": "42"},
				{"type": "tool_result", "tool_use_id": "t2", "content": "hi"},
				{"type": "text", "text": "thanks"}
			]}
		]
	}`)
	msgs := translateMessages(req)
	if len(msgs) != 3 {
		t.Fatalf("got %d messages: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != "tool" || msgs[0].ToolCallID != "t1" || msgs[0].Content != "42" {
		t.Fatalf("msg 0: %+v", msgs[0])
	}
	if msgs[1].Role != "tool" || msgs[1].ToolCallID != "t2" || msgs[1].Content != "hi" {
		t.Fatalf("msg 1: %+v", msgs[1])
	}
	if msgs[2].Role != "user" || msgs[2].Content != "thanks" {
		t.Fatalf("msg 2: %+v", msgs[2])
	}
}

func TestSingleTextPartCollapsesToString(t *testing.T) {
	req := requestFromJSON(t, `{
		"model": "m", "max_tokens": 1,
		"messages": [{"role": "user", "content": [{"type": "text", "text": "just text"}]}]
	}`)
	msgs := translateMessages(req)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if s, ok := msgs[0].Content.(string); !ok || s != "just text" {
		t.Fatalf("content = %#v, want plain string", msgs[0].Content)
	}
}

func TestImageBecomesDataURL(t *testing.T) {
	req := requestFromJSON(t, `{
		"model": "m", "max_tokens": 1,
		"messages": [{"role": "user", "content": [
			{"type": "text", "text": "look"},
			{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "AAAA"}}
		]}]
	}`)
	msgs := translateMessages(req)
	parts, ok := msgs[0].Content.([]contentPart)
	if !ok || len(parts) != 2 {
		t.Fatalf("content = %#v", msgs[0].Content)
	}
	if parts[1].ImageURL == nil || parts[1].ImageURL.URL != "data:image/png;base64,AAAA" {
		t.Fatalf("image part = %+v", parts[1])
	}
}

func TestSystemPromptEmittedFirst(t *testing.T) {
	req := requestFromJSON(t, `{
		"model": "m", "max_tokens": 1,
		"system": [{"type": "text", "text": "rule one"}, {"type": "text", "text": "rule two"}],
		"messages": [{"role": "user", "content": "go"}]
	}`)
	msgs := translateMessages(req)
	if msgs[0].Role != "system" {
		t.Fatalf("first message role = %s", msgs[0].Role)
	}
	if s := msgs[0].Content.(string); s != "rule one\n\nrule two" {
		t.Fatalf("system content = %q", s)
	}
}

func TestThinkingOnlyMessageSkipped(t *testing.T) {
	req := requestFromJSON(t, `{
		"model": "m", "max_tokens": 1,
		"messages": [
			{"role": "assistant", "content": [{"type": "thinking", "thinking": "hmm", "signature": "s"}]},
			{"role": "user", "content": "next"}
		]
	}`)
	msgs := translateMessages(req)
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestBuildChatRequestSkipsWebSearchTool(t *testing.T) {
	req := requestFromJSON(t, `{
		"model": "m", "max_tokens": 50,
		"tools": [
			{"type": "web_search_20250305", "name": "web_search"},
			{"name": "get_weather", "description": "d", "input_schema": {"type": "object"}}
		],
		"messages": [{"role": "user", "content": "hi"}]
	}`)
	out := buildChatRequest(req)
	if len(out.Tools) != 1 {
		t.Fatalf("tools = %+v", out.Tools)
	}
	if out.Tools[0].Function.Name != "get_weather" {
		t.Fatalf("tool name = %s", out.Tools[0].Function.Name)
	}
	if out.MaxTokens != 50 {
		t.Fatalf("max_tokens = %d", out.MaxTokens)
	}
}

func TestParseChatResponseToolCalls(t *testing.T) {
	body := `{
		"id": "chatcmpl-1", "model": "gpt-4o",
		"choices": [{
			"message": {
				"content": null,
				"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "get_w", "arguments": "{\"loc\":\"SF\"}"}}]
			},
			"finish_reason": "tool_calls"
		}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5}
	}`
	resp, err := parseChatResponse([]byte(body), "test")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(resp.Content) != 1 || resp.Content[0].Type != "tool_use" {
		t.Fatalf("content = %+v", resp.Content)
	}
	if resp.Content[0].ID != "call_1" || resp.Content[0].Name != "get_w" {
		t.Fatalf("tool block = %+v", resp.Content[0])
	}
	if *resp.StopReason != "tool_use" {
		t.Fatalf("stop_reason = %s", *resp.StopReason)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}

func TestParseChatResponseReasoningFallback(t *testing.T) {
	body := `{
		"id": "x", "model": "m",
		"choices": [{"message": {"content": "", "reasoning": "the chain"}, "finish_reason": "stop"}],
		"usage": {}
	}`
	resp, err := parseChatResponse([]byte(body), "test")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "the chain" {
		t.Fatalf("content = %+v", resp.Content)
	}
	if *resp.StopReason != "end_turn" {
		t.Fatalf("stop_reason = %s", *resp.StopReason)
	}
}

func TestParseChatResponsePartsContent(t *testing.T) {
	body := `{
		"id": "x", "model": "m",
		"choices": [{"message": {"content": [{"type": "text", "text": "part a"}, {"type": "text", "text": " part b"}]}, "finish_reason": "length"}],
		"usage": {}
	}`
	resp, err := parseChatResponse([]byte(body), "test")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.Content[0].Text != "part a part b" {
		t.Fatalf("text = %q", resp.Content[0].Text)
	}
	if *resp.StopReason != "max_tokens" {
		t.Fatalf("stop_reason = %s", *resp.StopReason)
	}
}

func TestParseChatResponseNoChoices(t *testing.T) {
	if _, err := parseChatResponse([]byte(`{"choices":[]}`), "test"); err == nil {
		t.Fatalf("expected error for empty choices")
	}
}

func TestParseToolInput(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{``, `{}`},
		{`not json`, `{}`},
		{`   `, `{}`},
	}
	for _, tc := range cases {
		if got := string(parseToolInput(tc.in)); got != tc.want {
			t.Fatalf("parseToolInput(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
