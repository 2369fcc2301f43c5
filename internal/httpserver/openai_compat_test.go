package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ccmux/ccm/internal/config"
)

func TestTranslateChatCompletions(t *testing.T) {
	payload := `{
		"model": "main",
		"max_tokens": 64,
		"temperature": 0.5,
		"stop": ["END"],
		"messages": [
			{"role": "system", "content": "rule one"},
			{"role": "system", "content": [{"type": "text", "text": "rule two"}]},
			{"role": "user", "content": "what is the weather"},
			{"role": "assistant", "content": "let me check"},
			{"role": "tool", "tool_call_id": "call_1", "content": "sunny"}
		]
	}`
	var in chatCompletionsRequest
	if err := json.Unmarshal([]byte(payload), &in); err != nil {
		t.Fatalf("decode: %v", err)
	}

	out := translateChatCompletions(in)
	if out.Model != "main" || out.MaxTokens != 64 {
		t.Fatalf("model/max_tokens = %q/%d", out.Model, out.MaxTokens)
	}
	if out.Temperature == nil || *out.Temperature != 0.5 {
		t.Fatalf("temperature = %v", out.Temperature)
	}
	if len(out.StopSequences) != 1 || out.StopSequences[0] != "END" {
		t.Fatalf("stop sequences = %v", out.StopSequences)
	}
	if out.System == nil || out.System.Text == nil || *out.System.Text != "rule one\n\nrule two" {
		t.Fatalf("system = %+v", out.System)
	}

	if len(out.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(out.Messages))
	}
	if out.Messages[0].Role != "user" || *out.Messages[0].Content.Text != "what is the weather" {
		t.Fatalf("first message = %+v", out.Messages[0])
	}
	if out.Messages[1].Role != "assistant" {
		t.Fatalf("second message role = %q", out.Messages[1].Role)
	}
	toolMsg := out.Messages[2]
	if toolMsg.Role != "user" {
		t.Fatalf("tool message role = %q, want user", toolMsg.Role)
	}
	blocks := toolMsg.Content.Blocks
	if len(blocks) != 1 || blocks[0].Type != "tool_result" || blocks[0].ToolUseID != "call_1" {
		t.Fatalf("tool message blocks = %+v", blocks)
	}
	if blocks[0].Content == nil || blocks[0].Content.Text == nil || *blocks[0].Content.Text != "sunny" {
		t.Fatalf("tool result content = %+v", blocks[0].Content)
	}
}

func TestChatCompletionsRejectsStreaming(t *testing.T) {
	srv := testServer(t, gatewayConfig("http://127.0.0.1:0",
		config.ModelMapping{Priority: 1, Provider: "p1", ActualModel: "a"},
	))
	body := `{"model":"main","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "streaming is not supported") {
		t.Fatalf("body = %s", rec.Body)
	}
}

func TestChatCompletionsRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-9", "model": "upstream-model",
			"choices": [{"message": {"content": "", "tool_calls": [
				{"id": "call_1", "type": "function",
				 "function": {"name": "get_weather", "arguments": "{\"city\":\"Oslo\"}"}}
			]}, "finish_reason": "tool_calls"}],
			"usage": {"prompt_tokens": 7, "completion_tokens": 5}
		}`))
	}))
	defer upstream.Close()

	srv := testServer(t, gatewayConfig(upstream.URL,
		config.ModelMapping{Priority: 1, Provider: "p1", ActualModel: "upstream-model"},
	))
	body := `{"model":"main","max_tokens":32,"messages":[
		{"role":"system","content":"be brief"},
		{"role":"user","content":"weather in Oslo?"}
	]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var resp struct {
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			FinishReason string `json:"finish_reason"`
			Message      struct {
				Role      string `json:"role"`
				Content   string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Type     string `json:"type"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Object != "chat.completion" || resp.Model != "main" {
		t.Fatalf("object/model = %q/%q", resp.Object, resp.Model)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("choices = %d", len(resp.Choices))
	}
	choice := resp.Choices[0]
	if choice.FinishReason != "tool_calls" {
		t.Fatalf("finish_reason = %q", choice.FinishReason)
	}
	if len(choice.Message.ToolCalls) != 1 {
		t.Fatalf("tool_calls = %+v", choice.Message.ToolCalls)
	}
	call := choice.Message.ToolCalls[0]
	if call.ID != "call_1" || call.Type != "function" || call.Function.Name != "get_weather" {
		t.Fatalf("tool call = %+v", call)
	}
	if call.Function.Arguments != `{"city":"Oslo"}` {
		t.Fatalf("arguments = %s", call.Function.Arguments)
	}
	if resp.Usage.TotalTokens != 12 || resp.Usage.PromptTokens != 7 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}
