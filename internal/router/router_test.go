package router

import (
	"encoding/json"
	"testing"

	"github.com/ccmux/ccm/internal/config"
	"github.com/ccmux/ccm/internal/models"
)

func baseConfig() config.AppConfig {
	return config.AppConfig{
		Router: config.RouterConfig{
			Default:    "def.m",
			Background: "bg.m",
			Think:      "th.m",
			WebSearch:  "ws.m",
		},
		Models: []config.ModelConfig{
			{Name: "def.m"},
			{Name: "sub.m"},
		},
	}
}

func userMessage(text string) models.Message {
	return models.Message{Role: "user", Content: models.MessageContent{Text: &text}}
}

func TestWebSearchWinsOverThink(t *testing.T) {
	r := New(baseConfig())
	req := &models.Request{
		Model:    "claude-opus-4",
		Thinking: &models.Thinking{Type: "enabled"},
		Messages: []models.Message{userMessage("search this")},
	}
	if err := json.Unmarshal([]byte(`[{"type":"web_search_20250305","name":"web_search"}]`), &req.Tools); err != nil {
		t.Fatalf("tools: %v", err)
	}
	d := r.Route(req)
	if d.RouteType != WebSearch || d.ModelName != "ws.m" {
		t.Fatalf("got %s/%s, want web-search/ws.m", d.RouteType, d.ModelName)
	}
}

func TestBackgroundUsesOriginalModelName(t *testing.T) {
	r := New(baseConfig())
	req := &models.Request{
		Model:    "claude-3-5-haiku-20241022",
		Messages: []models.Message{userMessage("quick task")},
	}
	d := r.Route(req)
	if d.RouteType != Background || d.ModelName != "bg.m" {
		t.Fatalf("got %s/%s, want background/bg.m", d.RouteType, d.ModelName)
	}
	// the auto-map pre-pass still rewrote the request model
	if req.Model != "def.m" {
		t.Fatalf("request model = %q, want def.m", req.Model)
	}
}

func TestDynamicPromptRuleExpandsAndStrips(t *testing.T) {
	cfg := baseConfig()
	cfg.Router.PromptRules = []config.PromptRule{
		{Pattern: `(?i)CCM-MODEL:([a-zA-Z0-9._-]+)`, Model: "$1", StripMatch: true},
	}
	r := New(cfg)
	req := &models.Request{
		Model:    "gpt-4o",
		Messages: []models.Message{userMessage("CCM-MODEL:deepseek-v3 write a function")},
	}
	d := r.Route(req)
	if d.RouteType != PromptRule || d.ModelName != "deepseek-v3" {
		t.Fatalf("got %s/%s, want prompt-rule/deepseek-v3", d.RouteType, d.ModelName)
	}
	if got := *req.Messages[0].Content.Text; got != " write a function" {
		t.Fatalf("stripped text = %q", got)
	}
}

func TestStaticPromptRule(t *testing.T) {
	cfg := baseConfig()
	cfg.Router.PromptRules = []config.PromptRule{
		{Pattern: "(?i)use the fast model", Model: "fast.m"},
	}
	r := New(cfg)
	req := &models.Request{Model: "gpt-4o", Messages: []models.Message{userMessage("please Use The Fast Model here")}}
	d := r.Route(req)
	if d.ModelName != "fast.m" || d.MatchedPrompt == "" {
		t.Fatalf("got %s matched=%q", d.ModelName, d.MatchedPrompt)
	}
	if got := *req.Messages[0].Content.Text; got != "please Use The Fast Model here" {
		t.Fatalf("text modified without strip_match: %q", got)
	}
}

func TestInvalidPromptRuleIsSkipped(t *testing.T) {
	cfg := baseConfig()
	cfg.Router.PromptRules = []config.PromptRule{
		{Pattern: "([unclosed", Model: "x"},
		{Pattern: "valid", Model: "v.m"},
	}
	r := New(cfg)
	req := &models.Request{Model: "gpt-4o", Messages: []models.Message{userMessage("valid text")}}
	if d := r.Route(req); d.ModelName != "v.m" {
		t.Fatalf("got %s, want v.m", d.ModelName)
	}
}

func TestSubagentTagResolvesAndStrips(t *testing.T) {
	r := New(baseConfig())
	req := &models.Request{
		Model: "gpt-4o",
		System: &models.SystemPrompt{Blocks: []models.SystemBlock{
			{Type: "text", Text: "main prompt"},
			{Type: "text", Text: "context <CCM-SUBAGENT-MODEL>SUB.M</CCM-SUBAGENT-MODEL> more"},
		}},
		Messages: []models.Message{userMessage("go")},
	}
	d := r.Route(req)
	if d.RouteType != Default || d.ModelName != "sub.m" {
		t.Fatalf("got %s/%s, want default/sub.m", d.RouteType, d.ModelName)
	}
	if got := req.System.Blocks[1].Text; got != "context  more" {
		t.Fatalf("tag not removed: %q", got)
	}
}

func TestSubagentTagUnknownModelUsedLiterally(t *testing.T) {
	r := New(baseConfig())
	req := &models.Request{
		Model: "gpt-4o",
		System: &models.SystemPrompt{Blocks: []models.SystemBlock{
			{Type: "text", Text: "main"},
			{Type: "text", Text: "<CCM-SUBAGENT-MODEL>provider/raw-model</CCM-SUBAGENT-MODEL>"},
		}},
		Messages: []models.Message{userMessage("go")},
	}
	if d := r.Route(req); d.ModelName != "provider/raw-model" {
		t.Fatalf("got %s", d.ModelName)
	}
}

func TestThinkRoute(t *testing.T) {
	r := New(baseConfig())
	req := &models.Request{
		Model:    "gpt-4o",
		Thinking: &models.Thinking{Type: "enabled"},
		Messages: []models.Message{userMessage("hard problem")},
	}
	if d := r.Route(req); d.RouteType != Think || d.ModelName != "th.m" {
		t.Fatalf("got %s/%s", d.RouteType, d.ModelName)
	}
}

func TestTurnStartingMessagePersistsAcrossToolRoundTrips(t *testing.T) {
	cfg := baseConfig()
	cfg.Router.PromptRules = []config.PromptRule{{Pattern: "directive-x", Model: "dir.m"}}
	r := New(cfg)

	result := "ok"
	assistantToolUse := models.Message{Role: "assistant", Content: models.MessageContent{Blocks: []models.ContentBlock{
		{Type: "tool_use", ID: "t1", Name: "run", Input: json.RawMessage(`{}`)},
	}}}
	toolResult := models.Message{Role: "user", Content: models.MessageContent{Blocks: []models.ContentBlock{
		{Type: "tool_result", ToolUseID: "t1", Content: &models.ToolResultContent{Text: &result}},
	}}}

	req := &models.Request{
		Model: "gpt-4o",
		Messages: []models.Message{
			userMessage("directive-x do the thing"),
			assistantToolUse,
			toolResult,
		},
	}
	if d := r.Route(req); d.ModelName != "dir.m" {
		t.Fatalf("directive lost across tool round-trip, got %s", d.ModelName)
	}

	// a plain assistant reply ends the turn, the directive no longer applies
	reply := "done"
	req2 := &models.Request{
		Model: "gpt-4o",
		Messages: []models.Message{
			userMessage("directive-x do the thing"),
			{Role: "assistant", Content: models.MessageContent{Text: &reply}},
			userMessage("now something else"),
		},
	}
	if d := r.Route(req2); d.ModelName == "dir.m" {
		t.Fatalf("directive applied past turn boundary")
	}
}

func TestSystemReminderTextExcluded(t *testing.T) {
	cfg := baseConfig()
	cfg.Router.PromptRules = []config.PromptRule{{Pattern: "secret-directive", Model: "dir.m"}}
	r := New(cfg)
	req := &models.Request{
		Model:    "gpt-4o",
		Messages: []models.Message{userMessage("<system-reminder>secret-directive</system-reminder> hello")},
	}
	if d := r.Route(req); d.ModelName == "dir.m" {
		t.Fatalf("reminder text should not match prompt rules")
	}
}

func TestDefaultRouteAutoMaps(t *testing.T) {
	r := New(baseConfig())
	req := &models.Request{Model: "claude-sonnet-4", Messages: []models.Message{userMessage("hi")}}
	d := r.Route(req)
	if d.RouteType != Default || d.ModelName != "def.m" {
		t.Fatalf("got %s/%s, want default/def.m", d.RouteType, d.ModelName)
	}
}
