package router

import (
	"log"
	"regexp"
	"strings"

	"github.com/ccmux/ccm/internal/config"
	"github.com/ccmux/ccm/internal/models"
)

const (
	defaultAutoMapPattern    = `^claude-`
	defaultBackgroundPattern = `(?i)claude.*haiku`
)

// RouteType classifies how a request was routed.
type RouteType int

const (
	Default RouteType = iota
	Background
	Think
	WebSearch
	PromptRule
)

func (t RouteType) String() string {
	switch t {
	case Background:
		return "background"
	case Think:
		return "think"
	case WebSearch:
		return "web-search"
	case PromptRule:
		return "prompt-rule"
	default:
		return "default"
	}
}

// Decision is the outcome of routing one request.
type Decision struct {
	ModelName     string
	RouteType     RouteType
	MatchedPrompt string
}

type compiledRule struct {
	regex      *regexp.Regexp
	model      string
	stripMatch bool
	isDynamic  bool
}

// Router selects a logical model for each request based on request shape.
type Router struct {
	cfg             config.AppConfig
	autoMapRegex    *regexp.Regexp
	backgroundRegex *regexp.Regexp
	promptRules     []compiledRule
}

var (
	captureRefRe     = regexp.MustCompile(`\$(?:\d+|[a-zA-Z_]\w*|\{[^}]+\})`)
	subagentTagRe    = regexp.MustCompile(`<CCM-SUBAGENT-MODEL>(.*?)</CCM-SUBAGENT-MODEL>`)
	systemReminderRe = regexp.MustCompile(`(?s)<system-reminder>.*?</system-reminder>`)
)

// New compiles all routing patterns. Bad patterns are logged and replaced by
// the built-in default (auto-map, background) or skipped (prompt rules);
// construction never fails.
func New(cfg config.AppConfig) *Router {
	r := &Router{cfg: cfg}
	r.autoMapRegex = compileOrFallback(cfg.Router.AutoMapRegex, defaultAutoMapPattern, "auto_map_regex")
	r.backgroundRegex = compileOrFallback(cfg.Router.BackgroundRegex, defaultBackgroundPattern, "background_regex")
	for _, rule := range cfg.Router.PromptRules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			log.Printf("[ccm/router] invalid prompt_rule pattern %q: %v, skipping", rule.Pattern, err)
			continue
		}
		r.promptRules = append(r.promptRules, compiledRule{
			regex:      re,
			model:      rule.Model,
			stripMatch: rule.StripMatch,
			isDynamic:  strings.Contains(rule.Model, "$") && captureRefRe.MatchString(rule.Model),
		})
	}
	if len(r.promptRules) > 0 {
		log.Printf("[ccm/router] loaded %d prompt routing rules", len(r.promptRules))
	}
	return r
}

func compileOrFallback(pattern, fallback, name string) *regexp.Regexp {
	if pattern == "" {
		return regexp.MustCompile(fallback)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		log.Printf("[ccm/router] invalid %s pattern %q: %v, falling back to %q", name, pattern, err, fallback)
		return regexp.MustCompile(fallback)
	}
	return re
}

// Route classifies the request and returns the chosen logical model.
// It may mutate the request: auto-mapped model name, stripped prompt-rule
// matches, and removed subagent tags.
//
// Priority order, first match wins: websearch tools, background model
// pattern (checked against the original model name), subagent tag, prompt
// rules, thinking mode, default.
func (r *Router) Route(request *models.Request) Decision {
	originalModel := request.Model

	if r.autoMapRegex.MatchString(request.Model) {
		request.Model = r.cfg.Router.Default
	}

	if r.cfg.Router.WebSearch != "" && hasWebSearchTool(request) {
		return Decision{ModelName: r.cfg.Router.WebSearch, RouteType: WebSearch}
	}

	// Background matches the pre-mapped name so cheap models stay cheap
	// even after auto-mapping collapses them to the default.
	if r.cfg.Router.Background != "" && r.backgroundRegex.MatchString(originalModel) {
		return Decision{ModelName: r.cfg.Router.Background, RouteType: Background}
	}

	if model, ok := r.extractSubagentModel(request); ok {
		return Decision{ModelName: model, RouteType: Default}
	}

	if model, matched, ok := r.matchPromptRule(request); ok {
		return Decision{ModelName: model, RouteType: PromptRule, MatchedPrompt: matched}
	}

	if r.cfg.Router.Think != "" && request.Thinking.Enabled() {
		return Decision{ModelName: r.cfg.Router.Think, RouteType: Think}
	}

	return Decision{ModelName: request.Model, RouteType: Default}
}

func hasWebSearchTool(request *models.Request) bool {
	for _, tool := range request.Tools {
		if tool.IsWebSearch() {
			return true
		}
	}
	return false
}

// extractSubagentModel looks for <CCM-SUBAGENT-MODEL>name</CCM-SUBAGENT-MODEL>
// in the second system block and removes the tag. The tag value is resolved
// against configured logical models case-insensitively; an unknown value is
// used verbatim as a provider model name.
func (r *Router) extractSubagentModel(request *models.Request) (string, bool) {
	if request.System == nil || len(request.System.Blocks) < 2 {
		return "", false
	}
	second := &request.System.Blocks[1]
	if !strings.Contains(second.Text, "<CCM-SUBAGENT-MODEL>") {
		return "", false
	}
	m := subagentTagRe.FindStringSubmatch(second.Text)
	if m == nil {
		return "", false
	}
	tagValue := m[1]
	second.Text = subagentTagRe.ReplaceAllString(second.Text, "")

	if name, ok := r.cfg.HasModelIgnoreCase(tagValue); ok {
		return name, true
	}
	log.Printf("[ccm/router] subagent tag %q not found in models config, using as direct provider model name", tagValue)
	return tagValue, true
}

func (r *Router) matchPromptRule(request *models.Request) (model, matched string, ok bool) {
	if len(r.promptRules) == 0 {
		return "", "", false
	}
	idx, content := turnStartingUserMessage(request)
	if idx < 0 {
		return "", "", false
	}
	for _, rule := range r.promptRules {
		loc := rule.regex.FindStringSubmatchIndex(content)
		if loc == nil {
			continue
		}
		matched = content[loc[0]:loc[1]]
		if rule.isDynamic {
			model = string(rule.regex.ExpandString(nil, rule.model, content, loc))
		} else {
			model = rule.model
		}
		if rule.stripMatch {
			stripFromMessage(&request.Messages[idx], rule.regex)
		}
		return model, matched, true
	}
	return "", "", false
}

// turnStartingUserMessage finds the first user message of the current turn:
// the first user message after the most recent assistant message that
// carries no tool_use block. Tool-call round-trips therefore keep the turn
// open, so directive phrases persist until a true user turn. Text inside
// <system-reminder> tags is excluded. If the current turn has no
// text-bearing user message, the last user message is used instead.
func turnStartingUserMessage(request *models.Request) (int, string) {
	turnStart := 0
	for i := len(request.Messages) - 1; i >= 0; i-- {
		msg := request.Messages[i]
		if msg.Role == "assistant" && !msg.HasToolUse() {
			turnStart = i + 1
			break
		}
	}
	for i := turnStart; i < len(request.Messages); i++ {
		if request.Messages[i].Role != "user" {
			continue
		}
		if text := visibleText(request.Messages[i]); strings.TrimSpace(text) != "" {
			return i, text
		}
	}
	for i := len(request.Messages) - 1; i >= 0; i-- {
		if request.Messages[i].Role != "user" {
			continue
		}
		if text := visibleText(request.Messages[i]); strings.TrimSpace(text) != "" {
			return i, text
		}
		return -1, ""
	}
	return -1, ""
}

func visibleText(msg models.Message) string {
	if msg.Content.Text != nil {
		return systemReminderRe.ReplaceAllString(*msg.Content.Text, "")
	}
	var parts []string
	for _, block := range msg.Content.Blocks {
		if block.Type != "text" {
			continue
		}
		text := systemReminderRe.ReplaceAllString(block.Text, "")
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

func stripFromMessage(msg *models.Message, re *regexp.Regexp) {
	if msg.Content.Text != nil {
		stripped := re.ReplaceAllString(*msg.Content.Text, "")
		msg.Content.Text = &stripped
		return
	}
	for i := range msg.Content.Blocks {
		if msg.Content.Blocks[i].Type == "text" {
			msg.Content.Blocks[i].Text = re.ReplaceAllString(msg.Content.Blocks[i].Text, "")
		}
	}
}
