// Package trace appends full request and response payloads to a JSONL
// file for debugging. One line per request, one per matching response or
// error, correlated by a short trace id.
package trace

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ccmux/ccm/internal/config"
	"github.com/ccmux/ccm/internal/models"
)

// Tracer writes trace lines. A disabled tracer is a valid no-op value.
type Tracer struct {
	omitSystemPrompt bool

	mu   sync.Mutex
	file *os.File
}

type requestTrace struct {
	TS        time.Time       `json:"ts"`
	Dir       string          `json:"dir"`
	ID        string          `json:"id"`
	Model     string          `json:"model"`
	Provider  string          `json:"provider"`
	RouteType string          `json:"route_type"`
	IsStream  bool            `json:"is_stream"`
	System    json.RawMessage `json:"system,omitempty"`
	Messages  json.RawMessage `json:"messages"`
}

type responseTrace struct {
	TS           time.Time       `json:"ts"`
	Dir          string          `json:"dir"`
	ID           string          `json:"id"`
	LatencyMS    int64           `json:"latency_ms"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	Content      json.RawMessage `json:"content"`
}

type errorTrace struct {
	TS    time.Time `json:"ts"`
	Dir   string    `json:"dir"`
	ID    string    `json:"id"`
	Error string    `json:"error"`
}

// New opens the trace sink described by cfg. Open failures disable
// tracing instead of failing startup.
func New(cfg config.TracingConfig) *Tracer {
	t := &Tracer{omitSystemPrompt: cfg.OmitSystemPrompt}
	if !cfg.Enabled {
		return t
	}
	path := expandTilde(cfg.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Printf("[ccm/trace] create trace directory: %v", err)
		return t
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[ccm/trace] open trace file: %v", err)
		return t
	}
	log.Printf("[ccm/trace] message tracing enabled: %s", path)
	t.file = file
	return t
}

// Enabled reports whether trace lines will be written.
func (t *Tracer) Enabled() bool {
	return t != nil && t.file != nil
}

// NewTraceID returns an 8-char id, or empty when tracing is off.
func (t *Tracer) NewTraceID() string {
	if !t.Enabled() {
		return ""
	}
	return uuid.NewString()[:8]
}

// Request traces an incoming request after routing.
func (t *Tracer) Request(id string, req *models.Request, providerName, routeType string, isStream bool) {
	if !t.Enabled() {
		return
	}
	messages, err := json.Marshal(req.Messages)
	if err != nil {
		messages = json.RawMessage("null")
	}
	var system json.RawMessage
	if !t.omitSystemPrompt && req.System != nil {
		system, _ = json.Marshal(req.System)
	}
	t.write(requestTrace{
		TS:        time.Now().UTC(),
		Dir:       "req",
		ID:        id,
		Model:     req.Model,
		Provider:  providerName,
		RouteType: routeType,
		IsStream:  isStream,
		System:    system,
		Messages:  messages,
	})
}

// Response traces a completed non-streaming response.
func (t *Tracer) Response(id string, resp *models.Response, latency time.Duration) {
	if !t.Enabled() {
		return
	}
	content, err := json.Marshal(resp.Content)
	if err != nil {
		content = json.RawMessage("null")
	}
	t.write(responseTrace{
		TS:           time.Now().UTC(),
		Dir:          "res",
		ID:           id,
		LatencyMS:    latency.Milliseconds(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Content:      content,
	})
}

// Error traces a failed dispatch attempt.
func (t *Tracer) Error(id, message string) {
	if !t.Enabled() {
		return
	}
	t.write(errorTrace{TS: time.Now().UTC(), Dir: "err", ID: id, Error: message})
}

// Close releases the sink.
func (t *Tracer) Close() error {
	if t == nil || t.file == nil {
		return nil
	}
	return t.file.Close()
}

func (t *Tracer) write(entry any) {
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.file.Write(append(line, '\n'))
}

func expandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
