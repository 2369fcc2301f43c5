package streaming

import (
	"encoding/json"
	"io"
	"log"
	"strings"
	"time"
)

// LoggingStream passes an Anthropic-native SSE body through unmodified
// while collecting usage statistics from message_start and message_delta
// events. One summary line is logged when the stream ends.
type LoggingStream struct {
	inner    io.ReadCloser
	provider string

	buf          strings.Builder
	start        time.Time
	firstToken   time.Time
	inputTokens  int
	outputTokens int
	cacheCreate  int
	cacheRead    int
	logged       bool
}

// NewLoggingStream wraps an upstream Anthropic SSE body.
func NewLoggingStream(inner io.ReadCloser, provider string) *LoggingStream {
	return &LoggingStream{inner: inner, provider: provider, start: time.Now()}
}

func (s *LoggingStream) Read(p []byte) (int, error) {
	n, err := s.inner.Read(p)
	if n > 0 {
		s.observe(string(p[:n]))
	}
	if err == io.EOF {
		s.summarize()
	}
	return n, err
}

func (s *LoggingStream) Close() error {
	s.summarize()
	return s.inner.Close()
}

func (s *LoggingStream) observe(text string) {
	s.buf.WriteString(text)
	content := s.buf.String()
	last := strings.LastIndex(content, "\n\n")
	if last < 0 {
		return
	}
	complete := content[:last+2]
	s.buf.Reset()
	s.buf.WriteString(content[last+2:])
	for _, event := range ParseEvents(complete) {
		s.observeEvent(event)
	}
}

func (s *LoggingStream) observeEvent(event Event) {
	switch event.Event {
	case "message_start":
		var payload struct {
			Message struct {
				Usage struct {
					InputTokens              int `json:"input_tokens"`
					CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
					CacheReadInputTokens     int `json:"cache_read_input_tokens"`
				} `json:"usage"`
			} `json:"message"`
		}
		if err := json.Unmarshal([]byte(event.Data), &payload); err == nil {
			s.inputTokens = payload.Message.Usage.InputTokens
			s.cacheCreate = payload.Message.Usage.CacheCreationInputTokens
			s.cacheRead = payload.Message.Usage.CacheReadInputTokens
		}
	case "content_block_delta":
		if s.firstToken.IsZero() {
			s.firstToken = time.Now()
		}
	case "message_delta":
		var payload struct {
			Usage struct {
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(event.Data), &payload); err == nil && payload.Usage.OutputTokens > 0 {
			s.outputTokens = payload.Usage.OutputTokens
		}
	}
}

func (s *LoggingStream) summarize() {
	if s.logged {
		return
	}
	s.logged = true
	elapsed := time.Since(s.start)
	ttft := time.Duration(0)
	if !s.firstToken.IsZero() {
		ttft = s.firstToken.Sub(s.start)
	}
	throughput := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		throughput = float64(s.outputTokens) / secs
	}
	cacheHit := 0.0
	if total := s.inputTokens + s.cacheCreate + s.cacheRead; total > 0 {
		cacheHit = float64(s.cacheRead) * 100 / float64(total)
	}
	log.Printf("[ccm/stream] provider=%s in=%d out=%d cache_create=%d cache_read=%d cache_hit=%.1f%% latency=%s ttft=%s tok/s=%.1f",
		s.provider, s.inputTokens, s.outputTokens, s.cacheCreate, s.cacheRead, cacheHit,
		elapsed.Round(time.Millisecond), ttft.Round(time.Millisecond), throughput)
}
