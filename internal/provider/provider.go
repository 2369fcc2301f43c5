package provider

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/ccmux/ccm/internal/models"
)

// Provider is the contract every backend adapter implements. Requests and
// responses are in the Anthropic Messages schema; adapters own the
// translation to their upstream wire format.
type Provider interface {
	// Name returns the configured provider name.
	Name() string

	// SendMessage executes one non-streaming request.
	SendMessage(ctx context.Context, request *models.Request) (*models.Response, error)

	// SendMessageStream executes one streaming request. The returned body
	// yields Anthropic-formatted SSE frames as the upstream produces them.
	SendMessageStream(ctx context.Context, request *models.Request) (*StreamResponse, error)

	// CountTokens estimates or measures input tokens for a request.
	CountTokens(ctx context.Context, request *models.CountTokensRequest) (*models.CountTokensResponse, error)

	// SupportsModel reports whether the provider serves the model,
	// matching case-insensitively against its configured model list.
	SupportsModel(model string) bool
}

// StreamResponse is a live Anthropic SSE stream plus upstream headers
// worth forwarding to the client.
type StreamResponse struct {
	Body    io.ReadCloser
	Headers http.Header
}

// Close releases the upstream connection.
func (s *StreamResponse) Close() error {
	if s == nil || s.Body == nil {
		return nil
	}
	return s.Body.Close()
}

// ForwardableHeaders filters upstream response headers down to the set the
// dispatcher mirrors onto streaming responses: rate-limit headers and the
// upstream request id.
func ForwardableHeaders(upstream http.Header) http.Header {
	out := http.Header{}
	for name, values := range upstream {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "anthropic-ratelimit-") || lower == "request-id" {
			for _, v := range values {
				out.Add(name, v)
			}
		}
	}
	return out
}

// SupportsModelIn is the shared case-insensitive model list check.
func SupportsModelIn(list []string, model string) bool {
	for _, m := range list {
		if strings.EqualFold(m, model) {
			return true
		}
	}
	return false
}
