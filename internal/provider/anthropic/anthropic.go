package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ccmux/ccm/internal/auth"
	"github.com/ccmux/ccm/internal/models"
	"github.com/ccmux/ccm/internal/provider"
	"github.com/ccmux/ccm/internal/provider/streaming"
)

// Ensure Adapter implements the provider contract.
var _ provider.Provider = (*Adapter)(nil)

const (
	anthropicVersion = "2023-06-01"
	oauthBetaHeader  = "oauth-2025-04-20,claude-code-20250219,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14"
)

// Adapter speaks the Anthropic Messages API verbatim. It serves the native
// API plus pass-through proxies (z.ai, Minimax, ZenMux, Kimi-coding).
type Adapter struct {
	name          string
	apiKey        string
	baseURL       string
	models        []string
	headers       map[string]string
	oauthProvider string
	authManager   *auth.Manager

	client       *http.Client
	streamClient *http.Client
}

// Config holds construction options for the adapter.
type Config struct {
	Name          string
	APIKey        string
	BaseURL       string // optional, defaults to https://api.anthropic.com
	Models        []string
	Headers       map[string]string
	OAuthProvider string // provider id in the token store; empty for api-key auth
	AuthManager   *auth.Manager
	Timeout       time.Duration
}

// New creates an Anthropic-compatible adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.Name == "" {
		return nil, errors.New("anthropic: provider name required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &Adapter{
		name:          cfg.Name,
		apiKey:        cfg.APIKey,
		baseURL:       baseURL,
		models:        cfg.Models,
		headers:       cfg.Headers,
		oauthProvider: cfg.OAuthProvider,
		authManager:   cfg.AuthManager,
		client:        &http.Client{Timeout: timeout},
		// streaming bodies outlive any sane request timeout
		streamClient: &http.Client{},
	}, nil
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) SupportsModel(model string) bool {
	return provider.SupportsModelIn(a.models, model)
}

func (a *Adapter) isOAuth() bool {
	return a.oauthProvider != "" && a.authManager != nil
}

func (a *Adapter) isAnthropicNative() bool {
	return strings.Contains(a.baseURL, "anthropic.com")
}

// SendMessage posts the request to ${base}/v1/messages unchanged except for
// thinking-block sanitization.
func (a *Adapter) SendMessage(ctx context.Context, request *models.Request) (*models.Response, error) {
	req := request.Clone()
	sanitizeThinkingBlocks(req, a.isAnthropicNative())

	resp, err := a.post(ctx, a.client, "/v1/messages", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.HTTPError(fmt.Errorf("anthropic: read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized && a.isOAuth() {
			log.Printf("[ccm/anthropic] 401 from %s, OAuth token may be invalid or expired", a.name)
		}
		return nil, provider.APIError(resp.StatusCode, fmt.Sprintf("%s API error: %s", a.name, string(body)))
	}

	var out models.Response
	if err := json.Unmarshal(body, &out); err != nil {
		log.Printf("[ccm/anthropic] failed to parse %s response: %v, body: %s", a.name, err, string(body))
		return nil, provider.SerializationError(err)
	}
	return &out, nil
}

// SendMessageStream posts with stream=true and passes the Anthropic SSE
// body through a usage-logging wrapper.
func (a *Adapter) SendMessageStream(ctx context.Context, request *models.Request) (*provider.StreamResponse, error) {
	req := request.Clone()
	req.Stream = true
	sanitizeThinkingBlocks(req, a.isAnthropicNative())

	resp, err := a.post(ctx, a.streamClient, "/v1/messages", req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusUnauthorized && a.isOAuth() {
			log.Printf("[ccm/anthropic] 401 on stream from %s, OAuth token may be invalid or expired", a.name)
		}
		return nil, provider.APIError(resp.StatusCode, fmt.Sprintf("%s API error: %s", a.name, string(body)))
	}

	return &provider.StreamResponse{
		Body:    streaming.NewLoggingStream(resp.Body, a.name),
		Headers: provider.ForwardableHeaders(resp.Header),
	}, nil
}

// CountTokens uses the native count_tokens endpoint for Anthropic itself
// and a character-based estimate for compatible proxies.
func (a *Adapter) CountTokens(ctx context.Context, request *models.CountTokensRequest) (*models.CountTokensResponse, error) {
	if a.isAnthropicNative() {
		resp, err := a.post(ctx, a.client, "/v1/messages/count_tokens", request)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, provider.HTTPError(fmt.Errorf("anthropic: read count_tokens response: %w", err))
		}
		if resp.StatusCode != http.StatusOK {
			return nil, provider.APIError(resp.StatusCode, string(body))
		}
		var out models.CountTokensResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, provider.SerializationError(err)
		}
		return &out, nil
	}

	return &models.CountTokensResponse{InputTokens: EstimateTokens(request)}, nil
}

// EstimateTokens approximates input tokens as total characters divided by
// four, covering system text, message text, tool results and thinking text.
func EstimateTokens(request *models.CountTokensRequest) int {
	total := len(request.System.JoinedText())
	for _, msg := range request.Messages {
		if msg.Content.Text != nil {
			total += len(*msg.Content.Text)
			continue
		}
		for _, block := range msg.Content.Blocks {
			switch block.Type {
			case "text":
				total += len(block.Text)
			case "tool_result":
				total += len(block.Content.Flatten())
			case "thinking":
				total += len(block.ThinkingText())
			}
		}
	}
	return total / 4
}

func (a *Adapter) post(ctx context.Context, client *http.Client, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, provider.SerializationError(fmt.Errorf("anthropic: marshal request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, provider.HTTPError(fmt.Errorf("anthropic: create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	if a.isOAuth() {
		token, err := a.authManager.AccessToken(ctx, a.oauthProvider)
		if err != nil {
			return nil, provider.AuthError(err.Error())
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
		httpReq.Header.Set("anthropic-beta", oauthBetaHeader)
	} else {
		httpReq.Header.Set("x-api-key", a.apiKey)
	}
	for key, value := range a.headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, provider.HTTPError(fmt.Errorf("anthropic: send request: %w", err))
	}
	return resp, nil
}

// sanitizeThinkingBlocks removes thinking blocks whose signatures the
// target cannot validate. Signatures are provider-specific: the native API
// keeps only Anthropic-shaped signatures (long base64, >150 chars), every
// other target drops all signed blocks. Unsigned blocks always survive.
// Messages left empty are dropped.
func sanitizeThinkingBlocks(request *models.Request, anthropicTarget bool) {
	for i := range request.Messages {
		msg := &request.Messages[i]
		if msg.Content.Text != nil {
			continue
		}
		kept := msg.Content.Blocks[:0]
		for _, block := range msg.Content.Blocks {
			if block.Type == "thinking" {
				sig := block.ThinkingSignature()
				if sig != "" && !(anthropicTarget && isAnthropicSignature(sig)) {
					continue
				}
			}
			kept = append(kept, block)
		}
		msg.Content.Blocks = kept
	}

	kept := request.Messages[:0]
	for _, msg := range request.Messages {
		if msg.Content.IsEmpty() {
			continue
		}
		kept = append(kept, msg)
	}
	request.Messages = kept
}

// isAnthropicSignature treats only very long base64 strings as Anthropic
// signatures. Upstream publishes no format, so length is the heuristic.
func isAnthropicSignature(sig string) bool {
	return len(sig) > 150
}
