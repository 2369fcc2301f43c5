package openai

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

	"github.com/pkoukk/tiktoken-go"

	"github.com/ccmux/ccm/internal/auth"
	"github.com/ccmux/ccm/internal/models"
	"github.com/ccmux/ccm/internal/provider"
	"github.com/ccmux/ccm/internal/provider/streaming"
)

var _ provider.Provider = (*Adapter)(nil)

// Adapter serves OpenAI and every OpenAI-format proxy (OpenRouter,
// DeepInfra, Groq and friends differ only in base URL and headers).
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
	BaseURL       string // optional, defaults to https://api.openai.com/v1
	Models        []string
	Headers       map[string]string
	OAuthProvider string
	AuthManager   *auth.Manager
	Timeout       time.Duration
}

// New creates an OpenAI-compatible adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.Name == "" {
		return nil, errors.New("openai: provider name required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
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
		streamClient:  &http.Client{},
	}, nil
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) SupportsModel(model string) bool {
	return provider.SupportsModelIn(a.models, model)
}

func (a *Adapter) isOAuth() bool {
	return a.oauthProvider != "" && a.authManager != nil
}

// usesResponsesAPI reports whether the request goes to the Responses API
// instead of Chat Completions. OAuth always means the ChatGPT Codex
// backend; with an API key only codex models use it.
func (a *Adapter) usesResponsesAPI(model string) bool {
	return a.isOAuth() || strings.Contains(strings.ToLower(model), "codex")
}

func (a *Adapter) SendMessage(ctx context.Context, request *models.Request) (*models.Response, error) {
	if a.usesResponsesAPI(request.Model) {
		return a.sendResponses(ctx, request)
	}

	chatReq := buildChatRequest(request)
	chatReq.Stream = false
	resp, err := a.postChat(ctx, a.client, chatReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.HTTPError(fmt.Errorf("openai: read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, provider.APIError(resp.StatusCode, fmt.Sprintf("%s API error: %s", a.name, string(body)))
	}
	return parseChatResponse(body, a.name)
}

func (a *Adapter) SendMessageStream(ctx context.Context, request *models.Request) (*provider.StreamResponse, error) {
	if a.usesResponsesAPI(request.Model) {
		// the Responses stream is consumed whole, then replayed as SSE
		resp, err := a.sendResponses(ctx, request)
		if err != nil {
			return nil, err
		}
		return &provider.StreamResponse{
			Body:    streaming.NewLoggingStream(streaming.RenderResponse(resp), a.name),
			Headers: http.Header{},
		}, nil
	}

	chatReq := buildChatRequest(request)
	chatReq.Stream = true
	resp, err := a.postChat(ctx, a.streamClient, chatReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, provider.APIError(resp.StatusCode, fmt.Sprintf("%s API error: %s", a.name, string(body)))
	}

	return &provider.StreamResponse{
		Body:    streaming.NewLoggingStream(streaming.Pipe(resp.Body, request.Model), a.name),
		Headers: provider.ForwardableHeaders(resp.Header),
	}, nil
}

// CountTokens counts with tiktoken when an encoding for the model exists
// and falls back to a character estimate otherwise.
func (a *Adapter) CountTokens(ctx context.Context, request *models.CountTokensRequest) (*models.CountTokensResponse, error) {
	text := collectText(request)
	if enc := encodingFor(request.Model); enc != nil {
		return &models.CountTokensResponse{InputTokens: len(enc.Encode(text, nil, nil))}, nil
	}
	return &models.CountTokensResponse{InputTokens: len(text) / 4}, nil
}

func encodingFor(model string) *tiktoken.Tiktoken {
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		return enc
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		log.Printf("[ccm/openai] tiktoken unavailable, estimating tokens: %v", err)
		return nil
	}
	return enc
}

func collectText(request *models.CountTokensRequest) string {
	var b strings.Builder
	b.WriteString(request.System.JoinedText())
	for _, msg := range request.Messages {
		if msg.Content.Text != nil {
			b.WriteString(*msg.Content.Text)
			continue
		}
		for _, block := range msg.Content.Blocks {
			switch block.Type {
			case "text":
				b.WriteString(block.Text)
			case "tool_result":
				b.WriteString(block.Content.Flatten())
			case "thinking":
				b.WriteString(block.ThinkingText())
			}
		}
	}
	return b.String()
}

func (a *Adapter) postChat(ctx context.Context, client *http.Client, chatReq *chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(chatReq)
	if err != nil {
		return nil, provider.SerializationError(fmt.Errorf("openai: marshal request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, provider.HTTPError(fmt.Errorf("openai: create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	for key, value := range a.headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, provider.HTTPError(fmt.Errorf("openai: send request: %w", err))
	}
	return resp, nil
}
