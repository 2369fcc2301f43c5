package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2/google"

	"github.com/ccmux/ccm/internal/auth"
	"github.com/ccmux/ccm/internal/models"
	"github.com/ccmux/ccm/internal/provider"
	"github.com/ccmux/ccm/internal/provider/streaming"
)

var _ provider.Provider = (*Adapter)(nil)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Adapter serves Google Gemini through generateContent and
// streamGenerateContent. Three auth modes: API key, OAuth token from the
// store, and Vertex AI with application default credentials.
type Adapter struct {
	name          string
	apiKey        string
	baseURL       string
	models        []string
	oauthProvider string
	authManager   *auth.Manager
	projectID     string
	location      string

	client       *http.Client
	streamClient *http.Client
}

// Config holds construction options for the adapter.
type Config struct {
	Name          string
	APIKey        string
	BaseURL       string
	Models        []string
	OAuthProvider string
	AuthManager   *auth.Manager
	ProjectID     string // Vertex AI project; with Location switches to ADC
	Location      string
	Timeout       time.Duration
}

// New creates a Gemini adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.Name == "" {
		return nil, errors.New("gemini: provider name required")
	}
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Adapter{
		name:          cfg.Name,
		apiKey:        cfg.APIKey,
		baseURL:       baseURL,
		models:        cfg.Models,
		oauthProvider: cfg.OAuthProvider,
		authManager:   cfg.AuthManager,
		projectID:     cfg.ProjectID,
		location:      cfg.Location,
		client:        &http.Client{Timeout: timeout},
		streamClient:  &http.Client{},
	}, nil
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) SupportsModel(model string) bool {
	return provider.SupportsModelIn(a.models, model)
}

func (a *Adapter) isVertex() bool {
	return a.projectID != "" && a.location != ""
}

func (a *Adapter) isOAuth() bool {
	return a.oauthProvider != "" && a.authManager != nil
}

func (a *Adapter) SendMessage(ctx context.Context, request *models.Request) (*models.Response, error) {
	body := buildGenerateRequest(request)
	resp, err := a.post(ctx, a.client, request.Model, "generateContent", "", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.HTTPError(fmt.Errorf("gemini: read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, provider.APIError(resp.StatusCode, fmt.Sprintf("%s API error: %s", a.name, string(raw)))
	}
	return parseGenerateResponse(raw, request.Model)
}

func (a *Adapter) SendMessageStream(ctx context.Context, request *models.Request) (*provider.StreamResponse, error) {
	body := buildGenerateRequest(request)
	resp, err := a.post(ctx, a.streamClient, request.Model, "streamGenerateContent", "alt=sse", body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, provider.APIError(resp.StatusCode, fmt.Sprintf("%s API error: %s", a.name, string(raw)))
	}
	return &provider.StreamResponse{
		Body:    streaming.NewLoggingStream(pipeStream(resp.Body, request.Model), a.name),
		Headers: http.Header{},
	}, nil
}

// CountTokens uses the native countTokens endpoint under API-key auth and
// a character estimate otherwise.
func (a *Adapter) CountTokens(ctx context.Context, request *models.CountTokensRequest) (*models.CountTokensResponse, error) {
	if a.apiKey != "" && !a.isVertex() {
		body := buildGenerateRequest(&models.Request{
			Model:    request.Model,
			Messages: request.Messages,
			System:   request.System,
			Tools:    request.Tools,
		})
		resp, err := a.post(ctx, a.client, request.Model, "countTokens", "", countTokensBody{Contents: body.Contents})
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, provider.HTTPError(fmt.Errorf("gemini: read countTokens response: %w", err))
		}
		if resp.StatusCode != http.StatusOK {
			return nil, provider.APIError(resp.StatusCode, string(raw))
		}
		var out struct {
			TotalTokens int `json:"totalTokens"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, provider.SerializationError(err)
		}
		return &models.CountTokensResponse{InputTokens: out.TotalTokens}, nil
	}

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
			}
		}
	}
	return &models.CountTokensResponse{InputTokens: total / 4}, nil
}

type countTokensBody struct {
	Contents []content `json:"contents"`
}

func (a *Adapter) endpoint(model, op, query string) string {
	var url string
	if a.isVertex() {
		url = fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:%s",
			a.location, a.projectID, a.location, model, op)
	} else {
		url = fmt.Sprintf("%s/models/%s:%s", a.baseURL, model, op)
	}
	if query != "" {
		url += "?" + query
	}
	return url
}

func (a *Adapter) post(ctx context.Context, client *http.Client, model, op, query string, payload any) (*http.Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, provider.SerializationError(fmt.Errorf("gemini: marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(model, op, query), bytes.NewReader(raw))
	if err != nil {
		return nil, provider.HTTPError(fmt.Errorf("gemini: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	switch {
	case a.isVertex():
		src, err := google.DefaultTokenSource(ctx, "https://www.googleapis.com/auth/cloud-platform")
		if err != nil {
			return nil, provider.AuthError(fmt.Sprintf("gemini: application default credentials: %v", err))
		}
		tok, err := src.Token()
		if err != nil {
			return nil, provider.AuthError(fmt.Sprintf("gemini: fetch ADC token: %v", err))
		}
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	case a.isOAuth():
		token, err := a.authManager.AccessToken(ctx, a.oauthProvider)
		if err != nil {
			return nil, provider.AuthError(err.Error())
		}
		req.Header.Set("Authorization", "Bearer "+token)
	default:
		req.Header.Set("x-goog-api-key", a.apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, provider.HTTPError(fmt.Errorf("gemini: send request: %w", err))
	}
	return resp, nil
}
