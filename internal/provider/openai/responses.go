package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ccmux/ccm/internal/auth"
	"github.com/ccmux/ccm/internal/models"
	"github.com/ccmux/ccm/internal/provider"
	"github.com/ccmux/ccm/internal/provider/streaming"
)

const chatgptBackendBase = "https://chatgpt.com/backend-api"

// codexInstructions is the fixed agent preamble the Codex backend expects
// in the instructions field. The caller's system prompt rides along in the
// input items.
const codexInstructions = "You are Codex, based on GPT-5. You are running as a coding agent in a CLI on a user's computer. Answer the user's requests precisely and keep edits minimal."

// responsesRequest is the Responses API body. The backend rejects
// non-streaming requests, so stream is always true and store is disabled.
type responsesRequest struct {
	Model        string        `json:"model"`
	Input        []chatMessage `json:"input"`
	Instructions string        `json:"instructions"`
	Store        bool          `json:"store"`
	Stream       bool          `json:"stream"`
}

type responsesCompleted struct {
	Response struct {
		ID     string `json:"id"`
		Model  string `json:"model"`
		Output []struct {
			Type    string `json:"type"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			Summary []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"summary"`
		} `json:"output"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"response"`
}

// sendResponses executes one request against the Responses API and blocks
// until the stream's response.completed event, which carries the whole
// reply.
func (a *Adapter) sendResponses(ctx context.Context, req *models.Request) (*models.Response, error) {
	body := responsesRequest{
		Model:        req.Model,
		Input:        translateMessages(req),
		Instructions: codexInstructions,
		Store:        false,
		Stream:       true,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, provider.SerializationError(fmt.Errorf("openai: marshal responses request: %w", err))
	}

	base := a.baseURL
	path := "/responses"
	if a.isOAuth() {
		base = chatgptBackendBase
		path = "/codex/responses"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, provider.HTTPError(fmt.Errorf("openai: create responses request: %w", err))
	}
	if err := a.setResponsesHeaders(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := a.streamClient.Do(httpReq)
	if err != nil {
		return nil, provider.HTTPError(fmt.Errorf("openai: send responses request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(resp.Body)
		return nil, provider.APIError(resp.StatusCode, fmt.Sprintf("%s responses API error: %s", a.name, string(text)))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.HTTPError(fmt.Errorf("openai: read responses stream: %w", err))
	}
	return parseResponsesStream(raw, a.name)
}

func (a *Adapter) setResponsesHeaders(ctx context.Context, httpReq *http.Request) error {
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("OpenAI-Beta", "responses=experimental")
	httpReq.Header.Set("originator", "codex_cli_rs")
	// Cloudflare fronting the backend rejects non-browser clients
	httpReq.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	httpReq.Header.Set("Sec-Fetch-Mode", "cors")
	httpReq.Header.Set("Sec-Fetch-Site", "none")

	if a.isOAuth() {
		token, err := a.authManager.AccessToken(ctx, a.oauthProvider)
		if err != nil {
			return provider.AuthError(err.Error())
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
		accountID, err := auth.ChatGPTAccountID(token)
		if err != nil {
			return provider.AuthError(err.Error())
		}
		httpReq.Header.Set("chatgpt-account-id", accountID)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	for key, value := range a.headers {
		httpReq.Header.Set(key, value)
	}
	return nil
}

// parseResponsesStream locates the response.completed event and rebuilds
// the Anthropic response from its output items. Reasoning items become
// thinking blocks, message items become text blocks.
func parseResponsesStream(raw []byte, providerName string) (*models.Response, error) {
	for _, event := range streaming.ParseEvents(string(raw)) {
		if event.Event != "response.completed" {
			continue
		}
		var completed responsesCompleted
		if err := json.Unmarshal([]byte(event.Data), &completed); err != nil {
			return nil, provider.SerializationError(fmt.Errorf("openai: parse response.completed: %w", err))
		}

		var blocks []models.ContentBlock
		for _, item := range completed.Response.Output {
			switch item.Type {
			case "reasoning":
				text := ""
				if len(item.Content) > 0 {
					text = item.Content[0].Text
				} else if len(item.Summary) > 0 {
					text = item.Summary[0].Text
				}
				if text != "" {
					blocks = append(blocks, thinkingBlock(text))
				}
			case "message":
				if len(item.Content) > 0 && item.Content[0].Text != "" {
					blocks = append(blocks, models.ContentBlock{Type: "text", Text: item.Content[0].Text})
				}
			}
		}

		stopReason := "end_turn"
		return &models.Response{
			ID:         completed.Response.ID,
			Type:       "message",
			Role:       "assistant",
			Content:    blocks,
			Model:      completed.Response.Model,
			StopReason: &stopReason,
			Usage: models.Usage{
				InputTokens:  completed.Response.Usage.InputTokens,
				OutputTokens: completed.Response.Usage.OutputTokens,
			},
		}, nil
	}
	return nil, provider.APIError(502, fmt.Sprintf("%s responses stream ended without response.completed", providerName))
}

func thinkingBlock(text string) models.ContentBlock {
	raw, _ := json.Marshal(map[string]string{
		"type":      "thinking",
		"thinking":  text,
		"signature": "",
	})
	return models.ContentBlock{Type: "thinking", Raw: raw}
}
