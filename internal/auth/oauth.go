package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// OAuthConfig describes one provider's authorization-code flow.
type OAuthConfig struct {
	Preset                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	ClientID              string
	Scopes                []string
	RedirectURI           string
	UsePKCE               bool
}

// Known flow presets. Client ids and endpoints are the public app
// registrations of the respective CLIs.
const (
	PresetAnthropic     = "anthropic"
	PresetOpenAICodex   = "openai-codex"
	PresetGemini        = "gemini"
	PresetGitHubCopilot = "github-copilot"
)

// ConfigForPreset returns the flow parameters for a known preset.
func ConfigForPreset(preset string) (OAuthConfig, error) {
	switch preset {
	case PresetAnthropic:
		return OAuthConfig{
			Preset:                PresetAnthropic,
			AuthorizationEndpoint: "https://claude.ai/oauth/authorize",
			TokenEndpoint:         "https://console.anthropic.com/v1/oauth/token",
			ClientID:              "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
			Scopes:                []string{"org:create_api_key", "user:profile", "user:inference"},
			RedirectURI:           "https://console.anthropic.com/oauth/code/callback",
			UsePKCE:               true,
		}, nil
	case PresetOpenAICodex:
		return OAuthConfig{
			Preset:                PresetOpenAICodex,
			AuthorizationEndpoint: "https://auth.openai.com/oauth/authorize",
			TokenEndpoint:         "https://auth.openai.com/oauth/token",
			ClientID:              "app_EMoamEEZ73f0CkXaXp7hrann",
			Scopes:                []string{"openid", "profile", "email", "offline_access"},
			RedirectURI:           "http://localhost:1455/auth/callback",
			UsePKCE:               true,
		}, nil
	case PresetGemini:
		return OAuthConfig{
			Preset:                PresetGemini,
			AuthorizationEndpoint: "https://accounts.google.com/o/oauth2/v2/auth",
			TokenEndpoint:         "https://oauth2.googleapis.com/token",
			ClientID:              "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com",
			Scopes: []string{
				"https://www.googleapis.com/auth/cloud-platform",
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/userinfo.profile",
			},
			RedirectURI: "http://localhost:1455/auth/callback",
			UsePKCE:     true,
		}, nil
	case PresetGitHubCopilot:
		return OAuthConfig{
			Preset:                PresetGitHubCopilot,
			AuthorizationEndpoint: "https://github.com/login/oauth/authorize",
			TokenEndpoint:         "https://github.com/login/oauth/access_token",
			ClientID:              "Iv1.b507a08c87ecfe98",
			Scopes:                []string{"read:user"},
			RedirectURI:           "http://localhost:1455/auth/callback",
			UsePKCE:               true,
		}, nil
	default:
		return OAuthConfig{}, fmt.Errorf("auth: unknown oauth preset %q", preset)
	}
}

// PresetForProvider guesses the flow preset from a stored provider id.
func PresetForProvider(providerID string) string {
	id := strings.ToLower(providerID)
	switch {
	case strings.Contains(id, "codex") || strings.Contains(id, "openai"):
		return PresetOpenAICodex
	case strings.Contains(id, "gemini") || strings.Contains(id, "google"):
		return PresetGemini
	case strings.Contains(id, "copilot") || strings.Contains(id, "github"):
		return PresetGitHubCopilot
	default:
		return PresetAnthropic
	}
}

// Authorization is the state handed to the UI to open the provider's
// consent page.
type Authorization struct {
	URL          string `json:"url"`
	State        string `json:"state"`
	CodeVerifier string `json:"code_verifier"`
}

// Client runs one provider's authorization-code flow and persists tokens.
type Client struct {
	cfg   OAuthConfig
	o2    oauth2.Config
	store *Store
}

// NewClient builds a Client for a flow preset.
func NewClient(cfg OAuthConfig, store *Store) *Client {
	return &Client{
		cfg: cfg,
		o2: oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURI,
			Scopes:      cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizationEndpoint,
				TokenURL: cfg.TokenEndpoint,
			},
		},
		store: store,
	}
}

// Authorize generates the consent URL with a fresh state and PKCE verifier.
func (c *Client) Authorize() Authorization {
	state := oauth2.GenerateVerifier()
	verifier := ""
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if c.cfg.UsePKCE {
		verifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	return Authorization{
		URL:          c.o2.AuthCodeURL(state, opts...),
		State:        state,
		CodeVerifier: verifier,
	}
}

// Exchange trades an authorization code for tokens and persists them under
// providerID.
func (c *Client) Exchange(ctx context.Context, providerID, code, verifier string) (Token, error) {
	var opts []oauth2.AuthCodeOption
	if c.cfg.UsePKCE && verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	tok, err := c.o2.Exchange(ctx, code, opts...)
	if err != nil {
		return Token{}, fmt.Errorf("auth: code exchange for %s: %w", providerID, err)
	}
	stored := tokenFromOAuth2(providerID, tok)
	if err := c.store.Save(stored); err != nil {
		return Token{}, err
	}
	return stored, nil
}

// Refresh exchanges the stored refresh token for a new access token and
// persists the result. One-shot, no retry.
func (c *Client) Refresh(ctx context.Context, providerID string) (Token, error) {
	current, ok := c.store.Get(providerID)
	if !ok {
		return Token{}, fmt.Errorf("auth: no token stored for %s", providerID)
	}
	src := c.o2.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken.Reveal()})
	tok, err := src.Token()
	if err != nil {
		return Token{}, fmt.Errorf("auth: refresh token for %s: %w", providerID, err)
	}
	stored := tokenFromOAuth2(providerID, tok)
	if stored.RefreshToken == "" {
		// some providers omit the refresh token on refresh responses
		stored.RefreshToken = current.RefreshToken
	}
	stored.EnterpriseURL = current.EnterpriseURL
	stored.ProjectID = current.ProjectID
	if err := c.store.Save(stored); err != nil {
		return Token{}, err
	}
	return stored, nil
}

func tokenFromOAuth2(providerID string, tok *oauth2.Token) Token {
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}
	return Token{
		ProviderID:   providerID,
		AccessToken:  Secret(tok.AccessToken),
		RefreshToken: Secret(tok.RefreshToken),
		ExpiresAt:    expiry.UTC(),
	}
}

// Manager hands adapters a valid access token, refreshing lazily when the
// stored token is within its refresh window.
type Manager struct {
	store *Store
}

// NewManager wraps a token store.
func NewManager(store *Store) *Manager {
	return &Manager{store: store}
}

// Store exposes the underlying token store.
func (m *Manager) Store() *Store { return m.store }

// AccessToken returns a valid access token for the provider id, refreshing
// first when needed.
func (m *Manager) AccessToken(ctx context.Context, providerID string) (string, error) {
	token, ok := m.store.Get(providerID)
	if !ok {
		return "", fmt.Errorf("auth: oauth provider %q configured but no token found in store", providerID)
	}
	if !token.NeedsRefresh() {
		return token.AccessToken.Reveal(), nil
	}
	log.Printf("[ccm/auth] token for %q needs refresh", providerID)
	cfg, err := ConfigForPreset(PresetForProvider(providerID))
	if err != nil {
		return "", err
	}
	refreshed, err := NewClient(cfg, m.store).Refresh(ctx, providerID)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken.Reveal(), nil
}

// ChatGPTAccountID extracts the chatgpt_account_id claim from a Codex
// access token by decoding the JWT payload. No signature verification is
// done; the value only feeds a request header.
func ChatGPTAccountID(accessToken string) (string, error) {
	parts := strings.Split(accessToken, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("auth: access token is not a JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("auth: decode JWT payload: %w", err)
	}
	var claims struct {
		Auth struct {
			ChatGPTAccountID string `json:"chatgpt_account_id"`
		} `json:"https://api.openai.com/auth"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("auth: parse JWT payload: %w", err)
	}
	if claims.Auth.ChatGPTAccountID == "" {
		return "", fmt.Errorf("auth: JWT payload has no chatgpt_account_id")
	}
	return claims.Auth.ChatGPTAccountID, nil
}
