package httpserver

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"time"

	"github.com/ccmux/ccm/internal/auth"
)

type authorizeRequest struct {
	ProviderID string `json:"provider_id"`
	Preset     string `json:"preset"`
}

type exchangeRequest struct {
	ProviderID   string `json:"provider_id"`
	Preset       string `json:"preset"`
	Code         string `json:"code"`
	CodeVerifier string `json:"code_verifier"`
}

func oauthClientFor(providerID, preset string, store *auth.Store) (*auth.Client, error) {
	if preset == "" {
		preset = auth.PresetForProvider(providerID)
	}
	cfg, err := auth.ConfigForPreset(preset)
	if err != nil {
		return nil, err
	}
	return auth.NewClient(cfg, store), nil
}

// handleOAuthAuthorize starts an authorization-code flow and hands the
// consent URL, state and PKCE verifier back to the caller.
func (s *Server) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid authorize request: %v", err))
		return
	}
	if req.ProviderID == "" {
		writeError(w, http.StatusBadRequest, "provider_id is required")
		return
	}
	client, err := oauthClientFor(req.ProviderID, req.Preset, s.manager.Store())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, client.Authorize())
}

// handleOAuthExchange trades the authorization code for tokens and
// persists them under the provider id.
func (s *Server) handleOAuthExchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid exchange request: %v", err))
		return
	}
	if req.ProviderID == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "provider_id and code are required")
		return
	}
	client, err := oauthClientFor(req.ProviderID, req.Preset, s.manager.Store())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, err := client.Exchange(r.Context(), req.ProviderID, req.Code, req.CodeVerifier)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider_id": token.ProviderID,
		"expires_at":  token.ExpiresAt,
	})
}

// handleOAuthCallback receives the provider redirect. The code is shown
// for the UI (or the user) to complete the exchange, since the PKCE
// verifier lives with whoever initiated the flow.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if errParam := query.Get("error"); errParam != "" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("authorization failed: %s", errParam))
		return
	}
	code := query.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "callback missing code parameter")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<html><body><h2>Authorization received</h2>`+
		`<p>Code: <code>%s</code></p>`+
		`<p>State: <code>%s</code></p>`+
		`<p>Return to the gateway to finish connecting this provider. You can close this tab.</p>`+
		`</body></html>`, html.EscapeString(code), html.EscapeString(query.Get("state")))
}

// handleOAuthStatus reports stored tokens and their freshness.
func (s *Server) handleOAuthStatus(w http.ResponseWriter, _ *http.Request) {
	type status struct {
		ProviderID   string    `json:"provider_id"`
		ExpiresAt    time.Time `json:"expires_at"`
		Expired      bool      `json:"expired"`
		NeedsRefresh bool      `json:"needs_refresh"`
	}
	var out []status
	for _, token := range s.manager.Store().All() {
		out = append(out, status{
			ProviderID:   token.ProviderID,
			ExpiresAt:    token.ExpiresAt,
			Expired:      token.IsExpired(),
			NeedsRefresh: token.NeedsRefresh(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": out})
}
