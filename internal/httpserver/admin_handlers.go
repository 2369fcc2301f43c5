package httpserver

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ccmux/ccm/internal/config"
)

// handleGetConfig returns the raw config file.
func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	data, err := os.ReadFile(s.holder.ConfigPath())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("read config: %v", err))
		return
	}
	contentType := "application/toml"
	switch strings.ToLower(filepath.Ext(s.holder.ConfigPath())) {
	case ".yaml", ".yml":
		contentType = "application/yaml"
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(data)
}

// handlePutConfig validates the submitted config, writes it to the config
// path and applies it immediately.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("read body: %v", err))
		return
	}
	if _, err := config.Parse(data, filepath.Ext(s.holder.ConfigPath())); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid config: %v", err))
		return
	}
	if err := os.WriteFile(s.holder.ConfigPath(), data, 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("write config: %v", err))
		return
	}
	if err := s.holder.Reload(); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("reload: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// handleReload re-reads the config file from disk and swaps the state.
func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	if err := s.holder.Reload(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// handleProviders lists configured providers and their models.
func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	state := s.holder.Snapshot()
	type entry struct {
		Name         string   `json:"name"`
		ProviderType string   `json:"provider_type"`
		AuthType     string   `json:"auth_type"`
		Enabled      bool     `json:"enabled"`
		Models       []string `json:"models"`
	}
	out := make([]entry, 0, len(state.Config.Providers))
	for _, p := range state.Config.Providers {
		authType := p.AuthType
		if authType == "" {
			authType = "api_key"
		}
		out = append(out, entry{
			Name:         p.Name,
			ProviderType: p.ProviderType,
			AuthType:     authType,
			Enabled:      p.IsEnabled(),
			Models:       p.Models,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}
