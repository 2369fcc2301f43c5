// Package registry constructs and indexes provider adapters from config.
package registry

import (
	"fmt"
	"log"
	"strings"

	"github.com/ccmux/ccm/internal/auth"
	"github.com/ccmux/ccm/internal/config"
	"github.com/ccmux/ccm/internal/provider"
	"github.com/ccmux/ccm/internal/provider/anthropic"
	"github.com/ccmux/ccm/internal/provider/gemini"
	"github.com/ccmux/ccm/internal/provider/openai"
)

// preset carries the fixed endpoint of a hosted service.
type preset struct {
	baseURL string
	headers map[string]string
}

// openaiPresets are OpenAI-format services selectable by provider_type.
// The type names themselves are deprecated in favor of provider_type
// "openai" with an explicit base_url; openrouter stays first-class.
var openaiPresets = map[string]preset{
	"openai":     {baseURL: "https://api.openai.com/v1"},
	"openrouter": {baseURL: "https://openrouter.ai/api/v1", headers: map[string]string{
		"HTTP-Referer": "https://github.com/bahkchanhee/claude-code-mux",
		"X-Title":      "Claude Code Mux",
	}},
	"deepinfra": {baseURL: "https://api.deepinfra.com/v1/openai"},
	"novita": {baseURL: "https://api.novita.ai/v3/openai", headers: map[string]string{
		"X-Novita-Source": "claude-code-mux",
	}},
	"baseten":   {baseURL: "https://inference.baseten.co/v1"},
	"together":  {baseURL: "https://api.together.xyz/v1"},
	"fireworks": {baseURL: "https://api.fireworks.ai/inference/v1"},
	"groq":      {baseURL: "https://api.groq.com/openai/v1"},
	"nebius":    {baseURL: "https://api.studio.nebius.ai/v1"},
	"cerebras":  {baseURL: "https://api.cerebras.ai/v1"},
	"moonshot":  {baseURL: "https://api.moonshot.cn/v1"},
}

// legacyTypes get a deprecation warning when used as provider_type.
var legacyTypes = map[string]bool{
	"deepinfra": true, "novita": true, "groq": true, "together": true,
	"fireworks": true, "cerebras": true, "moonshot": true, "nebius": true,
	"baseten": true,
}

// anthropicPresets are services speaking /v1/messages verbatim.
var anthropicPresets = map[string]preset{
	"anthropic":   {baseURL: "https://api.anthropic.com"},
	"zai":         {baseURL: "https://api.z.ai/api/anthropic"},
	"minimax":     {baseURL: "https://api.minimax.io/anthropic"},
	"zenmux":      {baseURL: "https://zenmux.ai/api/anthropic"},
	"kimi-coding": {baseURL: "https://api.kimi.com/coding"},
}

// Registry holds one adapter per enabled provider plus a logical-model
// index pointing at each model's first configured mapping.
type Registry struct {
	providers  map[string]provider.Provider
	order      []string
	modelIndex map[string]string
}

// New builds all adapters. An unknown provider_type is a hard error.
func New(cfg config.AppConfig, manager *auth.Manager) (*Registry, error) {
	r := &Registry{
		providers:  make(map[string]provider.Provider),
		modelIndex: make(map[string]string),
	}
	for _, pc := range cfg.Providers {
		if !pc.IsEnabled() {
			log.Printf("[ccm/registry] provider %q disabled, skipping", pc.Name)
			continue
		}
		adapter, err := buildAdapter(pc, manager)
		if err != nil {
			return nil, err
		}
		r.providers[pc.Name] = adapter
		r.order = append(r.order, pc.Name)
	}
	for _, mc := range cfg.Models {
		if len(mc.Mappings) == 0 {
			continue
		}
		r.modelIndex[mc.Name] = mc.Mappings[0].Provider
	}
	return r, nil
}

func buildAdapter(pc config.ProviderConfig, manager *auth.Manager) (provider.Provider, error) {
	providerType := strings.ToLower(strings.TrimSpace(pc.ProviderType))
	oauthProvider := ""
	if pc.IsOAuth() {
		oauthProvider = pc.OAuthProvider
		if oauthProvider == "" {
			oauthProvider = pc.Name
		}
	}

	if ps, ok := anthropicPresets[providerType]; ok {
		return anthropic.New(anthropic.Config{
			Name:          pc.Name,
			APIKey:        pc.APIKey,
			BaseURL:       firstNonEmpty(pc.BaseURL, ps.baseURL),
			Models:        pc.Models,
			Headers:       mergeHeaders(ps.headers, pc.Headers),
			OAuthProvider: oauthProvider,
			AuthManager:   manager,
		})
	}
	if ps, ok := openaiPresets[providerType]; ok {
		if legacyTypes[providerType] {
			log.Printf("[ccm/registry] provider_type %q is deprecated, use provider_type \"openai\" with base_url %q", providerType, ps.baseURL)
		}
		return openai.New(openai.Config{
			Name:          pc.Name,
			APIKey:        pc.APIKey,
			BaseURL:       firstNonEmpty(pc.BaseURL, ps.baseURL),
			Models:        pc.Models,
			Headers:       mergeHeaders(ps.headers, pc.Headers),
			OAuthProvider: oauthProvider,
			AuthManager:   manager,
		})
	}
	if providerType == "gemini" {
		return gemini.New(gemini.Config{
			Name:          pc.Name,
			APIKey:        pc.APIKey,
			BaseURL:       pc.BaseURL,
			Models:        pc.Models,
			OAuthProvider: oauthProvider,
			AuthManager:   manager,
			ProjectID:     pc.ProjectID,
			Location:      pc.Location,
		})
	}
	return nil, provider.ConfigError(fmt.Sprintf("provider %q has unknown provider_type %q", pc.Name, pc.ProviderType))
}

// GetProvider looks an adapter up by configured name.
func (r *Registry) GetProvider(name string) (provider.Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// GetProviderForModel resolves a model to an adapter. Logical models are
// consulted first, then each adapter's own model list in config order.
func (r *Registry) GetProviderForModel(model string) (provider.Provider, error) {
	if name, ok := r.modelIndex[model]; ok {
		if p, ok := r.providers[name]; ok {
			return p, nil
		}
	}
	for _, name := range r.order {
		if p := r.providers[name]; p.SupportsModel(model) {
			return p, nil
		}
	}
	return nil, provider.ModelNotSupported(model)
}

// ListProviders returns adapter names in config order.
func (r *Registry) ListProviders() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func mergeHeaders(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
