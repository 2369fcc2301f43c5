package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const appDirName = ".claude-code-mux"

// AppConfig is the full configuration file.
type AppConfig struct {
	Server    ServerConfig     `toml:"server" yaml:"server"`
	Router    RouterConfig     `toml:"router" yaml:"router"`
	Providers []ProviderConfig `toml:"providers" yaml:"providers"`
	Models    []ModelConfig    `toml:"models" yaml:"models"`
}

// ServerConfig holds listener and logging options.
type ServerConfig struct {
	Host        string        `toml:"host" yaml:"host"`
	Port        int           `toml:"port" yaml:"port"`
	LogLevel    string        `toml:"log_level" yaml:"log_level"`
	LogFile     string        `toml:"log_file" yaml:"log_file"`
	WatchConfig bool          `toml:"watch_config" yaml:"watch_config"`
	Tracing     TracingConfig `toml:"tracing" yaml:"tracing"`
}

// TracingConfig controls the JSONL message trace sink.
type TracingConfig struct {
	Enabled          bool   `toml:"enabled" yaml:"enabled"`
	Path             string `toml:"path" yaml:"path"`
	OmitSystemPrompt bool   `toml:"omit_system_prompt" yaml:"omit_system_prompt"`
}

// RouterConfig drives request classification.
type RouterConfig struct {
	Default         string       `toml:"default" yaml:"default"`
	Background      string       `toml:"background" yaml:"background"`
	Think           string       `toml:"think" yaml:"think"`
	WebSearch       string       `toml:"websearch" yaml:"websearch"`
	AutoMapRegex    string       `toml:"auto_map_regex" yaml:"auto_map_regex"`
	BackgroundRegex string       `toml:"background_regex" yaml:"background_regex"`
	PromptRules     []PromptRule `toml:"prompt_rules" yaml:"prompt_rules"`
}

// PromptRule maps a regex over the turn-starting user message to a model.
// Model may contain $1/${name} capture references.
type PromptRule struct {
	Pattern    string `toml:"pattern" yaml:"pattern"`
	Model      string `toml:"model" yaml:"model"`
	StripMatch bool   `toml:"strip_match" yaml:"strip_match"`
}

// ProviderConfig describes one upstream backend.
type ProviderConfig struct {
	Name          string            `toml:"name" yaml:"name"`
	ProviderType  string            `toml:"provider_type" yaml:"provider_type"`
	AuthType      string            `toml:"auth_type" yaml:"auth_type"`
	APIKey        string            `toml:"api_key" yaml:"api_key"`
	OAuthProvider string            `toml:"oauth_provider" yaml:"oauth_provider"`
	BaseURL       string            `toml:"base_url" yaml:"base_url"`
	Models        []string          `toml:"models" yaml:"models"`
	Enabled       *bool             `toml:"enabled" yaml:"enabled"`
	Headers       map[string]string `toml:"headers" yaml:"headers"`
	ProjectID     string            `toml:"project_id" yaml:"project_id"`
	Location      string            `toml:"location" yaml:"location"`
}

// IsEnabled defaults to true when the flag is absent.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// IsOAuth reports whether the provider authenticates via OAuth tokens.
func (p ProviderConfig) IsOAuth() bool {
	return strings.EqualFold(p.AuthType, "oauth")
}

// ModelConfig is a logical model with ordered provider bindings.
type ModelConfig struct {
	Name     string         `toml:"name" yaml:"name"`
	Mappings []ModelMapping `toml:"mappings" yaml:"mappings"`
}

// ModelMapping binds a logical model to one provider's physical model.
type ModelMapping struct {
	Priority                 int    `toml:"priority" yaml:"priority"`
	Provider                 string `toml:"provider" yaml:"provider"`
	ActualModel              string `toml:"actual_model" yaml:"actual_model"`
	InjectContinuationPrompt bool   `toml:"inject_continuation_prompt" yaml:"inject_continuation_prompt"`
}

// AppDir returns ~/.claude-code-mux, creating it if needed.
func AppDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	dir := filepath.Join(home, appDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("config: create app directory: %w", err)
	}
	return dir, nil
}

// DefaultPath returns ~/.claude-code-mux/config.toml.
func DefaultPath() (string, error) {
	dir, err := AppDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads and validates the config file. TOML is the primary format;
// files ending in .yaml or .yml are decoded as YAML.
func Load(path string) (AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AppConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return AppConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes config bytes by format extension and applies defaults,
// env overrides and validation.
func Parse(data []byte, ext string) (AppConfig, error) {
	var cfg AppConfig
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return AppConfig{}, err
		}
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return AppConfig{}, err
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// MarshalTOML renders the config back to TOML for the admin API.
func (c AppConfig) MarshalTOML() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("config: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *AppConfig) applyDefaults() {
	if strings.TrimSpace(c.Server.Host) == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 13456
	}
	if strings.TrimSpace(c.Server.LogLevel) == "" {
		c.Server.LogLevel = "info"
	}
}

func (c *AppConfig) applyEnv() {
	c.Server.Host = firstNonEmpty(os.Getenv("CCM_HOST"), c.Server.Host)
	c.Server.Port = parseOptionalInt(os.Getenv("CCM_PORT"), c.Server.Port)
	c.Server.LogLevel = firstNonEmpty(os.Getenv("CCM_LOG"), c.Server.LogLevel)
}

// Validate enforces the startup-fatal configuration invariants.
func (c AppConfig) Validate() error {
	if strings.TrimSpace(c.Router.Default) == "" {
		return fmt.Errorf("config: router.default is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("config: provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		if !p.IsEnabled() {
			continue
		}
		if !p.IsOAuth() && strings.TrimSpace(p.APIKey) == "" {
			return fmt.Errorf("config: provider %q uses api_key auth but api_key is empty", p.Name)
		}
	}
	for _, m := range c.Models {
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("config: model with empty name")
		}
		for _, mapping := range m.Mappings {
			if strings.TrimSpace(mapping.Provider) == "" || strings.TrimSpace(mapping.ActualModel) == "" {
				return fmt.Errorf("config: model %q has a mapping missing provider or actual_model", m.Name)
			}
		}
	}
	return nil
}

// FindModel returns the logical model config by exact name.
func (c AppConfig) FindModel(name string) (ModelConfig, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// HasModelIgnoreCase reports whether a logical model exists, matching
// case-insensitively, and returns its canonical name.
func (c AppConfig) HasModelIgnoreCase(name string) (string, bool) {
	for _, m := range c.Models {
		if strings.EqualFold(m.Name, name) {
			return m.Name, true
		}
	}
	return "", false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}
