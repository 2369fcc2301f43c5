package registry

import (
	"testing"

	"github.com/ccmux/ccm/internal/config"
)

func TestNewBuildsEnabledProvidersOnly(t *testing.T) {
	off := false
	cfg := config.AppConfig{
		Providers: []config.ProviderConfig{
			{Name: "or", ProviderType: "openrouter", APIKey: "k", Models: []string{"deepseek/deepseek-v3"}},
			{Name: "ant", ProviderType: "anthropic", APIKey: "k"},
			{Name: "dead", ProviderType: "openai", APIKey: "k", Enabled: &off},
		},
	}
	r, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	names := r.ListProviders()
	if len(names) != 2 || names[0] != "or" || names[1] != "ant" {
		t.Fatalf("providers = %v", names)
	}
	if _, ok := r.GetProvider("dead"); ok {
		t.Fatalf("disabled provider was built")
	}
}

func TestUnknownProviderTypeFails(t *testing.T) {
	cfg := config.AppConfig{
		Providers: []config.ProviderConfig{{Name: "x", ProviderType: "mystery", APIKey: "k"}},
	}
	if _, err := New(cfg, nil); err == nil {
		t.Fatalf("expected error for unknown provider_type")
	}
}

func TestLegacyTypeStillBuilds(t *testing.T) {
	cfg := config.AppConfig{
		Providers: []config.ProviderConfig{{Name: "di", ProviderType: "deepinfra", APIKey: "k", Models: []string{"m"}}},
	}
	r, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("legacy type rejected: %v", err)
	}
	if _, ok := r.GetProvider("di"); !ok {
		t.Fatalf("legacy provider not registered")
	}
}

func TestGetProviderForModelPrefersLogicalIndex(t *testing.T) {
	cfg := config.AppConfig{
		Providers: []config.ProviderConfig{
			{Name: "first", ProviderType: "openai", APIKey: "k", Models: []string{"shared-model"}},
			{Name: "second", ProviderType: "openai", APIKey: "k", Models: []string{"shared-model"}},
		},
		Models: []config.ModelConfig{
			{Name: "logical", Mappings: []config.ModelMapping{
				{Priority: 1, Provider: "second", ActualModel: "shared-model"},
			}},
		},
	}
	r, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p, err := r.GetProviderForModel("logical")
	if err != nil {
		t.Fatalf("GetProviderForModel: %v", err)
	}
	if p.Name() != "second" {
		t.Fatalf("logical model resolved to %s, want second", p.Name())
	}
}

func TestGetProviderForModelScansAdapterModels(t *testing.T) {
	cfg := config.AppConfig{
		Providers: []config.ProviderConfig{
			{Name: "a", ProviderType: "openai", APIKey: "k", Models: []string{"gpt-4o"}},
			{Name: "b", ProviderType: "openai", APIKey: "k", Models: []string{"llama-3"}},
		},
	}
	r, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p, err := r.GetProviderForModel("LLAMA-3")
	if err != nil {
		t.Fatalf("GetProviderForModel: %v", err)
	}
	if p.Name() != "b" {
		t.Fatalf("resolved to %s, want b", p.Name())
	}
	if _, err := r.GetProviderForModel("nobody-has-this"); err == nil {
		t.Fatalf("expected error for unsupported model")
	}
}
