package llm

import (
	"fmt"
	"os"
	"sync"

	"github.com/normanking/edubuddy/internal/registry"
	"github.com/rs/zerolog"
)

// NewProvider creates a provider by name. Every provider is wrapped with
// MetricsProvider.
func NewProvider(name string, cfg ProviderConfig, log zerolog.Logger) (Provider, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = apiKeyFromEnv(name)
	}

	var p Provider
	switch name {
	case "ollama":
		p = NewOllamaProvider(cfg)
	case "openai":
		p = NewOpenAIProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	return NewMetricsProvider(p, log), nil
}

func apiKeyFromEnv(providerName string) string {
	switch providerName {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	default:
		return ""
	}
}

// Factory builds providers lazily from a provider table and hands out
// generators bound to resolved models.
type Factory struct {
	configs         map[string]ProviderConfig
	defaultProvider string
	log             zerolog.Logger

	mu        sync.Mutex
	providers map[string]Provider
}

// NewFactory creates a Factory. defaultProvider is used when a resolved
// configuration names none.
func NewFactory(configs map[string]ProviderConfig, defaultProvider string, log zerolog.Logger) *Factory {
	cp := make(map[string]ProviderConfig, len(configs))
	for k, v := range configs {
		cp[k] = v
	}
	if defaultProvider == "" {
		defaultProvider = "ollama"
	}
	return &Factory{
		configs:         cp,
		defaultProvider: defaultProvider,
		log:             log,
		providers:       make(map[string]Provider),
	}
}

// Provider returns the shared provider for name, creating it on first use.
// An empty name selects the default provider.
func (f *Factory) Provider(name string) (Provider, error) {
	if name == "" {
		name = f.defaultProvider
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.providers[name]; ok {
		return p, nil
	}
	cfg, ok := f.configs[name]
	if !ok {
		cfg = DefaultConfig(name)
	}
	p, err := NewProvider(name, cfg, f.log)
	if err != nil {
		return nil, err
	}
	f.providers[name] = p
	return p, nil
}

// Generator returns a ChatGenerator bound to cfg's provider and model.
func (f *Factory) Generator(cfg registry.AgentConfig) (*ChatGenerator, error) {
	p, err := f.Provider(cfg.Provider)
	if err != nil {
		return nil, err
	}
	return NewChatGenerator(p, cfg.Model), nil
}
