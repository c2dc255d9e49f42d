package generation

import (
	"context"
	"fmt"
	"sort"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"personago/internal/config"
)

// NewChatModel builds the chat model for a configured provider. Tests replace it.
var NewChatModel = func(ctx context.Context, provider string, cfg config.ProviderConfig) (model.BaseChatModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: api key not configured", provider)
	}
	var temperature *float32
	if cfg.Temperature > 0 {
		t := cfg.Temperature
		temperature = &t
	}

	switch provider {
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			APIKey:      cfg.APIKey,
			Temperature: temperature,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: cfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.Model,
		})
	case "claude":
		var baseURL *string
		if cfg.BaseURL != "" {
			baseURL = &cfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			BaseURL:     baseURL,
			MaxTokens:   1024,
			Temperature: temperature,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}

// BuildProviders constructs the fallback chain in configured order, or in
// name order when no order is given. Providers that fail to build are
// returned as errors; an empty chain is not.
func BuildProviders(ctx context.Context, cfg *config.Config) ([]Provider, error) {
	order := cfg.Generation.Order
	if len(order) == 0 {
		for name := range cfg.Providers {
			order = append(order, name)
		}
		sort.Strings(order)
	}
	providers := make([]Provider, 0, len(order))
	for _, name := range order {
		provCfg, ok := cfg.Providers[name]
		if !ok {
			return nil, fmt.Errorf("provider %s not configured", name)
		}
		m, err := NewChatModel(ctx, name, provCfg)
		if err != nil {
			return nil, err
		}
		providers = append(providers, Provider{Name: name, Model: m})
	}
	return providers, nil
}

// BuildModel constructs a single configured provider, e.g. for filtering or moderation.
func BuildModel(ctx context.Context, cfg *config.Config, name string) (model.BaseChatModel, error) {
	provCfg, ok := cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", name)
	}
	return NewChatModel(ctx, name, provCfg)
}
