package embedding

import (
	"fmt"

	"github.com/shelf-app/shelfd/internal/config"
)

// NewClient builds the configured provider wrapped in the retry policy,
// plus the optional chat capability (local provider only).
func NewClient(cfg config.EmbeddingConfig) (Client, Chatter, error) {
	retry := RetryConfig{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}

	switch cfg.Provider {
	case "openai":
		client, err := NewOpenAIClient(OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Multimodal: cfg.Multimodal,
			Timeout:    cfg.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return WithRetry(client, retry), nil, nil

	case "ollama":
		client := NewOllamaClient(cfg.OllamaBaseURL, cfg.OllamaModel, cfg.ChatModel, cfg.Timeout)
		var chatter Chatter
		if cfg.ChatModel != "" {
			chatter = client
		}
		return WithRetry(client, retry), chatter, nil

	default:
		return nil, nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
