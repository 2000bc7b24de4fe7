package llm

import (
	"fmt"
	"log/slog"

	"github.com/drover-io/drover/pkg/config"
)

const (
	mistralBaseURL = "https://api.mistral.ai/v1"
	ollamaV1Suffix = "/v1"
)

// FromConfig selects a completer for the configured provider. With an empty
// provider it auto-detects by credential presence, preferring anthropic, then
// openai, then mistral, then ollama. A nil completer (with provider "stub")
// means no backend is configured and the caller should fall back to
// deterministic planning.
func FromConfig(cfg config.LLMConfig) (Completer, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropic(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.MaxTokens, cfg.Temperature)
	case "openai":
		return NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.MaxTokens, cfg.Temperature)
	case "mistral":
		return NewCompat("mistral", mistralBaseURL, cfg.MistralAPIKey, cfg.MistralModel, cfg.MaxTokens, cfg.Temperature)
	case "ollama":
		return NewCompat("ollama", cfg.OllamaBaseURL+ollamaV1Suffix, "ollama", cfg.OllamaModel, cfg.MaxTokens, cfg.Temperature)
	case "stub":
		return nil, nil
	case "":
		return autodetect(cfg)
	}
	return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
}

func autodetect(cfg config.LLMConfig) (Completer, error) {
	switch {
	case cfg.AnthropicAPIKey != "":
		slog.Info("LLM provider auto-detected", "provider", "anthropic", "model", cfg.AnthropicModel)
		return NewAnthropic(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.MaxTokens, cfg.Temperature)
	case cfg.OpenAIAPIKey != "":
		slog.Info("LLM provider auto-detected", "provider", "openai", "model", cfg.OpenAIModel)
		return NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.MaxTokens, cfg.Temperature)
	case cfg.MistralAPIKey != "":
		slog.Info("LLM provider auto-detected", "provider", "mistral", "model", cfg.MistralModel)
		return NewCompat("mistral", mistralBaseURL, cfg.MistralAPIKey, cfg.MistralModel, cfg.MaxTokens, cfg.Temperature)
	case cfg.OllamaBaseURL != "":
		slog.Info("LLM provider auto-detected", "provider", "ollama", "model", cfg.OllamaModel)
		return NewCompat("ollama", cfg.OllamaBaseURL+ollamaV1Suffix, "ollama", cfg.OllamaModel, cfg.MaxTokens, cfg.Temperature)
	}
	slog.Warn("No LLM credentials found, falling back to deterministic planning")
	return nil, nil
}
