package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAICompleter calls an OpenAI-compatible chat completion endpoint. The
// same adapter serves OpenAI itself plus Mistral and Ollama, which expose the
// identical wire API behind a different base URL.
type OpenAICompleter struct {
	client      *openai.Client
	provider    string
	model       string
	maxTokens   int
	temperature float64
}

// NewOpenAI builds a completer against api.openai.com.
func NewOpenAI(apiKey, model string, maxTokens int, temperature float64) (*OpenAICompleter, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	return newChat(openai.NewClient(apiKey), "openai", model, maxTokens, temperature)
}

// NewCompat builds a completer against any OpenAI-compatible endpoint.
// provider is the display name used in logs ("mistral", "ollama").
func NewCompat(provider, baseURL, apiKey, model string, maxTokens int, temperature float64) (*OpenAICompleter, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%s: base URL is required", provider)
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	return newChat(openai.NewClientWithConfig(cfg), provider, model, maxTokens, temperature)
}

func newChat(client *openai.Client, provider, model string, maxTokens int, temperature float64) (*OpenAICompleter, error) {
	if model == "" {
		return nil, fmt.Errorf("%s: model is required", provider)
	}
	return &OpenAICompleter{
		client:      client,
		provider:    provider,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
	}, nil
}

func (c *OpenAICompleter) Name() string { return c.provider }

func (c *OpenAICompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userPrompt,
	})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: float32(c.temperature),
	})
	if err != nil {
		return "", fmt.Errorf("%s chat completion: %w", c.provider, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: response contained no choices", c.provider)
	}
	return resp.Choices[0].Message.Content, nil
}
