// Package llm содержит закрытый набор провайдеров языковой модели.
// Провайдер выбирается один раз при старте из конфигурации; открытой
// регистрации по строковому ключу нет намеренно.
package llm

import (
	"fmt"
	"time"

	"signal-digest/internal/domain"
	openaiinfra "signal-digest/internal/infra/openai"
)

// ProviderKind — вид провайдера.
type ProviderKind string

const (
	ProviderOpenAI     ProviderKind = "openai"
	ProviderOpenRouter ProviderKind = "openrouter"
	ProviderGemini     ProviderKind = "gemini"
	ProviderStub       ProviderKind = "stub"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenAIConfig — параметры варианта openai.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenRouterConfig — параметры варианта openrouter.
// ReasoningEffort типизирован именно здесь: у других вариантов его нет.
type OpenRouterConfig struct {
	APIKey          string
	Model           string
	ReasoningEffort string
}

// GeminiConfig — параметры варианта gemini.
type GeminiConfig struct {
	APIKey string
	Model  string
}

// Config собирает параметры всех вариантов; учитывается только выбранный.
type Config struct {
	Kind       ProviderKind
	Timeout    time.Duration
	OpenAI     OpenAIConfig
	OpenRouter OpenRouterConfig
	Gemini     GeminiConfig
}

// New создаёт клиента выбранного провайдера.
func New(cfg Config) (domain.ModelClient, error) {
	switch cfg.Kind {
	case ProviderOpenAI:
		client := openaiinfra.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.Timeout)
		return newChatCompletions(client, "openai", cfg.OpenAI.Model, ""), nil
	case ProviderOpenRouter:
		client := openaiinfra.NewClient(cfg.OpenRouter.APIKey, openRouterBaseURL, cfg.Timeout)
		return newChatCompletions(client, "openrouter", cfg.OpenRouter.Model, cfg.OpenRouter.ReasoningEffort), nil
	case ProviderGemini:
		return newGemini(cfg.Gemini)
	case ProviderStub:
		return NewStub(), nil
	default:
		return nil, fmt.Errorf("llm: неизвестный провайдер %q", cfg.Kind)
	}
}
