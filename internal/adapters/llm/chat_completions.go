package llm

import (
	"context"
	"fmt"
	"strings"

	"signal-digest/internal/domain"
	openai "signal-digest/internal/infra/openai"
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// chatCompletions реализует domain.ModelClient поверх Chat Completions API.
// Обслуживает варианты openai и openrouter.
type chatCompletions struct {
	client          chatClient
	provider        string
	model           string
	reasoningEffort string
}

var _ domain.ModelClient = (*chatCompletions)(nil)

func newChatCompletions(client chatClient, provider, model, reasoningEffort string) *chatCompletions {
	return &chatCompletions{client: client, provider: provider, model: model, reasoningEffort: reasoningEffort}
}

// Generate выполняет один запрос к модели.
func (c *chatCompletions) Generate(ctx context.Context, req domain.ModelRequest) (domain.ModelResponse, error) {
	messages := make([]openai.ChatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatMessage{Role: openai.RoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatMessage{Role: openai.RoleUser, Content: req.User})

	chatReq := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.ForceJSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ResponseFormatTypeJSONObject}
	}
	if c.reasoningEffort != "" {
		chatReq.Reasoning = &openai.ChatCompletionReasoning{Effort: c.reasoningEffort}
	}

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return domain.ModelResponse{}, fmt.Errorf("%s completion: %w", c.provider, err)
	}
	if len(resp.Choices) == 0 {
		return domain.ModelResponse{}, fmt.Errorf("%s completion: пустой ответ", c.provider)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return domain.ModelResponse{}, fmt.Errorf("%s completion: пустой ответ", c.provider)
	}
	return domain.ModelResponse{Content: content, Provider: c.provider, Model: c.model}, nil
}
