package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"signal-digest/internal/domain"
	"signal-digest/internal/infra/metrics"
)

// gemini реализует domain.ModelClient через Google Generative AI SDK.
type gemini struct {
	client *genai.Client
	model  string
}

var _ domain.ModelClient = (*gemini)(nil)

func newGemini(cfg GeminiConfig) (*gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: api key is empty")
	}
	client, err := genai.NewClient(context.Background(), option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &gemini{client: client, model: model}, nil
}

// Generate выполняет один запрос к модели.
func (g *gemini) Generate(ctx context.Context, req domain.ModelRequest) (domain.ModelResponse, error) {
	model := g.client.GenerativeModel(g.model)
	model.SetTemperature(float32(req.Temperature))
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.ForceJSON {
		model.ResponseMIMEType = "application/json"
	}
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}

	start := time.Now()
	resp, err := model.GenerateContent(ctx, genai.Text(req.User))
	metrics.ObserveNetworkRequest("gemini", "generate_content", g.model, start, err)
	if err != nil {
		return domain.ModelResponse{}, fmt.Errorf("gemini generate: %w", err)
	}
	if resp.UsageMetadata != nil {
		metrics.ObserveLLMGeneration(
			g.model,
			time.Since(start),
			int(resp.UsageMetadata.PromptTokenCount),
			int(resp.UsageMetadata.CandidatesTokenCount),
			int(resp.UsageMetadata.TotalTokenCount),
		)
	}

	content := collectText(resp)
	if content == "" {
		return domain.ModelResponse{}, fmt.Errorf("gemini generate: пустой ответ")
	}
	return domain.ModelResponse{Content: content, Provider: "gemini", Model: g.model}, nil
}

func collectText(resp *genai.GenerateContentResponse) string {
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				b.WriteString(string(text))
			}
		}
	}
	return strings.TrimSpace(b.String())
}
