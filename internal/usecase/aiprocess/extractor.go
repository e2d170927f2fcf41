package aiprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"signal-digest/internal/domain"
)

const extractionTemperature = 0.1

// extractionSchema — жёсткая схема ответа модели. Ответ, не прошедший
// валидацию, повторяется один раз, после чего материал считается проваленным.
const extractionSchema = `{
  "type": "object",
  "required": ["summary_bullets", "why_it_matters", "key_claims", "novelty", "confidence_overall"],
  "properties": {
    "summary_bullets": {
      "type": "array",
      "items": {"type": "string"},
      "minItems": 2,
      "maxItems": 5
    },
    "why_it_matters": {
      "type": "array",
      "items": {"type": "string"},
      "minItems": 1,
      "maxItems": 2
    },
    "key_claims": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["claim", "confidence"],
        "properties": {
          "claim": {"type": "string"},
          "confidence": {"enum": ["low", "med", "high"]}
        }
      },
      "maxItems": 5
    },
    "novelty": {"enum": ["new", "update", "recurring"]},
    "confidence_overall": {"enum": ["low", "med", "high"]},
    "follow_ups": {
      "type": "array",
      "items": {"type": "string"},
      "maxItems": 3
    }
  }
}`

// Extractor извлекает структурированный сигнал из материала.
type Extractor struct {
	model  domain.ModelClient
	schema *gojsonschema.Schema
}

// NewExtractor создаёт экстрактор, компилируя схему ответа.
func NewExtractor(model domain.ModelClient) (*Extractor, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(extractionSchema))
	if err != nil {
		return nil, fmt.Errorf("компиляция схемы извлечения: %w", err)
	}
	return &Extractor{model: model, schema: schema}, nil
}

// Extract получает извлечение для материала. Первая не прошедшая схему
// попытка повторяется с тем же входом ровно один раз.
func (e *Extractor) Extract(ctx context.Context, item domain.ContentItem) (domain.Extraction, error) {
	prompt := extractionPromptFor(item)
	req := domain.ModelRequest{
		System:      prompt.System,
		User:        extractionUser(item),
		Temperature: extractionTemperature,
		ForceJSON:   true,
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := e.model.Generate(ctx, req)
		if err != nil {
			return domain.Extraction{}, fmt.Errorf("извлечение материала %d: %w", item.ID, err)
		}
		payload, err := e.parse(resp.Content)
		if err != nil {
			lastErr = err
			continue
		}
		return domain.Extraction{
			ContentItemID: item.ID,
			CreatedAt:     time.Now().UTC(),
			ModelProvider: resp.Provider,
			ModelName:     resp.Model,
			PromptName:    prompt.Name,
			PromptVersion: prompt.Version,
			Payload:       payload,
		}, nil
	}
	return domain.Extraction{}, fmt.Errorf("материал %d: %w", item.ID, lastErr)
}

func (e *Extractor) parse(content string) (domain.ExtractionPayload, error) {
	result, err := e.schema.Validate(gojsonschema.NewStringLoader(content))
	if err != nil {
		return domain.ExtractionPayload{}, fmt.Errorf("%w: %v", domain.ErrMalformedModelOutput, err)
	}
	if !result.Valid() {
		var reasons []string
		for _, desc := range result.Errors() {
			reasons = append(reasons, desc.String())
		}
		return domain.ExtractionPayload{}, fmt.Errorf("%w: %s", domain.ErrMalformedModelOutput, strings.Join(reasons, "; "))
	}

	var payload domain.ExtractionPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return domain.ExtractionPayload{}, fmt.Errorf("%w: %v", domain.ErrMalformedModelOutput, err)
	}
	return payload, nil
}
