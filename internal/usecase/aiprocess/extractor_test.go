package aiprocess

import (
	"context"
	"errors"
	"testing"

	"signal-digest/internal/adapters/llm"
	"signal-digest/internal/domain"
)

const validExtraction = `{
  "summary_bullets": ["релиз новой модели", "доступна в публичном API"],
  "why_it_matters": ["меняет расстановку сил"],
  "key_claims": [{"claim": "модель обгоняет конкурентов", "confidence": "med"}],
  "novelty": "new",
  "confidence_overall": "high",
  "follow_ups": ["бенчмарки"]
}`

func TestExtractValidPayload(t *testing.T) {
	model := llm.NewStub().WithResponses(validExtraction)
	extractor, err := NewExtractor(model)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	extraction, err := extractor.Extract(context.Background(), domain.ContentItem{ID: 5, Title: "Релиз", SourceType: domain.SourceFeed})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if extraction.ContentItemID != 5 {
		t.Fatalf("извлечение должно ссылаться на материал")
	}
	if extraction.Payload.Novelty != domain.NoveltyNew {
		t.Fatalf("ожидали novelty=new, получили %s", extraction.Payload.Novelty)
	}
	if extraction.PromptName != "structured_extraction" || extraction.PromptVersion != "v1.0" {
		t.Fatalf("провенанс промпта не заполнен: %+v", extraction)
	}
	if extraction.ModelProvider != "stub" {
		t.Fatalf("провенанс модели не заполнен")
	}

	calls := model.Calls()
	if calls[0].Temperature != 0.1 {
		t.Fatalf("извлечение должно идти с температурой 0.1")
	}
}

func TestExtractRetriesOnceOnMalformed(t *testing.T) {
	model := llm.NewStub().WithResponses(`{"novelty": "чепуха"}`, validExtraction)
	extractor, _ := NewExtractor(model)

	extraction, err := extractor.Extract(context.Background(), domain.ContentItem{ID: 1, Title: "t"})
	if err != nil {
		t.Fatalf("вторая попытка должна спасти материал: %v", err)
	}
	if len(model.Calls()) != 2 {
		t.Fatalf("ожидали ровно 2 вызова модели, получили %d", len(model.Calls()))
	}
	if extraction.Payload.ConfidenceOverall != domain.ConfidenceHigh {
		t.Fatalf("ожидали payload второй попытки")
	}
}

func TestExtractFailsAfterSecondMalformed(t *testing.T) {
	model := llm.NewStub().WithResponses(`мусор`)
	extractor, _ := NewExtractor(model)

	_, err := extractor.Extract(context.Background(), domain.ContentItem{ID: 1, Title: "t"})
	if !errors.Is(err, domain.ErrMalformedModelOutput) {
		t.Fatalf("ожидали ErrMalformedModelOutput, получили %v", err)
	}
	if len(model.Calls()) != 2 {
		t.Fatalf("ожидали ровно 2 попытки, получили %d", len(model.Calls()))
	}
}

func TestExtractSchemaRejectsBadEnums(t *testing.T) {
	model := llm.NewStub().WithResponses(`{
  "summary_bullets": ["x"],
  "why_it_matters": [],
  "key_claims": [{"claim": "y", "confidence": "очень"}],
  "novelty": "new",
  "confidence_overall": "high"
}`)
	extractor, _ := NewExtractor(model)

	_, err := extractor.Extract(context.Background(), domain.ContentItem{ID: 1, Title: "t"})
	if !errors.Is(err, domain.ErrMalformedModelOutput) {
		t.Fatalf("неизвестный уровень уверенности должен резаться схемой: %v", err)
	}
}

func TestExtractSchemaEnforcesBounds(t *testing.T) {
	// Один тезис и пустое «почему важно» не проходят схему: такой ответ
	// уходит на повтор, а не в базу.
	thin := `{
  "summary_bullets": ["единственный тезис"],
  "why_it_matters": [],
  "key_claims": [],
  "novelty": "new",
  "confidence_overall": "high"
}`
	model := llm.NewStub().WithResponses(thin, validExtraction)
	extractor, _ := NewExtractor(model)

	extraction, err := extractor.Extract(context.Background(), domain.ContentItem{ID: 1, Title: "t"})
	if err != nil {
		t.Fatalf("вторая попытка должна спасти материал: %v", err)
	}
	if len(model.Calls()) != 2 {
		t.Fatalf("куцый payload должен уходить на повтор, вызовов %d", len(model.Calls()))
	}
	if len(extraction.Payload.SummaryBullets) != 2 {
		t.Fatalf("ожидали payload второй попытки: %+v", extraction.Payload)
	}

	fat := `{
  "summary_bullets": ["1", "2", "3", "4", "5", "6"],
  "why_it_matters": ["a"],
  "key_claims": [],
  "novelty": "new",
  "confidence_overall": "high"
}`
	model = llm.NewStub().WithResponses(fat, fat)
	extractor, _ = NewExtractor(model)

	if _, err := extractor.Extract(context.Background(), domain.ContentItem{ID: 1, Title: "t"}); !errors.Is(err, domain.ErrMalformedModelOutput) {
		t.Fatalf("больше пяти тезисов должно резаться схемой: %v", err)
	}
}

func TestExtractVideoFraming(t *testing.T) {
	model := llm.NewStub().WithResponses(validExtraction)
	extractor, _ := NewExtractor(model)

	extraction, err := extractor.Extract(context.Background(), domain.ContentItem{ID: 2, Title: "Видео", SourceType: domain.SourceVideoChannel})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if extraction.PromptName != "video_extraction" {
		t.Fatalf("видеоматериал должен идти через видео-промпт, получили %s", extraction.PromptName)
	}
}

func TestExtractModelErrorIsNotRetried(t *testing.T) {
	boom := errors.New("провайдер недоступен")
	model := llm.NewStub().WithError(boom)
	extractor, _ := NewExtractor(model)

	_, err := extractor.Extract(context.Background(), domain.ContentItem{ID: 1, Title: "t"})
	if !errors.Is(err, boom) {
		t.Fatalf("ожидали ошибку провайдера, получили %v", err)
	}
	if len(model.Calls()) != 1 {
		t.Fatalf("сетевые ошибки не ретраятся здесь, ожидали 1 вызов")
	}
}
