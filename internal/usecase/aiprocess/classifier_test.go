package aiprocess

import (
	"context"
	"errors"
	"strings"
	"testing"

	"signal-digest/internal/adapters/llm"
	"signal-digest/internal/domain"
)

var testTopics = []domain.Topic{
	{ID: 1, Name: "ИИ", Description: "модели и агенты", IncludeRules: "LLM, обучение", Enabled: true},
	{ID: 2, Name: "Космос", Enabled: true},
	{ID: 3, Name: "Выключенная", Enabled: false},
}

func TestClassifyFiltersAndCaps(t *testing.T) {
	model := llm.NewStub().WithResponses(`{
  "assignments": [
    {"topic_id": 1, "score": 0.9, "rationale_short": "про модели"},
    {"topic_id": 2, "score": 0.4, "rationale_short": "слабо"},
    {"topic_id": 3, "score": 0.8, "rationale_short": "тема выключена"},
    {"topic_id": 99, "score": 0.95, "rationale_short": "нет такой темы"}
  ]
}`)
	classifier := NewClassifier(model)

	assignments, err := classifier.Classify(context.Background(), domain.ContentItem{ID: 10, Title: "Новая модель"}, testTopics)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(assignments) != 1 {
		t.Fatalf("ожидали 1 назначение, получили %d", len(assignments))
	}
	got := assignments[0]
	if got.TopicID != 1 || got.ContentItemID != 10 {
		t.Fatalf("неожиданное назначение: %+v", got)
	}

	calls := model.Calls()
	if len(calls) != 1 || !calls[0].ForceJSON {
		t.Fatalf("ожидали один JSON-запрос к модели")
	}
	if strings.Contains(calls[0].User, "Выключенная") {
		t.Fatalf("выключенная тема не должна попадать в промпт")
	}
	if !strings.Contains(calls[0].User, "include_rules: LLM, обучение") {
		t.Fatalf("правила включения должны попадать в промпт")
	}
}

func TestClassifyZeroAssignmentsIsSuccess(t *testing.T) {
	model := llm.NewStub().WithResponses(`{"assignments": []}`)
	classifier := NewClassifier(model)

	assignments, err := classifier.Classify(context.Background(), domain.ContentItem{ID: 1, Title: "Нерелевантное"}, testTopics)
	if err != nil {
		t.Fatalf("ноль назначений — это успех: %v", err)
	}
	if len(assignments) != 0 {
		t.Fatalf("ожидали пустой список")
	}
}

func TestClassifyMaxFiveTopics(t *testing.T) {
	model := llm.NewStub().WithResponses(`{
  "assignments": [
    {"topic_id": 1, "score": 0.6},
    {"topic_id": 2, "score": 0.99},
    {"topic_id": 4, "score": 0.8},
    {"topic_id": 5, "score": 0.7},
    {"topic_id": 6, "score": 0.9},
    {"topic_id": 7, "score": 0.55}
  ]
}`)
	many := []domain.Topic{
		{ID: 1, Enabled: true}, {ID: 2, Enabled: true}, {ID: 4, Enabled: true},
		{ID: 5, Enabled: true}, {ID: 6, Enabled: true}, {ID: 7, Enabled: true},
	}
	classifier := NewClassifier(model)

	assignments, err := classifier.Classify(context.Background(), domain.ContentItem{ID: 1, Title: "t"}, many)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(assignments) != 5 {
		t.Fatalf("ожидали максимум 5 назначений, получили %d", len(assignments))
	}
	if assignments[0].TopicID != 2 {
		t.Fatalf("назначения должны идти по убыванию score, первым %d", assignments[0].TopicID)
	}
	for _, a := range assignments {
		if a.TopicID == 7 {
			t.Fatalf("самый слабый score должен быть отрезан лимитом")
		}
	}
}

func TestClassifyMalformedOutput(t *testing.T) {
	model := llm.NewStub().WithResponses(`это не json`)
	classifier := NewClassifier(model)

	_, err := classifier.Classify(context.Background(), domain.ContentItem{ID: 1, Title: "t"}, testTopics)
	if !errors.Is(err, domain.ErrMalformedModelOutput) {
		t.Fatalf("ожидали ErrMalformedModelOutput, получили %v", err)
	}
}

func TestClassifyNoEnabledTopics(t *testing.T) {
	model := llm.NewStub()
	classifier := NewClassifier(model)

	assignments, err := classifier.Classify(context.Background(), domain.ContentItem{ID: 1, Title: "t"}, []domain.Topic{{ID: 3, Enabled: false}})
	if err != nil || assignments != nil {
		t.Fatalf("без включённых тем модель не вызывается: %v %v", assignments, err)
	}
	if len(model.Calls()) != 0 {
		t.Fatalf("модель не должна вызываться")
	}
}
