package aiprocess

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"signal-digest/internal/adapters/llm"
	"signal-digest/internal/domain"
	"signal-digest/internal/usecase/runs"
)

type stubItems struct {
	unprocessed []domain.ContentItem
}

func (s *stubItems) SaveItem(_ context.Context, item domain.ContentItem) (domain.ContentItem, error) {
	return item, nil
}
func (s *stubItems) FindByPrimaryKey(context.Context, *int64, string, string) (*domain.ContentItem, error) {
	return nil, nil
}
func (s *stubItems) FindByHashSince(context.Context, string, time.Time) (*domain.ContentItem, error) {
	return nil, nil
}
func (s *stubItems) ListUnprocessed(_ context.Context, limit int) ([]domain.ContentItem, error) {
	if limit > 0 && len(s.unprocessed) > limit {
		return s.unprocessed[:limit], nil
	}
	return s.unprocessed, nil
}
func (s *stubItems) ListBriefCandidates(context.Context, time.Time) ([]domain.BriefCandidate, error) {
	return nil, nil
}
func (s *stubItems) ListItems(context.Context, domain.ItemFilter) ([]domain.ContentItem, error) {
	return nil, nil
}

type stubAssignments struct {
	mu       sync.Mutex
	existing map[int64]bool
	saved    map[int64][]domain.TopicAssignment
}

func newStubAssignments() *stubAssignments {
	return &stubAssignments{existing: make(map[int64]bool), saved: make(map[int64][]domain.TopicAssignment)}
}

func (s *stubAssignments) HasAssignments(_ context.Context, itemID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existing[itemID] || len(s.saved[itemID]) > 0, nil
}

func (s *stubAssignments) SaveAssignments(_ context.Context, itemID int64, assignments []domain.TopicAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[itemID] = assignments
	return nil
}

type stubExtractions struct {
	mu    sync.Mutex
	saved map[int64]domain.Extraction
}

func newStubExtractions() *stubExtractions {
	return &stubExtractions{saved: make(map[int64]domain.Extraction)}
}

func (s *stubExtractions) HasExtraction(_ context.Context, itemID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.saved[itemID]
	return ok, nil
}

func (s *stubExtractions) SaveExtraction(_ context.Context, extraction domain.Extraction) (domain.Extraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	extraction.ID = int64(len(s.saved) + 1)
	s.saved[extraction.ContentItemID] = extraction
	return extraction, nil
}

type stubTopics struct {
	topics []domain.Topic
}

func (s *stubTopics) ListTopics(context.Context) ([]domain.Topic, error) { return s.topics, nil }
func (s *stubTopics) ListEnabledTopics(context.Context) ([]domain.Topic, error) {
	var out []domain.Topic
	for _, topic := range s.topics {
		if topic.Enabled {
			out = append(out, topic)
		}
	}
	return out, nil
}
func (s *stubTopics) GetTopic(context.Context, int64) (domain.Topic, error) {
	return domain.Topic{}, nil
}
func (s *stubTopics) CreateTopic(_ context.Context, topic domain.Topic) (domain.Topic, error) {
	return topic, nil
}
func (s *stubTopics) UpdateTopic(_ context.Context, topic domain.Topic) (domain.Topic, error) {
	return topic, nil
}
func (s *stubTopics) DeleteTopic(context.Context, int64) error { return nil }

type stubRunRepo struct {
	mu   sync.Mutex
	runs map[string]domain.Run
}

func newStubRunRepo() *stubRunRepo { return &stubRunRepo{runs: make(map[string]domain.Run)} }

func (s *stubRunRepo) CreateRun(_ context.Context, run domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *stubRunRepo) UpdateRunStats(_ context.Context, id string, stats domain.RunStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := s.runs[id]
	run.Stats = stats
	s.runs[id] = run
	return nil
}

func (s *stubRunRepo) FinishRun(_ context.Context, id string, status domain.RunStatus, stats domain.RunStats, errorText string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || run.Status.Terminal() {
		return false, nil
	}
	run.Status = status
	run.Stats = stats
	run.ErrorText = errorText
	s.runs[id] = run
	return true, nil
}

func (s *stubRunRepo) GetRun(_ context.Context, id string) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return domain.Run{}, domain.ErrRunNotFound
	}
	return run, nil
}

func (s *stubRunRepo) ListRuns(context.Context, int) ([]domain.Run, error) { return nil, nil }
func (s *stubRunRepo) SweepStaleRuns(context.Context, string) (int, error) { return 0, nil }

const classOne = `{"assignments": [{"topic_id": 1, "score": 0.9, "rationale_short": "по теме"}]}`

func buildAIService(t *testing.T, model domain.ModelClient, items *stubItems, assignments *stubAssignments, extractions *stubExtractions, repo *stubRunRepo, cfg Config) (*Service, *runs.Tracker) {
	t.Helper()
	extractor, err := NewExtractor(model)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	tracker := runs.NewTracker(repo, zerolog.Nop())
	topics := &stubTopics{topics: []domain.Topic{{ID: 1, Name: "ИИ", Enabled: true}}}
	service := NewService(items, topics, assignments, extractions, NewClassifier(model), extractor, tracker, cfg, zerolog.Nop())
	return service, tracker
}

func TestRunProcessesItems(t *testing.T) {
	model := llm.NewStub().WithResponses(classOne, validExtraction, classOne, validExtraction)
	items := &stubItems{unprocessed: []domain.ContentItem{
		{ID: 1, Title: "Первый"},
		{ID: 2, Title: "Второй"},
	}}
	assignments := newStubAssignments()
	extractions := newStubExtractions()
	repo := newStubRunRepo()
	service, tracker := buildAIService(t, model, items, assignments, extractions, repo, Config{BatchSize: 10})

	run, token, _ := tracker.Start(context.Background(), domain.RunAIProcess)
	service.Run(context.Background(), Options{}, run.ID, token)

	stored, _ := repo.GetRun(context.Background(), run.ID)
	if stored.Status != domain.RunSuccess {
		t.Fatalf("ожидали success, получили %s (%s)", stored.Status, stored.ErrorText)
	}
	summary := stored.Stats.AI
	if summary.ItemsProcessed != 2 || summary.ItemsSucceeded != 2 {
		t.Fatalf("неожиданный итог: %+v", summary)
	}
	if len(summary.TopicsTouched) != 1 || summary.TopicsTouched[0] != 1 {
		t.Fatalf("ожидали затронутую тему 1: %+v", summary.TopicsTouched)
	}
	if len(extractions.saved) != 2 {
		t.Fatalf("ожидали 2 сохранённых извлечения")
	}
}

func TestRunAbsorbsPerItemFailures(t *testing.T) {
	// Первый материал валится на классификации, второй проходит целиком.
	model := llm.NewStub().WithResponses(`мусор`, classOne, validExtraction)
	items := &stubItems{unprocessed: []domain.ContentItem{
		{ID: 1, Title: "Плохой"},
		{ID: 2, Title: "Хороший"},
	}}
	repo := newStubRunRepo()
	service, tracker := buildAIService(t, model, items, newStubAssignments(), newStubExtractions(), repo, Config{BatchSize: 10})

	run, token, _ := tracker.Start(context.Background(), domain.RunAIProcess)
	service.Run(context.Background(), Options{}, run.ID, token)

	stored, _ := repo.GetRun(context.Background(), run.ID)
	if stored.Status != domain.RunSuccess {
		t.Fatalf("поштучные провалы не валят задачу: %s", stored.Status)
	}
	summary := stored.Stats.AI
	if summary.ItemsFailed != 1 || summary.ItemsSucceeded != 1 {
		t.Fatalf("неожиданный итог: %+v", summary)
	}
	if len(summary.Errors) != 1 {
		t.Fatalf("ошибка материала должна попасть в итог")
	}
}

func TestRunCancellation(t *testing.T) {
	model := llm.NewStub().WithResponses(classOne, validExtraction)
	items := &stubItems{unprocessed: []domain.ContentItem{{ID: 1, Title: "t"}}}
	repo := newStubRunRepo()
	service, tracker := buildAIService(t, model, items, newStubAssignments(), newStubExtractions(), repo, Config{BatchSize: 10})

	run, token, _ := tracker.Start(context.Background(), domain.RunAIProcess)
	token.Cancel()
	service.Run(context.Background(), Options{}, run.ID, token)

	stored, _ := repo.GetRun(context.Background(), run.ID)
	if stored.Status != domain.RunCancelled {
		t.Fatalf("ожидали cancelled, получили %s", stored.Status)
	}
	if stored.Stats.AI.ItemsProcessed != 0 {
		t.Fatalf("отмена до первого материала: ничего не должно быть обработано")
	}
}

func TestRunTimeoutFails(t *testing.T) {
	model := llm.NewStub().WithResponses(classOne, validExtraction)
	items := &stubItems{unprocessed: []domain.ContentItem{{ID: 1, Title: "t"}}}
	repo := newStubRunRepo()
	service, tracker := buildAIService(t, model, items, newStubAssignments(), newStubExtractions(), repo, Config{BatchSize: 10, RunTimeout: time.Nanosecond})

	run, token, _ := tracker.Start(context.Background(), domain.RunAIProcess)
	time.Sleep(time.Millisecond)
	service.Run(context.Background(), Options{}, run.ID, token)

	stored, _ := repo.GetRun(context.Background(), run.ID)
	if stored.Status != domain.RunFailed {
		t.Fatalf("ожидали failed по таймауту, получили %s", stored.Status)
	}
	if stored.ErrorText == "" {
		t.Fatalf("ожидали текст ошибки таймаута")
	}
}

func TestRunSkipsClassificationForClassifiedItems(t *testing.T) {
	model := llm.NewStub().WithResponses(validExtraction)
	items := &stubItems{unprocessed: []domain.ContentItem{{ID: 1, Title: "t"}}}
	assignments := newStubAssignments()
	assignments.existing[1] = true
	repo := newStubRunRepo()
	service, tracker := buildAIService(t, model, items, assignments, newStubExtractions(), repo, Config{BatchSize: 10})

	run, token, _ := tracker.Start(context.Background(), domain.RunAIProcess)
	service.Run(context.Background(), Options{}, run.ID, token)

	if len(model.Calls()) != 1 {
		t.Fatalf("уже классифицированный материал должен идти сразу на извлечение, вызовов %d", len(model.Calls()))
	}
	stored, _ := repo.GetRun(context.Background(), run.ID)
	if stored.Status != domain.RunSuccess {
		t.Fatalf("ожидали success, получили %s", stored.Status)
	}
}
