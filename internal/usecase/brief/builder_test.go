package brief

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"signal-digest/internal/adapters/llm"
	"signal-digest/internal/domain"
	"signal-digest/internal/usecase/runs"
)

type stubItems struct {
	candidates []domain.BriefCandidate
	since      time.Time
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
func (s *stubItems) ListUnprocessed(context.Context, int) ([]domain.ContentItem, error) {
	return nil, nil
}
func (s *stubItems) ListBriefCandidates(_ context.Context, since time.Time) ([]domain.BriefCandidate, error) {
	s.since = since
	return s.candidates, nil
}
func (s *stubItems) ListItems(context.Context, domain.ItemFilter) ([]domain.ContentItem, error) {
	return nil, nil
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

type stubBriefs struct {
	mu       sync.Mutex
	replaced []domain.Brief
	digests  [][]domain.TopicDigest
}

func (s *stubBriefs) ReplaceBrief(_ context.Context, brief domain.Brief, digests []domain.TopicDigest) (domain.Brief, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	brief.ID = int64(len(s.replaced) + 1)
	s.replaced = append(s.replaced, brief)
	s.digests = append(s.digests, digests)
	return brief, nil
}

func (s *stubBriefs) GetBrief(context.Context, time.Time, domain.BriefMode) (domain.Brief, error) {
	return domain.Brief{}, domain.ErrBriefNotFound
}

func (s *stubBriefs) ListTopicDigests(context.Context, int64) ([]domain.TopicDigest, error) {
	return nil, nil
}

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

func candidate(itemID int64, topicID int64, novelty domain.Novelty, published time.Time, weight int) domain.BriefCandidate {
	ts := published
	return domain.BriefCandidate{
		Item: domain.ContentItem{ID: itemID, Title: "материал", URL: "https://e.com", PublishedAt: &ts, FetchedAt: ts},
		Assignments: []domain.TopicAssignment{
			{ContentItemID: itemID, TopicID: topicID, Score: 0.9},
		},
		Extraction: domain.Extraction{
			ContentItemID: itemID,
			Payload: domain.ExtractionPayload{
				SummaryBullets:    []string{"факт"},
				Novelty:           novelty,
				ConfidenceOverall: domain.ConfidenceMed,
			},
		},
		SourceWeight: weight,
	}
}

var briefDate = time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)

func TestRankLexicographic(t *testing.T) {
	topics := map[int64]domain.Topic{
		1: {ID: 1, Name: "важная", Priority: 10},
		2: {ID: 2, Name: "обычная", Priority: 1},
	}
	now := briefDate.Add(12 * time.Hour)

	// 1 — низкий приоритет темы; 2 — высокий приоритет, слабая новизна;
	// 3 — новое, но старее; 4 — свежее с лёгким источником; 5 — свежее с тяжёлым.
	candidates := []domain.BriefCandidate{
		candidate(1, 2, domain.NoveltyNew, now, 5),
		candidate(2, 1, domain.NoveltyRecurring, now, 5),
		candidate(3, 1, domain.NoveltyNew, now.Add(-2*time.Hour), 5),
		candidate(4, 1, domain.NoveltyNew, now, 1),
		candidate(5, 1, domain.NoveltyNew, now, 5),
	}

	rankedItems := rankCandidates(candidates, topics)

	var order []int64
	for _, r := range rankedItems {
		order = append(order, r.cand.Item.ID)
	}
	want := []int64{5, 4, 3, 2, 1}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("ожидали порядок %v, получили %v", want, order)
		}
	}
}

func TestRankFinalTieBreakByItemID(t *testing.T) {
	topics := map[int64]domain.Topic{1: {ID: 1, Priority: 5}}
	now := briefDate
	candidates := []domain.BriefCandidate{
		candidate(9, 1, domain.NoveltyNew, now, 3),
		candidate(2, 1, domain.NoveltyNew, now, 3),
	}
	rankedItems := rankCandidates(candidates, topics)
	if rankedItems[0].cand.Item.ID != 2 {
		t.Fatalf("при полном равенстве первым идёт меньший id, получили %d", rankedItems[0].cand.Item.ID)
	}
}

func TestRankEqualPriorityPicksSmallerTopicID(t *testing.T) {
	topics := map[int64]domain.Topic{
		3: {ID: 3, Name: "а", Priority: 5},
		7: {ID: 7, Name: "б", Priority: 5},
	}
	cand := candidate(1, 7, domain.NoveltyNew, briefDate, 1)
	cand.Assignments = append(cand.Assignments, domain.TopicAssignment{ContentItemID: 1, TopicID: 3, Score: 0.6})

	r, ok := rankOne(cand, topics)
	if !ok {
		t.Fatalf("кандидат должен ранжироваться")
	}
	if r.topicID != 3 {
		t.Fatalf("при равных приоритетах ведущей становится тема с меньшим id, получили %d", r.topicID)
	}
}

func TestApplyCapsWalkAndSkip(t *testing.T) {
	topics := map[int64]domain.Topic{
		1: {ID: 1, Priority: 10},
		2: {ID: 2, Priority: 1},
	}
	now := briefDate
	var candidates []domain.BriefCandidate
	for i := int64(1); i <= 5; i++ {
		candidates = append(candidates, candidate(i, 1, domain.NoveltyNew, now.Add(-time.Duration(i)*time.Minute), 1))
	}
	candidates = append(candidates, candidate(10, 2, domain.NoveltyNew, now, 1))

	selected := applyCaps(rankCandidates(candidates, topics), 15, 3)
	if len(selected) != 4 {
		t.Fatalf("ожидали 3 позиции темы 1 и 1 позицию темы 2, получили %d", len(selected))
	}
	perTopic := map[int64]int{}
	for _, r := range selected {
		perTopic[r.topicID]++
	}
	if perTopic[1] != 3 || perTopic[2] != 1 {
		t.Fatalf("лимит на тему нарушен: %+v", perTopic)
	}
}

func buildBriefService(items *stubItems, topics *stubTopics, briefs *stubBriefs, digests *TopicDigestGenerator, repo *stubRunRepo) (*Service, *runs.Tracker) {
	tracker := runs.NewTracker(repo, zerolog.Nop())
	cfg := Config{MaxItems: 15, MaxPerTopic: 3, LookbackHours: 48}
	return NewService(items, topics, briefs, digests, tracker, cfg, zerolog.Nop()), tracker
}

func TestRunBuildsBrief(t *testing.T) {
	topics := &stubTopics{topics: []domain.Topic{{ID: 1, Name: "ИИ", Priority: 10, Enabled: true}}}
	items := &stubItems{candidates: []domain.BriefCandidate{
		candidate(1, 1, domain.NoveltyNew, briefDate.Add(-2*time.Hour), 1),
		candidate(2, 1, domain.NoveltyUpdate, briefDate.Add(-1*time.Hour), 1),
	}}
	briefs := &stubBriefs{}
	repo := newStubRunRepo()
	service, tracker := buildBriefService(items, topics, briefs, nil, repo)

	run, token, _ := tracker.Start(context.Background(), domain.RunBuildBrief)
	service.Run(context.Background(), briefDate, domain.BriefModeMorning, Options{}, run.ID, token)

	stored, _ := repo.GetRun(context.Background(), run.ID)
	if stored.Status != domain.RunSuccess {
		t.Fatalf("ожидали success, получили %s (%s)", stored.Status, stored.ErrorText)
	}
	if len(briefs.replaced) != 1 {
		t.Fatalf("ожидали один сохранённый бриф")
	}
	saved := briefs.replaced[0]
	if len(saved.Items) != 2 {
		t.Fatalf("ожидали 2 позиции, получили %d", len(saved.Items))
	}
	if saved.Items[0].Rank != 1 || saved.Items[1].Rank != 2 {
		t.Fatalf("ранги должны быть сквозными с единицы: %+v", saved.Items)
	}
	if saved.Items[0].ContentItemID != 1 {
		t.Fatalf("новый материал должен опережать обновление")
	}
	if saved.Items[0].ReasonIncluded == "" {
		t.Fatalf("у позиции должна быть причина включения")
	}
	if stored.Stats.Brief.CandidatesEvaluated != 2 || stored.Stats.Brief.ItemsSelected != 2 {
		t.Fatalf("итог сборки не заполнен: %+v", stored.Stats.Brief)
	}

	// Повторная сборка за ту же дату заменяет бриф, а не дописывает его.
	run2, token2, err := tracker.Start(context.Background(), domain.RunBuildBrief)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	service.Run(context.Background(), briefDate, domain.BriefModeMorning, Options{}, run2.ID, token2)
	if len(briefs.replaced) != 2 {
		t.Fatalf("повторная сборка должна пройти через ReplaceBrief")
	}
}

func TestCandidateWindowFromStartOfDate(t *testing.T) {
	topics := &stubTopics{topics: []domain.Topic{{ID: 1, Name: "ИИ", Priority: 1, Enabled: true}}}
	items := &stubItems{}
	repo := newStubRunRepo()
	service, tracker := buildBriefService(items, topics, &stubBriefs{}, nil, repo)

	run, token, _ := tracker.Start(context.Background(), domain.RunBuildBrief)
	service.Run(context.Background(), briefDate, domain.BriefModeMorning, Options{}, run.ID, token)

	want := briefDate.Add(-48 * time.Hour)
	if !items.since.Equal(want) {
		t.Fatalf("окно кандидатов должно начинаться за 48ч до начала даты: ожидали %v, получили %v", want, items.since)
	}
}

func TestRunGeneratesTopicDigests(t *testing.T) {
	topics := &stubTopics{topics: []domain.Topic{
		{ID: 1, Name: "ИИ", Priority: 10, Enabled: true},
		{ID: 2, Name: "Космос", Priority: 5, Enabled: true},
	}}
	// Тема 1 набирает два кандидата, тема 2 — только одного.
	items := &stubItems{candidates: []domain.BriefCandidate{
		candidate(1, 1, domain.NoveltyNew, briefDate, 1),
		candidate(2, 1, domain.NoveltyNew, briefDate, 1),
		candidate(3, 2, domain.NoveltyNew, briefDate, 1),
	}}
	briefs := &stubBriefs{}
	repo := newStubRunRepo()
	model := llm.NewStub().WithResponses(`{"summary_short": "кратко", "summary_full": "подробно"}`)
	generator := NewTopicDigestGenerator(model, time.Second)
	service, tracker := buildBriefService(items, topics, briefs, generator, repo)

	run, token, _ := tracker.Start(context.Background(), domain.RunBuildBrief)
	service.Run(context.Background(), briefDate, domain.BriefModeMorning, Options{}, run.ID, token)

	stored, _ := repo.GetRun(context.Background(), run.ID)
	if stored.Status != domain.RunSuccess {
		t.Fatalf("ожидали success, получили %s (%s)", stored.Status, stored.ErrorText)
	}
	digests := briefs.digests[0]
	if len(digests) != 1 {
		t.Fatalf("сводка положена только теме с >=2 кандидатами, получили %d", len(digests))
	}
	if digests[0].TopicID != 1 || digests[0].ShortSummary != "кратко" {
		t.Fatalf("неожиданная сводка: %+v", digests[0])
	}
	if stored.Stats.Brief.TopicDigests.Generated != 1 || stored.Stats.Brief.TopicDigests.Total != 1 {
		t.Fatalf("статистика сводок не заполнена: %+v", stored.Stats.Brief.TopicDigests)
	}
}

func TestRunAbsorbsDigestFailures(t *testing.T) {
	topics := &stubTopics{topics: []domain.Topic{{ID: 1, Name: "ИИ", Priority: 10, Enabled: true}}}
	items := &stubItems{candidates: []domain.BriefCandidate{
		candidate(1, 1, domain.NoveltyNew, briefDate, 1),
		candidate(2, 1, domain.NoveltyNew, briefDate, 1),
	}}
	briefs := &stubBriefs{}
	repo := newStubRunRepo()
	model := llm.NewStub().WithError(errors.New("модель недоступна"))
	generator := NewTopicDigestGenerator(model, time.Second)
	service, tracker := buildBriefService(items, topics, briefs, generator, repo)

	run, token, _ := tracker.Start(context.Background(), domain.RunBuildBrief)
	service.Run(context.Background(), briefDate, domain.BriefModeMorning, Options{}, run.ID, token)

	stored, _ := repo.GetRun(context.Background(), run.ID)
	if stored.Status != domain.RunSuccess {
		t.Fatalf("провал сводки не должен валить бриф: %s (%s)", stored.Status, stored.ErrorText)
	}
	if stored.Stats.Brief.TopicDigests.Failed != 1 {
		t.Fatalf("провал генерации должен быть учтён: %+v", stored.Stats.Brief.TopicDigests)
	}
	if len(briefs.replaced) != 1 || len(briefs.digests[0]) != 0 {
		t.Fatalf("бриф сохраняется без сводок")
	}
}

func TestRunCancelledBeforeSave(t *testing.T) {
	topics := &stubTopics{topics: []domain.Topic{{ID: 1, Name: "ИИ", Priority: 1, Enabled: true}}}
	items := &stubItems{candidates: []domain.BriefCandidate{candidate(1, 1, domain.NoveltyNew, briefDate, 1)}}
	briefs := &stubBriefs{}
	repo := newStubRunRepo()
	service, tracker := buildBriefService(items, topics, briefs, nil, repo)

	run, token, _ := tracker.Start(context.Background(), domain.RunBuildBrief)
	token.Cancel()
	service.Run(context.Background(), briefDate, domain.BriefModeMorning, Options{}, run.ID, token)

	stored, _ := repo.GetRun(context.Background(), run.ID)
	if stored.Status != domain.RunCancelled {
		t.Fatalf("ожидали cancelled, получили %s", stored.Status)
	}
	if len(briefs.replaced) != 0 {
		t.Fatalf("отменённая сборка не должна писать бриф")
	}
}

func TestEmptyCandidatesProduceEmptyBrief(t *testing.T) {
	topics := &stubTopics{topics: []domain.Topic{{ID: 1, Name: "ИИ", Priority: 1, Enabled: true}}}
	items := &stubItems{}
	briefs := &stubBriefs{}
	repo := newStubRunRepo()
	service, tracker := buildBriefService(items, topics, briefs, nil, repo)

	run, token, _ := tracker.Start(context.Background(), domain.RunBuildBrief)
	service.Run(context.Background(), briefDate, domain.BriefModeMorning, Options{}, run.ID, token)

	stored, _ := repo.GetRun(context.Background(), run.ID)
	if stored.Status != domain.RunSuccess {
		t.Fatalf("пустой бриф — это валидный итог: %s", stored.Status)
	}
	if len(briefs.replaced) != 1 || len(briefs.replaced[0].Items) != 0 {
		t.Fatalf("ожидали пустой сохранённый бриф")
	}
}
