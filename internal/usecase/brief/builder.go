// Package brief собирает дневные подборки: детерминированное ранжирование
// кандидатов, лимиты на объём и генерация тематических сводок.
package brief

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"signal-digest/internal/domain"
	"signal-digest/internal/infra/metrics"
	"signal-digest/internal/usecase/runs"
)

// Config задаёт лимиты сборки брифа.
type Config struct {
	MaxItems      int
	MaxPerTopic   int
	LookbackHours int
}

// Options — переопределения одного запуска. Нулевые значения берутся из конфига.
type Options struct {
	MaxItems      int `json:"max_items,omitempty"`
	MaxPerTopic   int `json:"max_per_topic,omitempty"`
	LookbackHours int `json:"lookback_hours,omitempty"`
}

// Service собирает брифы.
type Service struct {
	items   domain.ContentItemRepo
	topics  domain.TopicRepo
	briefs  domain.BriefRepo
	digests *TopicDigestGenerator
	tracker *runs.Tracker
	cfg     Config
	log     zerolog.Logger
}

// NewService создаёт сборщик брифов. Генератор сводок может быть nil:
// тогда бриф собирается без тематических сводок.
func NewService(items domain.ContentItemRepo, topics domain.TopicRepo, briefs domain.BriefRepo, digests *TopicDigestGenerator, tracker *runs.Tracker, cfg Config, log zerolog.Logger) *Service {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 15
	}
	if cfg.MaxPerTopic <= 0 {
		cfg.MaxPerTopic = 3
	}
	if cfg.LookbackHours <= 0 {
		cfg.LookbackHours = 48
	}
	return &Service{items: items, topics: topics, briefs: briefs, digests: digests, tracker: tracker, cfg: cfg, log: log}
}

// ranked — кандидат с вычисленным ключом ранжирования.
type ranked struct {
	cand         domain.BriefCandidate
	topicID      int64
	topicName    string
	priority     int
	noveltyRank  int
	effective    time.Time
	sourceWeight int
}

func noveltyRank(n domain.Novelty) int {
	switch n {
	case domain.NoveltyNew:
		return 0
	case domain.NoveltyUpdate:
		return 1
	default:
		return 2
	}
}

// rankCandidates сортирует кандидатов по строгому лексикографическому ключу:
// приоритет ведущей темы, новизна, свежесть, вес источника и, как финальный
// тотальный порядок, идентификатор материала.
func rankCandidates(candidates []domain.BriefCandidate, topics map[int64]domain.Topic) []ranked {
	out := make([]ranked, 0, len(candidates))
	for _, cand := range candidates {
		r, ok := rankOne(cand, topics)
		if !ok {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if a.noveltyRank != b.noveltyRank {
			return a.noveltyRank < b.noveltyRank
		}
		if !a.effective.Equal(b.effective) {
			return a.effective.After(b.effective)
		}
		if a.sourceWeight != b.sourceWeight {
			return a.sourceWeight > b.sourceWeight
		}
		return a.cand.Item.ID < b.cand.Item.ID
	})
	return out
}

// rankOne выбирает ведущую тему кандидата: максимальный приоритет, при
// равных приоритетах — меньший идентификатор темы.
func rankOne(cand domain.BriefCandidate, topics map[int64]domain.Topic) (ranked, bool) {
	var (
		best  domain.Topic
		found bool
	)
	for _, a := range cand.Assignments {
		topic, ok := topics[a.TopicID]
		if !ok {
			continue
		}
		if !found || topic.Priority > best.Priority || (topic.Priority == best.Priority && topic.ID < best.ID) {
			best = topic
			found = true
		}
	}
	if !found {
		return ranked{}, false
	}
	return ranked{
		cand:         cand,
		topicID:      best.ID,
		topicName:    best.Name,
		priority:     best.Priority,
		noveltyRank:  noveltyRank(cand.Extraction.Payload.Novelty),
		effective:    cand.Item.EffectiveTime(),
		sourceWeight: cand.SourceWeight,
	}, true
}

// applyCaps отбирает позиции обходом с пропуском: переполненная тема
// пропускается, обход продолжается до общего лимита.
func applyCaps(rankedItems []ranked, maxItems, maxPerTopic int) []ranked {
	var selected []ranked
	perTopic := make(map[int64]int)
	for _, r := range rankedItems {
		if len(selected) >= maxItems {
			break
		}
		if perTopic[r.topicID] >= maxPerTopic {
			continue
		}
		selected = append(selected, r)
		perTopic[r.topicID]++
	}
	return selected
}

func inclusionReason(r ranked) string {
	return fmt.Sprintf("тема %q (приоритет %d), новизна %s, уверенность %s",
		r.topicName, r.priority, r.cand.Extraction.Payload.Novelty, r.cand.Extraction.Payload.ConfidenceOverall)
}

// Run собирает бриф за дату под присмотром трекера.
func (s *Service) Run(ctx context.Context, date time.Time, mode domain.BriefMode, opts Options, runID string, token *runs.CancelToken) {
	started := time.Now()
	summary, status, errText := s.build(ctx, date, mode, opts, runID, token)
	metrics.BriefBuildSeconds.Observe(time.Since(started).Seconds())

	_ = s.tracker.Mutate(ctx, runID, func(stats *domain.RunStats) {
		stats.Brief = summary
	})
	s.tracker.Finish(ctx, runID, status, errText)
}

func (s *Service) build(ctx context.Context, date time.Time, mode domain.BriefMode, opts Options, runID string, token *runs.CancelToken) (*domain.BriefSummary, domain.RunStatus, string) {
	maxItems := s.cfg.MaxItems
	if opts.MaxItems > 0 {
		maxItems = opts.MaxItems
	}
	maxPerTopic := s.cfg.MaxPerTopic
	if opts.MaxPerTopic > 0 {
		maxPerTopic = opts.MaxPerTopic
	}
	lookback := time.Duration(s.cfg.LookbackHours) * time.Hour
	if opts.LookbackHours > 0 {
		lookback = time.Duration(opts.LookbackHours) * time.Hour
	}

	summary := &domain.BriefSummary{Date: date.Format("2006-01-02"), Mode: mode}

	topicList, err := s.topics.ListEnabledTopics(ctx)
	if err != nil {
		return summary, domain.RunFailed, fmt.Sprintf("чтение тем: %v", err)
	}
	topics := make(map[int64]domain.Topic, len(topicList))
	for _, topic := range topicList {
		topics[topic.ID] = topic
	}

	_ = s.tracker.UpdateProgress(ctx, runID, domain.RunProgress{Phase: "brief", Total: 3, Message: "выборка кандидатов"})

	// Окно кандидатов отсчитывается от начала целевой даты.
	since := date.Add(-lookback)
	candidates, err := s.items.ListBriefCandidates(ctx, since)
	if err != nil {
		return summary, domain.RunFailed, fmt.Sprintf("выборка кандидатов: %v", err)
	}
	summary.CandidatesEvaluated = len(candidates)
	_ = s.tracker.AppendTask(ctx, runID, "candidates", fmt.Sprintf("кандидатов: %d", len(candidates)))

	if token != nil && token.IsCancelled() {
		return summary, domain.RunCancelled, ""
	}

	rankedItems := rankCandidates(candidates, topics)
	selected := applyCaps(rankedItems, maxItems, maxPerTopic)
	summary.ItemsSelected = len(selected)
	_ = s.tracker.UpdateProgress(ctx, runID, domain.RunProgress{Phase: "brief", Total: 3, Completed: 1, Message: "позиции отобраны"})

	brief := domain.Brief{Date: date, Mode: mode}
	for i, r := range selected {
		brief.Items = append(brief.Items, domain.BriefItem{
			ContentItemID:  r.cand.Item.ID,
			Rank:           i + 1,
			ReasonIncluded: inclusionReason(r),
		})
	}

	digests, digestStats, cancelled := s.generateTopicDigests(ctx, runID, candidates, topics, token)
	summary.TopicDigests = digestStats
	if cancelled {
		return summary, domain.RunCancelled, ""
	}
	_ = s.tracker.UpdateProgress(ctx, runID, domain.RunProgress{Phase: "brief", Total: 3, Completed: 2, Message: "сводки готовы"})

	saved, err := s.briefs.ReplaceBrief(ctx, brief, digests)
	if err != nil {
		return summary, domain.RunFailed, fmt.Sprintf("сохранение брифа: %v", err)
	}
	summary.BriefID = saved.ID
	_ = s.tracker.UpdateProgress(ctx, runID, domain.RunProgress{Phase: "brief", Total: 3, Completed: 3, Message: "бриф сохранён"})
	return summary, domain.RunSuccess, ""
}

// generateTopicDigests генерирует сводку для каждой темы, набравшей не менее
// двух кандидатов. Провалы генерации учитываются, но бриф не валят.
func (s *Service) generateTopicDigests(ctx context.Context, runID string, candidates []domain.BriefCandidate, topics map[int64]domain.Topic, token *runs.CancelToken) ([]domain.TopicDigest, domain.TopicDigestSummary, bool) {
	var stats domain.TopicDigestSummary
	if s.digests == nil {
		return nil, stats, false
	}

	byTopic := make(map[int64][]domain.BriefCandidate)
	for _, cand := range candidates {
		seen := make(map[int64]bool)
		for _, a := range cand.Assignments {
			if _, ok := topics[a.TopicID]; !ok || seen[a.TopicID] {
				continue
			}
			seen[a.TopicID] = true
			byTopic[a.TopicID] = append(byTopic[a.TopicID], cand)
		}
	}

	var topicIDs []int64
	for id, group := range byTopic {
		if len(group) >= topicDigestMinItems {
			topicIDs = append(topicIDs, id)
		}
	}
	sort.Slice(topicIDs, func(i, j int) bool { return topicIDs[i] < topicIDs[j] })
	stats.Total = len(topicIDs)

	var out []domain.TopicDigest
	for _, id := range topicIDs {
		if token != nil && token.IsCancelled() {
			return nil, stats, true
		}
		topic := topics[id]
		digest, err := s.digests.Generate(ctx, topic, byTopic[id])
		if err != nil {
			stats.Failed++
			stats.Errors = append(stats.Errors, fmt.Sprintf("тема %q: %v", topic.Name, err))
			_ = s.tracker.AppendTask(ctx, runID, "topic_digest_failed", fmt.Sprintf("тема %q: %v", topic.Name, err))
			s.log.Warn().Err(err).Str("topic", topic.Name).Msg("сводка по теме не сгенерирована")
			continue
		}
		stats.Generated++
		out = append(out, digest)
		_ = s.tracker.AppendTask(ctx, runID, "topic_digest", fmt.Sprintf("тема %q: сводка готова", topic.Name))
	}
	return out, stats, false
}
