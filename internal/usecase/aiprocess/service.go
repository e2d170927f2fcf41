package aiprocess

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"signal-digest/internal/domain"
	"signal-digest/internal/usecase/runs"
)

// Config задаёт параметры AI-обработки.
type Config struct {
	BatchSize  int
	RunTimeout time.Duration
	RateDelay  time.Duration
}

// Options — переопределения одного запуска.
type Options struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	Limit          int `json:"limit,omitempty"`
}

// Service прогоняет необработанные материалы через классификацию и извлечение.
type Service struct {
	items       domain.ContentItemRepo
	topics      domain.TopicRepo
	assignments domain.AssignmentRepo
	extractions domain.ExtractionRepo
	classifier  *Classifier
	extractor   *Extractor
	tracker     *runs.Tracker
	cfg         Config
	log         zerolog.Logger
}

// NewService создаёт оркестратор AI-обработки.
func NewService(items domain.ContentItemRepo, topics domain.TopicRepo, assignments domain.AssignmentRepo, extractions domain.ExtractionRepo, classifier *Classifier, extractor *Extractor, tracker *runs.Tracker, cfg Config, log zerolog.Logger) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 900 * time.Second
	}
	return &Service{items: items, topics: topics, assignments: assignments, extractions: extractions, classifier: classifier, extractor: extractor, tracker: tracker, cfg: cfg, log: log}
}

// Run выполняет одну задачу обработки. Ошибки отдельных материалов
// абсорбируются; бюджет времени и отмена проверяются на границах материалов.
func (s *Service) Run(ctx context.Context, opts Options, runID string, token *runs.CancelToken) {
	timeout := s.cfg.RunTimeout
	if opts.TimeoutSeconds > 0 {
		timeout = time.Duration(opts.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_ = s.tracker.Mutate(ctx, runID, func(stats *domain.RunStats) {
		stats.TimeoutSeconds = int(timeout / time.Second)
	})

	summary, status, errText := s.run(ctx, opts, runID, token)
	_ = s.tracker.Mutate(context.WithoutCancel(ctx), runID, func(stats *domain.RunStats) {
		stats.AI = summary
	})
	s.tracker.Finish(context.WithoutCancel(ctx), runID, status, errText)
}

func (s *Service) run(ctx context.Context, opts Options, runID string, token *runs.CancelToken) (*domain.AISummary, domain.RunStatus, string) {
	summary := &domain.AISummary{}
	touched := make(map[int64]bool)

	topics, err := s.topics.ListEnabledTopics(ctx)
	if err != nil {
		return summary, domain.RunFailed, fmt.Sprintf("чтение тем: %v", err)
	}

	items, err := s.items.ListUnprocessed(ctx, opts.Limit)
	if err != nil {
		return summary, domain.RunFailed, fmt.Sprintf("выборка материалов: %v", err)
	}

	_ = s.tracker.UpdateProgress(ctx, runID, domain.RunProgress{Phase: "items", Total: len(items)})

	for i, item := range items {
		if token != nil && token.IsCancelled() {
			s.fillTouched(summary, touched)
			return summary, domain.RunCancelled, ""
		}
		if ctx.Err() != nil {
			s.fillTouched(summary, touched)
			return summary, domain.RunFailed, "превышен бюджет времени обработки"
		}

		if err := s.processItem(ctx, item, topics, touched); err != nil {
			summary.ItemsFailed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("материал %d: %v", item.ID, err))
			_ = s.tracker.AppendTask(ctx, runID, "item_failed", fmt.Sprintf("материал %d: %v", item.ID, err))
			s.log.Warn().Err(err).Int64("item_id", item.ID).Msg("материал не обработан")
		} else {
			summary.ItemsSucceeded++
		}
		summary.ItemsProcessed++

		_ = s.tracker.UpdateProgress(ctx, runID, domain.RunProgress{
			Phase:     "items",
			Total:     len(items),
			Completed: summary.ItemsProcessed,
			Succeeded: summary.ItemsSucceeded,
			Failed:    summary.ItemsFailed,
		})
		if (i+1)%s.cfg.BatchSize == 0 {
			_ = s.tracker.AppendTask(ctx, runID, "batch", fmt.Sprintf("обработано %d из %d", i+1, len(items)))
		}

		if s.cfg.RateDelay > 0 && i < len(items)-1 {
			if cancelled := s.sleep(ctx, token); cancelled {
				s.fillTouched(summary, touched)
				return summary, domain.RunCancelled, ""
			}
		}
	}

	s.fillTouched(summary, touched)
	return summary, domain.RunSuccess, ""
}

// processItem — классификация, затем извлечение. Повторный запуск по уже
// классифицированному материалу пропускает классификацию.
func (s *Service) processItem(ctx context.Context, item domain.ContentItem, topics []domain.Topic, touched map[int64]bool) error {
	classified, err := s.assignments.HasAssignments(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("проверка назначений: %w", err)
	}
	if !classified {
		assignments, err := s.classifier.Classify(ctx, item, topics)
		if err != nil {
			return err
		}
		if len(assignments) > 0 {
			if err := s.assignments.SaveAssignments(ctx, item.ID, assignments); err != nil {
				return fmt.Errorf("сохранение назначений: %w", err)
			}
			for _, a := range assignments {
				touched[a.TopicID] = true
			}
		}
	}

	extracted, err := s.extractions.HasExtraction(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("проверка извлечения: %w", err)
	}
	if extracted {
		return nil
	}

	extraction, err := s.extractor.Extract(ctx, item)
	if err != nil {
		return err
	}
	if _, err := s.extractions.SaveExtraction(ctx, extraction); err != nil {
		return fmt.Errorf("сохранение извлечения: %w", err)
	}
	return nil
}

// sleep выдерживает паузу между вызовами модели. Возвращает true при отмене.
func (s *Service) sleep(ctx context.Context, token *runs.CancelToken) bool {
	timer := time.NewTimer(s.cfg.RateDelay)
	defer timer.Stop()
	var cancelled <-chan struct{}
	if token != nil {
		cancelled = token.Cancelled()
	}
	select {
	case <-timer.C:
		return false
	case <-cancelled:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Service) fillTouched(summary *domain.AISummary, touched map[int64]bool) {
	for id := range touched {
		summary.TopicsTouched = append(summary.TopicsTouched, id)
	}
	sort.Slice(summary.TopicsTouched, func(i, j int) bool {
		return summary.TopicsTouched[i] < summary.TopicsTouched[j]
	})
}
