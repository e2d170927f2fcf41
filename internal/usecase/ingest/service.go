package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"signal-digest/internal/domain"
	"signal-digest/internal/infra/metrics"
	"signal-digest/internal/usecase/runs"
)

// Config задаёт лимиты сбора.
type Config struct {
	FeedMaxItems   int
	VideoMaxItems  int
	SocialMaxItems int
	WindowHours    int
	Parallelism    int
	SourceTimeout  time.Duration
}

// Options — переопределения лимитов для одного запуска. Нулевые значения
// означают «взять из конфига».
type Options struct {
	FeedMaxItems   int `json:"feed_max_items,omitempty"`
	VideoMaxItems  int `json:"video_max_items,omitempty"`
	SocialMaxItems int `json:"social_max_items,omitempty"`
	WindowHours    int `json:"window_hours,omitempty"`
}

// Service обходит включённые источники, нормализует и сохраняет новые материалы.
type Service struct {
	sources  domain.SourceRepo
	topics   domain.TopicRepo
	items    domain.ContentItemRepo
	dedup    *Deduplicator
	fetchers map[domain.SourceType]domain.SourceFetcher
	tracker  *runs.Tracker
	cfg      Config
	log      zerolog.Logger
}

// NewService создаёт оркестратор сбора.
func NewService(sources domain.SourceRepo, topics domain.TopicRepo, items domain.ContentItemRepo, dedup *Deduplicator, fetchers map[domain.SourceType]domain.SourceFetcher, tracker *runs.Tracker, cfg Config, log zerolog.Logger) *Service {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = 48
	}
	return &Service{sources: sources, topics: topics, items: items, dedup: dedup, fetchers: fetchers, tracker: tracker, cfg: cfg, log: log}
}

func (s *Service) limitFor(srcType domain.SourceType, opts Options) int {
	pick := func(override, fallback int) int {
		if override > 0 {
			return override
		}
		return fallback
	}
	switch srcType {
	case domain.SourceVideoChannel:
		return pick(opts.VideoMaxItems, s.cfg.VideoMaxItems)
	case domain.SourceSocialAccount:
		return pick(opts.SocialMaxItems, s.cfg.SocialMaxItems)
	default:
		return pick(opts.FeedMaxItems, s.cfg.FeedMaxItems)
	}
}

// Run выполняет один проход сбора под присмотром трекера. Ошибки отдельных
// источников абсорбируются: задача проваливается, только когда провалились все.
func (s *Service) Run(ctx context.Context, opts Options, runID string) {
	summary, err := s.run(ctx, opts, runID)

	_ = s.tracker.Mutate(ctx, runID, func(stats *domain.RunStats) {
		stats.Ingest = summary
	})
	if err != nil {
		s.tracker.Finish(ctx, runID, domain.RunFailed, err.Error())
		return
	}
	s.tracker.Finish(ctx, runID, domain.RunSuccess, "")
}

func (s *Service) run(ctx context.Context, opts Options, runID string) (*domain.IngestSummary, error) {
	windowHours := opts.WindowHours
	if windowHours <= 0 {
		windowHours = s.cfg.WindowHours
	}
	window := time.Duration(windowHours) * time.Hour
	lookback := window

	sources, err := s.sources.ListEnabledSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("чтение источников: %w", err)
	}

	summary := &domain.IngestSummary{}
	var mu sync.Mutex
	completed := 0

	_ = s.tracker.UpdateProgress(ctx, runID, domain.RunProgress{Phase: "sources", Total: len(sources)})

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.Parallelism)
	for _, src := range sources {
		src := src
		group.Go(func() error {
			result := s.processSource(groupCtx, src, s.limitFor(src.Type, opts), window, lookback)

			mu.Lock()
			summary.SourcesProcessed++
			summary.TotalFetched += result.Fetched
			summary.TotalNew += result.New
			summary.TotalSkipped += result.Skipped
			if result.Error != "" {
				summary.SourcesFailed++
				summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %s", src.Name, result.Error))
			}
			summary.SourceDetails = append(summary.SourceDetails, result)
			completed++
			done, failed := completed, summary.SourcesFailed
			mu.Unlock()

			_ = s.tracker.UpdateProgress(groupCtx, runID, domain.RunProgress{
				Phase:     "sources",
				Total:     len(sources),
				Completed: done,
				Succeeded: done - failed,
				Failed:    failed,
			})
			_ = s.tracker.AppendTask(groupCtx, runID, "source", fmt.Sprintf("%s: новых %d, пропущено %d", src.Name, result.New, result.Skipped))
			return nil
		})
	}
	_ = group.Wait()

	sort.Slice(summary.SourceDetails, func(i, j int) bool {
		return summary.SourceDetails[i].SourceID < summary.SourceDetails[j].SourceID
	})

	s.runTopicQueries(ctx, runID, summary, opts, window, lookback)

	if len(sources) > 0 && summary.SourcesFailed == len(sources) {
		return summary, fmt.Errorf("все источники завершились ошибкой")
	}
	return summary, nil
}

// processSource выгружает один источник. Любая ошибка учитывается в итоге,
// но не прерывает остальные источники.
func (s *Service) processSource(ctx context.Context, src domain.Source, limit int, window, lookback time.Duration) domain.SourceResult {
	result := domain.SourceResult{SourceID: src.ID, Name: src.Name, Type: src.Type}

	fetcher, ok := s.fetchers[src.Type]
	if !ok {
		result.Error = fmt.Sprintf("нет фетчера для типа %s", src.Type)
		metrics.IngestSourceErrors.Inc()
		return result
	}

	fetchCtx := ctx
	if s.cfg.SourceTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.cfg.SourceTimeout)
		defer cancel()
	}

	records, err := fetcher.Fetch(fetchCtx, src, limit, window)
	if err != nil {
		result.Error = err.Error()
		metrics.IngestSourceErrors.Inc()
		s.log.Warn().Err(err).Str("source", src.Name).Msg("источник не выгружен")
		return result
	}
	result.Fetched = len(records)

	newCount, skipped := s.persistRecords(ctx, src, records, lookback)
	result.New = newCount
	result.Skipped = skipped
	return result
}

func (s *Service) persistRecords(ctx context.Context, src domain.Source, records []domain.RawRecord, lookback time.Duration) (newCount, skipped int) {
	for _, raw := range records {
		item, err := Normalize(raw, src)
		if err != nil {
			skipped++
			metrics.IngestItemsTotal.WithLabelValues("invalid").Inc()
			continue
		}
		decision, err := s.dedup.Decide(ctx, item, lookback)
		if err != nil {
			skipped++
			s.log.Warn().Err(err).Str("source", src.Name).Msg("дедупликация не удалась, запись пропущена")
			continue
		}
		if decision != DecisionNew {
			skipped++
			metrics.IngestItemsTotal.WithLabelValues("duplicate").Inc()
			continue
		}
		if _, err := s.items.SaveItem(ctx, item); err != nil {
			skipped++
			s.log.Warn().Err(err).Str("source", src.Name).Msg("материал не сохранён")
			continue
		}
		s.dedup.MarkSeen(item.Hash, lookback)
		newCount++
		metrics.IngestItemsTotal.WithLabelValues("new").Inc()
	}
	return newCount, skipped
}

// runTopicQueries — вторая фаза: поисковый проход по включённым темам.
// Выполняется, только если сконфигурирован поисковый фетчер.
func (s *Service) runTopicQueries(ctx context.Context, runID string, summary *domain.IngestSummary, opts Options, window, lookback time.Duration) {
	fetcher, ok := s.fetchers[domain.SourceSearchQuery]
	if !ok {
		return
	}
	topics, err := s.topics.ListEnabledTopics(ctx)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("чтение тем для поиска: %v", err))
		return
	}
	if len(topics) == 0 {
		return
	}

	_ = s.tracker.UpdateProgress(ctx, runID, domain.RunProgress{Phase: "queries", Total: len(topics)})

	limit := s.limitFor(domain.SourceFeed, opts)
	for i, topic := range topics {
		query := domain.Source{Type: domain.SourceSearchQuery, Name: "topic:" + topic.Name, Target: topic.Name}

		fetchCtx, cancel := ctx, context.CancelFunc(func() {})
		if s.cfg.SourceTimeout > 0 {
			fetchCtx, cancel = context.WithTimeout(ctx, s.cfg.SourceTimeout)
		}
		records, err := fetcher.Fetch(fetchCtx, query, limit, window)
		cancel()
		s.accountQuery(ctx, summary, query, records, err, lookback)

		_ = s.tracker.UpdateProgress(ctx, runID, domain.RunProgress{
			Phase:     "queries",
			Total:     len(topics),
			Completed: i + 1,
			Succeeded: summary.QueriesProcessed - summary.QueriesFailed,
			Failed:    summary.QueriesFailed,
		})
	}
}

func (s *Service) accountQuery(ctx context.Context, summary *domain.IngestSummary, query domain.Source, records []domain.RawRecord, err error, lookback time.Duration) {
	summary.QueriesProcessed++
	if err != nil {
		summary.QueriesFailed++
		summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", query.Name, err))
		metrics.IngestSourceErrors.Inc()
		return
	}
	newCount, skipped := s.persistRecords(ctx, query, records, lookback)
	summary.TotalFetched += len(records)
	summary.TotalNew += newCount
	summary.TotalSkipped += skipped
}
