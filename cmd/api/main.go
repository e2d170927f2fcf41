package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"signal-digest/internal/adapters/fetch"
	"signal-digest/internal/adapters/llm"
	"signal-digest/internal/adapters/repo"
	"signal-digest/internal/domain"
	"signal-digest/internal/infra/cache"
	"signal-digest/internal/infra/config"
	"signal-digest/internal/infra/db"
	httpinfra "signal-digest/internal/infra/http"
	loginfra "signal-digest/internal/infra/log"
	"signal-digest/internal/infra/metrics"
	"signal-digest/internal/usecase/aiprocess"
	"signal-digest/internal/usecase/brief"
	"signal-digest/internal/usecase/ingest"
	"signal-digest/internal/usecase/runs"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := loginfra.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN, 10)
	if err != nil {
		log.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	var dedupCache domain.Cache
	if cfg.RedisAddr != "" {
		redisCache, err := cache.Dial(cfg.RedisAddr)
		if err != nil {
			log.Warn().Err(err).Msg("api: redis недоступен, дедупликация пойдёт через БД")
		} else {
			dedupCache = redisCache
		}
	}

	model, err := llm.New(llm.Config{
		Kind:    llm.ProviderKind(cfg.LLM.Provider),
		Timeout: cfg.LLM.Timeout,
		OpenAI: llm.OpenAIConfig{
			APIKey:  cfg.LLM.OpenAI.APIKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
		},
		OpenRouter: llm.OpenRouterConfig{
			APIKey:          cfg.LLM.OpenRouter.APIKey,
			Model:           cfg.LLM.OpenRouter.Model,
			ReasoningEffort: cfg.LLM.OpenRouter.ReasoningEffort,
		},
		Gemini: llm.GeminiConfig{
			APIKey: cfg.LLM.Gemini.APIKey,
			Model:  cfg.LLM.Gemini.Model,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("api: провайдер модели не создан")
	}

	tracker := runs.NewTracker(repoAdapter, loginfra.ForComponent(log, "runs"))
	if err := tracker.SweepStale(ctx); err != nil {
		log.Fatal().Err(err).Msg("api: не удалось подмести зависшие задачи")
	}

	fetchers := map[domain.SourceType]domain.SourceFetcher{
		domain.SourceFeed:          fetch.NewRSS(cfg.Ingest.SourceTimeout),
		domain.SourceVideoChannel:  fetch.NewRSS(cfg.Ingest.SourceTimeout),
		domain.SourceSocialAccount: fetch.NewRSS(cfg.Ingest.SourceTimeout),
	}
	if cfg.Ingest.SearchBaseURL != "" && cfg.Ingest.SearchAPIKey != "" {
		fetchers[domain.SourceSearchQuery] = fetch.NewSearch(cfg.Ingest.SearchBaseURL, cfg.Ingest.SearchAPIKey, cfg.Ingest.SourceTimeout)
	}

	dedup := ingest.NewDeduplicator(repoAdapter, dedupCache)
	ingestService := ingest.NewService(repoAdapter, repoAdapter, repoAdapter, dedup, fetchers, tracker, ingest.Config{
		FeedMaxItems:   cfg.Ingest.FeedMaxItems,
		VideoMaxItems:  cfg.Ingest.VideoMaxItems,
		SocialMaxItems: cfg.Ingest.SocialMaxItems,
		WindowHours:    cfg.Ingest.WindowHours,
		Parallelism:    cfg.Ingest.Parallelism,
		SourceTimeout:  cfg.Ingest.SourceTimeout,
	}, loginfra.ForComponent(log, "ingest"))

	extractor, err := aiprocess.NewExtractor(model)
	if err != nil {
		log.Fatal().Err(err).Msg("api: экстрактор не создан")
	}
	aiService := aiprocess.NewService(repoAdapter, repoAdapter, repoAdapter, repoAdapter, aiprocess.NewClassifier(model), extractor, tracker, aiprocess.Config{
		BatchSize:  cfg.AI.BatchSize,
		RunTimeout: cfg.AI.RunTimeout,
		RateDelay:  cfg.AI.RateDelay,
	}, loginfra.ForComponent(log, "aiprocess"))

	digestGenerator := brief.NewTopicDigestGenerator(model, cfg.Brief.TopicDigestTimeout)
	briefService := brief.NewService(repoAdapter, repoAdapter, repoAdapter, digestGenerator, tracker, brief.Config{
		MaxItems:      cfg.Brief.MaxItems,
		MaxPerTopic:   cfg.Brief.MaxPerTopic,
		LookbackHours: cfg.Brief.LookbackHours,
	}, loginfra.ForComponent(log, "brief"))

	server := httpinfra.NewServer(loginfra.ForComponent(log, "http"))
	r := server.Router

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/api/run/ingest", func(w http.ResponseWriter, req *http.Request) {
		var opts ingest.Options
		if !decodeOptionalBody(w, req, &opts) {
			return
		}
		run, _, err := tracker.Start(req.Context(), domain.RunIngest)
		if err != nil {
			writeRunStartError(w, err)
			return
		}
		go ingestService.Run(ctx, opts, run.ID)
		writeJSON(w, http.StatusAccepted, runToResponse(run))
	})

	r.Post("/api/run/ai", func(w http.ResponseWriter, req *http.Request) {
		var opts aiprocess.Options
		if !decodeOptionalBody(w, req, &opts) {
			return
		}
		run, token, err := tracker.Start(req.Context(), domain.RunAIProcess)
		if err != nil {
			writeRunStartError(w, err)
			return
		}
		go aiService.Run(ctx, opts, run.ID, token)
		writeJSON(w, http.StatusAccepted, runToResponse(run))
	})

	r.Post("/api/run/build-brief", func(w http.ResponseWriter, req *http.Request) {
		date, err := parseBriefDate(req.URL.Query().Get("date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "date должен быть в формате YYYY-MM-DD")
			return
		}
		mode := domain.BriefMode(req.URL.Query().Get("mode"))
		if mode == "" {
			mode = domain.BriefModeMorning
		}
		var opts brief.Options
		if !decodeOptionalBody(w, req, &opts) {
			return
		}
		run, token, err := tracker.Start(req.Context(), domain.RunBuildBrief)
		if err != nil {
			writeRunStartError(w, err)
			return
		}
		go briefService.Run(ctx, date, mode, opts, run.ID, token)
		writeJSON(w, http.StatusAccepted, runToResponse(run))
	})

	r.Post("/api/run/{id}/cancel", func(w http.ResponseWriter, req *http.Request) {
		err := tracker.RequestCancel(req.Context(), chi.URLParam(req, "id"))
		switch {
		case errors.Is(err, domain.ErrRunNotFound):
			writeError(w, http.StatusNotFound, "задача не найдена")
		case errors.Is(err, domain.ErrRunNotCancellable):
			writeError(w, http.StatusConflict, "задача не поддерживает отмену")
		case errors.Is(err, domain.ErrRunFinished):
			writeError(w, http.StatusConflict, "задача уже завершена")
		case err != nil:
			writeError(w, http.StatusInternalServerError, "не удалось отменить задачу")
		default:
			writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
		}
	})

	r.Get("/api/run", func(w http.ResponseWriter, req *http.Request) {
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		list, err := tracker.List(req.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "не удалось прочитать задачи")
			return
		}
		out := make([]runResponse, 0, len(list))
		for _, run := range list {
			out = append(out, runToResponse(run))
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Get("/api/run/{id}", func(w http.ResponseWriter, req *http.Request) {
		run, err := tracker.Get(req.Context(), chi.URLParam(req, "id"))
		if errors.Is(err, domain.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "задача не найдена")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "не удалось прочитать задачу")
			return
		}
		writeJSON(w, http.StatusOK, runToResponse(run))
	})

	r.Get("/api/briefs/{date}", func(w http.ResponseWriter, req *http.Request) {
		date, err := time.Parse("2006-01-02", chi.URLParam(req, "date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "date должен быть в формате YYYY-MM-DD")
			return
		}
		mode := domain.BriefMode(req.URL.Query().Get("mode"))
		if mode == "" {
			mode = domain.BriefModeMorning
		}
		briefRow, err := repoAdapter.GetBrief(req.Context(), date, mode)
		if errors.Is(err, domain.ErrBriefNotFound) {
			writeError(w, http.StatusNotFound, "бриф не найден")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "не удалось прочитать бриф")
			return
		}
		digests, err := repoAdapter.ListTopicDigests(req.Context(), briefRow.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "не удалось прочитать сводки")
			return
		}
		writeJSON(w, http.StatusOK, briefToResponse(briefRow, digests))
	})

	r.Get("/api/items", func(w http.ResponseWriter, req *http.Request) {
		filter, err := parseItemFilter(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		items, err := repoAdapter.ListItems(req.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "не удалось прочитать материалы")
			return
		}
		out := make([]itemResponse, 0, len(items))
		for _, item := range items {
			out = append(out, itemToResponse(item))
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Route("/api/topics", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			topics, err := repoAdapter.ListTopics(req.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, "не удалось прочитать темы")
				return
			}
			out := make([]topicResponse, 0, len(topics))
			for _, topic := range topics {
				out = append(out, topicToResponse(topic))
			}
			writeJSON(w, http.StatusOK, out)
		})
		r.Post("/", func(w http.ResponseWriter, req *http.Request) {
			var body topicRequest
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "некорректное тело запроса")
				return
			}
			if body.Name == "" {
				writeError(w, http.StatusBadRequest, "name обязателен")
				return
			}
			topic, err := repoAdapter.CreateTopic(req.Context(), body.toDomain(0))
			if err != nil {
				writeError(w, http.StatusInternalServerError, "не удалось создать тему")
				return
			}
			writeJSON(w, http.StatusCreated, topicToResponse(topic))
		})
		r.Put("/{id}", func(w http.ResponseWriter, req *http.Request) {
			id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "некорректный id")
				return
			}
			var body topicRequest
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "некорректное тело запроса")
				return
			}
			topic, err := repoAdapter.UpdateTopic(req.Context(), body.toDomain(id))
			if err != nil {
				writeError(w, http.StatusInternalServerError, "не удалось обновить тему")
				return
			}
			writeJSON(w, http.StatusOK, topicToResponse(topic))
		})
		r.Delete("/{id}", func(w http.ResponseWriter, req *http.Request) {
			id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "некорректный id")
				return
			}
			if err := repoAdapter.DeleteTopic(req.Context(), id); err != nil {
				writeError(w, http.StatusInternalServerError, "не удалось удалить тему")
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})

	r.Route("/api/sources", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			sources, err := repoAdapter.ListSources(req.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, "не удалось прочитать источники")
				return
			}
			out := make([]sourceResponse, 0, len(sources))
			for _, src := range sources {
				out = append(out, sourceToResponse(src))
			}
			writeJSON(w, http.StatusOK, out)
		})
		r.Post("/", func(w http.ResponseWriter, req *http.Request) {
			var body sourceRequest
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "некорректное тело запроса")
				return
			}
			if body.Name == "" || body.Target == "" || body.Type == "" {
				writeError(w, http.StatusBadRequest, "type, name и target обязательны")
				return
			}
			src, err := repoAdapter.CreateSource(req.Context(), body.toDomain(0))
			if err != nil {
				writeError(w, http.StatusInternalServerError, "не удалось создать источник")
				return
			}
			writeJSON(w, http.StatusCreated, sourceToResponse(src))
		})
		r.Put("/{id}", func(w http.ResponseWriter, req *http.Request) {
			id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "некорректный id")
				return
			}
			var body sourceRequest
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "некорректное тело запроса")
				return
			}
			src, err := repoAdapter.UpdateSource(req.Context(), body.toDomain(id))
			if err != nil {
				writeError(w, http.StatusInternalServerError, "не удалось обновить источник")
				return
			}
			writeJSON(w, http.StatusOK, sourceToResponse(src))
		})
		r.Delete("/{id}", func(w http.ResponseWriter, req *http.Request) {
			id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "некорректный id")
				return
			}
			if err := repoAdapter.DeleteSource(req.Context(), id); err != nil {
				writeError(w, http.StatusInternalServerError, "не удалось удалить источник")
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})

	metrics.StartServer(ctx, loginfra.ForComponent(log, "metrics"), cfg.MetricsAddr)
	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

// parseBriefDate разбирает дату брифа; пустая строка означает сегодня (UTC).
func parseBriefDate(value string) (time.Time, error) {
	if value == "" {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	return time.Parse("2006-01-02", value)
}

// decodeOptionalBody читает JSON-тело, допуская его отсутствие.
func decodeOptionalBody(w http.ResponseWriter, req *http.Request, v any) bool {
	if req.Body == nil || req.ContentLength == 0 {
		return true
	}
	defer req.Body.Close()
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "некорректное тело запроса")
		return false
	}
	return true
}

func parseItemFilter(req *http.Request) (domain.ItemFilter, error) {
	var filter domain.ItemFilter
	q := req.URL.Query()
	if raw := q.Get("topic_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return filter, errors.New("некорректный topic_id")
		}
		filter.TopicID = &id
	}
	if raw := q.Get("source_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return filter, errors.New("некорректный source_id")
		}
		filter.SourceID = &id
	}
	if raw := q.Get("since"); raw != "" {
		ts, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return filter, errors.New("since должен быть в формате YYYY-MM-DD")
		}
		filter.Since = &ts
	}
	if raw := q.Get("until"); raw != "" {
		ts, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return filter, errors.New("until должен быть в формате YYYY-MM-DD")
		}
		filter.Until = &ts
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	return filter, nil
}

func writeRunStartError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrRunConflict) {
		writeError(w, http.StatusConflict, "задача такого вида уже выполняется")
		return
	}
	writeError(w, http.StatusInternalServerError, "не удалось запустить задачу")
}

type runResponse struct {
	ID         string           `json:"id"`
	Kind       domain.RunKind   `json:"kind"`
	Status     domain.RunStatus `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Stats      domain.RunStats  `json:"stats"`
	Error      string           `json:"error,omitempty"`
}

func runToResponse(run domain.Run) runResponse {
	return runResponse{
		ID:         run.ID,
		Kind:       run.Kind,
		Status:     run.Status,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Stats:      run.Stats,
		Error:      run.ErrorText,
	}
}

type briefItemResponse struct {
	ContentItemID  int64  `json:"content_item_id"`
	Rank           int    `json:"rank"`
	ReasonIncluded string `json:"reason_included"`
}

type topicDigestResponse struct {
	TopicID       int64     `json:"topic_id"`
	ShortSummary  string    `json:"short_summary"`
	FullSummary   string    `json:"full_summary"`
	ModelProvider string    `json:"model_provider"`
	ModelName     string    `json:"model_name"`
	GeneratedAt   time.Time `json:"generated_at"`
}

type briefResponse struct {
	ID        int64                 `json:"id"`
	Date      string                `json:"date"`
	Mode      domain.BriefMode      `json:"mode"`
	CreatedAt time.Time             `json:"created_at"`
	Items     []briefItemResponse   `json:"items"`
	Digests   []topicDigestResponse `json:"topic_digests"`
}

func briefToResponse(b domain.Brief, digests []domain.TopicDigest) briefResponse {
	out := briefResponse{
		ID:        b.ID,
		Date:      b.Date.Format("2006-01-02"),
		Mode:      b.Mode,
		CreatedAt: b.CreatedAt,
		Items:     make([]briefItemResponse, 0, len(b.Items)),
		Digests:   make([]topicDigestResponse, 0, len(digests)),
	}
	for _, item := range b.Items {
		out.Items = append(out.Items, briefItemResponse{
			ContentItemID:  item.ContentItemID,
			Rank:           item.Rank,
			ReasonIncluded: item.ReasonIncluded,
		})
	}
	for _, digest := range digests {
		out.Digests = append(out.Digests, topicDigestResponse{
			TopicID:       digest.TopicID,
			ShortSummary:  digest.ShortSummary,
			FullSummary:   digest.FullSummary,
			ModelProvider: digest.ModelProvider,
			ModelName:     digest.ModelName,
			GeneratedAt:   digest.GeneratedAt,
		})
	}
	return out
}

type itemResponse struct {
	ID          int64             `json:"id"`
	SourceID    *int64            `json:"source_id,omitempty"`
	SourceType  domain.SourceType `json:"source_type"`
	URL         string            `json:"url"`
	Title       string            `json:"title"`
	Author      string            `json:"author,omitempty"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
	FetchedAt   time.Time         `json:"fetched_at"`
	Lang        string            `json:"lang,omitempty"`
}

func itemToResponse(item domain.ContentItem) itemResponse {
	return itemResponse{
		ID:          item.ID,
		SourceID:    item.SourceID,
		SourceType:  item.SourceType,
		URL:         item.URL,
		Title:       item.Title,
		Author:      item.Author,
		PublishedAt: item.PublishedAt,
		FetchedAt:   item.FetchedAt,
		Lang:        item.Lang,
	}
}

type topicRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	IncludeRules string `json:"include_rules"`
	ExcludeRules string `json:"exclude_rules"`
	Priority     int    `json:"priority"`
	Enabled      bool   `json:"enabled"`
}

func (t topicRequest) toDomain(id int64) domain.Topic {
	return domain.Topic{
		ID:           id,
		Name:         t.Name,
		Description:  t.Description,
		IncludeRules: t.IncludeRules,
		ExcludeRules: t.ExcludeRules,
		Priority:     t.Priority,
		Enabled:      t.Enabled,
	}
}

type topicResponse struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	IncludeRules string `json:"include_rules,omitempty"`
	ExcludeRules string `json:"exclude_rules,omitempty"`
	Priority     int    `json:"priority"`
	Enabled      bool   `json:"enabled"`
}

func topicToResponse(topic domain.Topic) topicResponse {
	return topicResponse{
		ID:           topic.ID,
		Name:         topic.Name,
		Description:  topic.Description,
		IncludeRules: topic.IncludeRules,
		ExcludeRules: topic.ExcludeRules,
		Priority:     topic.Priority,
		Enabled:      topic.Enabled,
	}
}

type sourceRequest struct {
	Type    domain.SourceType `json:"type"`
	Name    string            `json:"name"`
	Target  string            `json:"target"`
	Enabled bool              `json:"enabled"`
	Weight  int               `json:"weight"`
	Notes   string            `json:"notes"`
}

func (s sourceRequest) toDomain(id int64) domain.Source {
	return domain.Source{
		ID:      id,
		Type:    s.Type,
		Name:    s.Name,
		Target:  s.Target,
		Enabled: s.Enabled,
		Weight:  s.Weight,
		Notes:   s.Notes,
	}
}

type sourceResponse struct {
	ID        int64             `json:"id"`
	Type      domain.SourceType `json:"type"`
	Name      string            `json:"name"`
	Target    string            `json:"target"`
	Enabled   bool              `json:"enabled"`
	Weight    int               `json:"weight"`
	Notes     string            `json:"notes,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func sourceToResponse(src domain.Source) sourceResponse {
	return sourceResponse{
		ID:        src.ID,
		Type:      src.Type,
		Name:      src.Name,
		Target:    src.Target,
		Enabled:   src.Enabled,
		Weight:    src.Weight,
		Notes:     src.Notes,
		CreatedAt: src.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
