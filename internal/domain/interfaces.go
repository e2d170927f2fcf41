package domain

import (
	"context"
	"errors"
	"time"
)

// ErrRunNotFound возвращается, когда задача с указанным идентификатором не найдена.
var ErrRunNotFound = errors.New("задача не найдена")

// ErrRunConflict возвращается при попытке запустить задачу, пока выполняется другая того же вида.
var ErrRunConflict = errors.New("задача такого вида уже выполняется")

// ErrRunNotCancellable возвращается, если задачу нельзя отменить.
var ErrRunNotCancellable = errors.New("задача не поддерживает отмену")

// ErrRunFinished возвращается при действии над уже завершённой задачей.
var ErrRunFinished = errors.New("задача уже завершена")

// ErrMalformedModelOutput сигнализирует, что ответ модели не прошёл проверку схемы.
var ErrMalformedModelOutput = errors.New("ответ модели не соответствует схеме")

// ErrMissingTitle — жёсткая ошибка валидации сырой записи: заголовок обязателен.
var ErrMissingTitle = errors.New("у записи отсутствует заголовок")

// ErrBriefNotFound возвращается, когда бриф за дату не найден.
var ErrBriefNotFound = errors.New("бриф не найден")

// SourceFetcher выгружает сырые записи одного источника.
// Транзиентные сбои возвращаются ошибкой: оркестратор их учитывает, но не падает.
type SourceFetcher interface {
	Fetch(ctx context.Context, src Source, limit int, window time.Duration) ([]RawRecord, error)
}

// ModelRequest — структурированный запрос к языковой модели.
type ModelRequest struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
	ForceJSON   bool
}

// ModelResponse — ответ модели с провенансом.
type ModelResponse struct {
	Content  string
	Provider string
	Model    string
}

// ModelClient — единый контракт вызова языковой модели.
// Конкретный провайдер выбирается конфигурацией при старте.
type ModelClient interface {
	Generate(ctx context.Context, req ModelRequest) (ModelResponse, error)
}

// SourceRepo управляет источниками.
type SourceRepo interface {
	ListSources(ctx context.Context) ([]Source, error)
	ListEnabledSources(ctx context.Context) ([]Source, error)
	GetSource(ctx context.Context, id int64) (Source, error)
	CreateSource(ctx context.Context, src Source) (Source, error)
	UpdateSource(ctx context.Context, src Source) (Source, error)
	DeleteSource(ctx context.Context, id int64) error
}

// TopicRepo управляет темами.
type TopicRepo interface {
	ListTopics(ctx context.Context) ([]Topic, error)
	ListEnabledTopics(ctx context.Context) ([]Topic, error)
	GetTopic(ctx context.Context, id int64) (Topic, error)
	CreateTopic(ctx context.Context, topic Topic) (Topic, error)
	UpdateTopic(ctx context.Context, topic Topic) (Topic, error)
	DeleteTopic(ctx context.Context, id int64) error
}

// ItemFilter задаёт условия выборки материалов для эксплоратора.
type ItemFilter struct {
	TopicID  *int64
	SourceID *int64
	Since    *time.Time
	Until    *time.Time
	Limit    int
}

// ContentItemRepo управляет материалами.
type ContentItemRepo interface {
	SaveItem(ctx context.Context, item ContentItem) (ContentItem, error)
	// FindByPrimaryKey ищет материал по внешнему идентификатору в рамках
	// источника либо по URL глобально. Любое совпадение — дубликат.
	FindByPrimaryKey(ctx context.Context, sourceID *int64, externalID, url string) (*ContentItem, error)
	// FindByHashSince ищет материал с таким же хэшем не старше указанного времени.
	FindByHashSince(ctx context.Context, hash string, since time.Time) (*ContentItem, error)
	// ListUnprocessed возвращает материалы без извлечения, свежие первыми.
	ListUnprocessed(ctx context.Context, limit int) ([]ContentItem, error)
	// ListBriefCandidates возвращает материалы с назначениями включённых тем
	// и извлечением начиная с указанного времени.
	ListBriefCandidates(ctx context.Context, since time.Time) ([]BriefCandidate, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]ContentItem, error)
}

// AssignmentRepo управляет назначениями тем.
type AssignmentRepo interface {
	HasAssignments(ctx context.Context, itemID int64) (bool, error)
	SaveAssignments(ctx context.Context, itemID int64, assignments []TopicAssignment) error
}

// ExtractionRepo управляет извлечениями.
type ExtractionRepo interface {
	HasExtraction(ctx context.Context, itemID int64) (bool, error)
	SaveExtraction(ctx context.Context, extraction Extraction) (Extraction, error)
}

// RunRepo хранит задачи.
type RunRepo interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRunStats(ctx context.Context, id string, stats RunStats) error
	// FinishRun переводит задачу в конечное состояние, только если она ещё
	// выполняется. Возвращает false, если задача уже была завершена.
	FinishRun(ctx context.Context, id string, status RunStatus, stats RunStats, errorText string) (bool, error)
	GetRun(ctx context.Context, id string) (Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	// SweepStaleRuns переводит все выполняющиеся задачи в failed и возвращает их число.
	SweepStaleRuns(ctx context.Context, errorText string) (int, error)
}

// BriefRepo хранит брифы.
type BriefRepo interface {
	// ReplaceBrief атомарно заменяет бриф за (дату, режим) вместе с позициями
	// и тематическими сводками.
	ReplaceBrief(ctx context.Context, brief Brief, digests []TopicDigest) (Brief, error)
	GetBrief(ctx context.Context, date time.Time, mode BriefMode) (Brief, error)
	ListTopicDigests(ctx context.Context, briefID int64) ([]TopicDigest, error)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
