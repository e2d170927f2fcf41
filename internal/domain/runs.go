package domain

import "time"

// RunKind описывает вид фоновой задачи.
type RunKind string

const (
	// RunIngest — сбор контента из источников.
	RunIngest RunKind = "ingest"
	// RunAIProcess — классификация и извлечение сигнала.
	RunAIProcess RunKind = "ai_process"
	// RunBuildBrief — сборка дневного брифа.
	RunBuildBrief RunKind = "build_brief"
)

// Cancellable сообщает, допускает ли вид задачи кооперативную отмену.
// Сбор не отменяется: его шаги небезопасно прерывать посреди источника.
func (k RunKind) Cancellable() bool {
	return k == RunAIProcess || k == RunBuildBrief
}

// RunStatus — состояние задачи.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal сообщает, является ли состояние конечным.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunCancelled
}

// RunProgress — прогресс выполняющейся задачи. Записи затирают друг друга:
// последняя побеждает.
type RunProgress struct {
	Phase     string    `json:"phase,omitempty"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunTask — запись журнала шагов для оператора.
type RunTask struct {
	At     time.Time `json:"at"`
	Task   string    `json:"task"`
	Detail string    `json:"detail,omitempty"`
}

// RunTaskLogLimit ограничивает журнал шагов: старые записи вытесняются.
const RunTaskLogLimit = 50

// SourceResult — итог обработки одного источника при сборе.
type SourceResult struct {
	SourceID int64      `json:"source_id"`
	Name     string     `json:"name"`
	Type     SourceType `json:"type"`
	Fetched  int        `json:"fetched"`
	New      int        `json:"new"`
	Skipped  int        `json:"skipped"`
	Error    string     `json:"error,omitempty"`
}

// IngestSummary — итоговая статистика задачи сбора.
type IngestSummary struct {
	SourcesProcessed int            `json:"sources_processed"`
	SourcesFailed    int            `json:"sources_failed"`
	TotalFetched     int            `json:"total_fetched"`
	TotalNew         int            `json:"total_new"`
	TotalSkipped     int            `json:"total_skipped"`
	QueriesProcessed int            `json:"queries_processed,omitempty"`
	QueriesFailed    int            `json:"queries_failed,omitempty"`
	SourceDetails    []SourceResult `json:"source_details,omitempty"`
	Errors           []string       `json:"errors,omitempty"`
}

// AISummary — итоговая статистика AI-обработки.
type AISummary struct {
	ItemsProcessed int      `json:"items_processed"`
	ItemsSucceeded int      `json:"items_succeeded"`
	ItemsFailed    int      `json:"items_failed"`
	TopicsTouched  []int64  `json:"topics_touched,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

// TopicDigestSummary — статистика генерации тематических сводок.
type TopicDigestSummary struct {
	Total     int      `json:"total"`
	Generated int      `json:"generated"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// BriefSummary — итоговая статистика сборки брифа.
type BriefSummary struct {
	Date                string             `json:"date"`
	Mode                BriefMode          `json:"mode"`
	CandidatesEvaluated int                `json:"candidates_evaluated"`
	ItemsSelected       int                `json:"items_selected"`
	BriefID             int64              `json:"brief_id,omitempty"`
	TopicDigests        TopicDigestSummary `json:"topic_digests"`
}

// RunStats — явная структура статистики задачи. На границе хранения и HTTP
// сериализуется в один JSON-документ.
type RunStats struct {
	Progress       RunProgress    `json:"progress"`
	Tasks          []RunTask      `json:"tasks,omitempty"`
	Ingest         *IngestSummary `json:"ingest,omitempty"`
	AI             *AISummary     `json:"ai,omitempty"`
	Brief          *BriefSummary  `json:"brief,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

// AppendTask добавляет запись в журнал, вытесняя самые старые сверх лимита.
func (s *RunStats) AppendTask(task RunTask) {
	s.Tasks = append(s.Tasks, task)
	if len(s.Tasks) > RunTaskLogLimit {
		s.Tasks = s.Tasks[len(s.Tasks)-RunTaskLogLimit:]
	}
}

// Run — одно отслеживаемое выполнение фоновой задачи.
type Run struct {
	ID         string
	Kind       RunKind
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     RunStatus
	Stats      RunStats
	ErrorText  string
}
