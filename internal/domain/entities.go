package domain

import "time"

// SourceType перечисляет виды источников контента.
type SourceType string

const (
	// SourceFeed — обычная RSS/Atom лента.
	SourceFeed SourceType = "feed"
	// SourceVideoChannel — лента видеоканала.
	SourceVideoChannel SourceType = "video_channel"
	// SourceSocialAccount — публичный аккаунт в соцсети.
	SourceSocialAccount SourceType = "social_account"
	// SourceSearchQuery — поисковый запрос, привязанный к теме.
	SourceSearchQuery SourceType = "search_query"
)

// Source описывает настроенный источник контента.
type Source struct {
	ID        int64
	Type      SourceType
	Name      string
	Target    string
	Enabled   bool
	Weight    int
	Notes     string
	CreatedAt time.Time
}

// RawRecord — сырая запись источника до нормализации.
type RawRecord struct {
	ExternalID  string
	URL         string
	Title       string
	Author      string
	PublishedAt *time.Time
	Text        string
	Lang        string
	Raw         []byte
}

// ContentItem — нормализованная единица контента.
// После создания не изменяется, к ней только привязываются
// результаты классификации и извлечения.
type ContentItem struct {
	ID          int64
	SourceID    *int64
	SourceType  SourceType
	ExternalID  string
	URL         string
	Title       string
	Author      string
	PublishedAt *time.Time
	FetchedAt   time.Time
	RawText     string
	RawJSON     []byte
	Lang        string
	Hash        string
}

// EffectiveTime возвращает время публикации, а при его отсутствии — время получения.
func (c ContentItem) EffectiveTime() time.Time {
	if c.PublishedAt != nil {
		return *c.PublishedAt
	}
	return c.FetchedAt
}

// Topic — пользовательская тема классификации с правилами включения и исключения.
type Topic struct {
	ID           int64
	Name         string
	Description  string
	IncludeRules string
	ExcludeRules string
	Priority     int
	Enabled      bool
}

// TopicAssignment связывает контент с темой.
type TopicAssignment struct {
	ID             int64
	ContentItemID  int64
	TopicID        int64
	Score          float64
	RationaleShort string
}

// Novelty описывает новизну материала.
type Novelty string

const (
	NoveltyNew       Novelty = "new"
	NoveltyUpdate    Novelty = "update"
	NoveltyRecurring Novelty = "recurring"
)

// Confidence описывает уровень уверенности.
type Confidence string

const (
	ConfidenceLow  Confidence = "low"
	ConfidenceMed  Confidence = "med"
	ConfidenceHigh Confidence = "high"
)

// KeyClaim — фактическое утверждение с уровнем уверенности.
type KeyClaim struct {
	Claim      string     `json:"claim"`
	Confidence Confidence `json:"confidence"`
}

// ExtractionPayload — структурированный «чистый сигнал» по одному материалу.
type ExtractionPayload struct {
	SummaryBullets    []string   `json:"summary_bullets"`
	WhyItMatters      []string   `json:"why_it_matters"`
	KeyClaims         []KeyClaim `json:"key_claims"`
	Novelty           Novelty    `json:"novelty"`
	ConfidenceOverall Confidence `json:"confidence_overall"`
	FollowUps         []string   `json:"follow_ups,omitempty"`
}

// Extraction — результат извлечения с провенансом промпта и модели.
// Наличие извлечения означает, что материал обработан.
type Extraction struct {
	ID            int64
	ContentItemID int64
	CreatedAt     time.Time
	ModelProvider string
	ModelName     string
	PromptName    string
	PromptVersion string
	Payload       ExtractionPayload
}

// BriefMode — режим брифа.
type BriefMode string

// BriefModeMorning — пока единственный поддерживаемый режим.
const BriefModeMorning BriefMode = "morning"

// Brief — дневная подборка с ограниченным числом позиций.
type Brief struct {
	ID        int64
	Date      time.Time
	Mode      BriefMode
	CreatedAt time.Time
	Items     []BriefItem
}

// BriefItem — позиция брифа со сквозным рангом и причиной включения.
type BriefItem struct {
	ID             int64
	BriefID        int64
	ContentItemID  int64
	Rank           int
	ReasonIncluded string
}

// TopicDigest — сгенерированная сводка по одной теме внутри брифа.
type TopicDigest struct {
	ID            int64
	BriefID       int64
	TopicID       int64
	ShortSummary  string
	FullSummary   string
	ModelProvider string
	ModelName     string
	PromptName    string
	PromptVersion string
	GeneratedAt   time.Time
}

// BriefCandidate — кандидат в бриф: материал вместе с назначениями тем и извлечением.
type BriefCandidate struct {
	Item         ContentItem
	Assignments  []TopicAssignment
	Extraction   Extraction
	SourceWeight int
}
