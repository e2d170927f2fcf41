// Package repo реализует репозитории домена на основе pgxpool.
package repo

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"

	"signal-digest/internal/domain"
	"signal-digest/internal/infra/metrics"
)

// Postgres реализует репозитории домена.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.SourceRepo      = (*Postgres)(nil)
	_ domain.TopicRepo       = (*Postgres)(nil)
	_ domain.ContentItemRepo = (*Postgres)(nil)
	_ domain.AssignmentRepo  = (*Postgres)(nil)
	_ domain.ExtractionRepo  = (*Postgres)(nil)
	_ domain.RunRepo         = (*Postgres)(nil)
	_ domain.BriefRepo       = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// psql — builder с нумерованными плейсхолдерами Postgres.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// ListSources возвращает все источники.
func (p *Postgres) ListSources(ctx context.Context) ([]domain.Source, error) {
	return p.listSources(ctx, false)
}

// ListEnabledSources возвращает только включённые источники.
func (p *Postgres) ListEnabledSources(ctx context.Context) ([]domain.Source, error) {
	return p.listSources(ctx, true)
}

func (p *Postgres) listSources(ctx context.Context, enabledOnly bool) ([]domain.Source, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	query := `
SELECT id, type, name, target, enabled, weight, COALESCE(notes, ''), created_at
FROM sources`
	if enabledOnly {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY id`

	start := time.Now()
	rows, err := p.pool.Query(ctx, query)
	metrics.ObserveNetworkRequest("postgres", "sources_list", "sources", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Source
	for rows.Next() {
		var src domain.Source
		if err := rows.Scan(&src.ID, &src.Type, &src.Name, &src.Target, &src.Enabled, &src.Weight, &src.Notes, &src.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// GetSource возвращает источник по идентификатору.
func (p *Postgres) GetSource(ctx context.Context, id int64) (domain.Source, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var src domain.Source
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, type, name, target, enabled, weight, COALESCE(notes, ''), created_at
FROM sources WHERE id = $1
`, id).Scan(&src.ID, &src.Type, &src.Name, &src.Target, &src.Enabled, &src.Weight, &src.Notes, &src.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "sources_get", "sources", start, err)
	return src, err
}

// CreateSource сохраняет новый источник.
func (p *Postgres) CreateSource(ctx context.Context, src domain.Source) (domain.Source, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if src.Weight <= 0 {
		src.Weight = 1
	}
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO sources (type, name, target, enabled, weight, notes)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
RETURNING id, created_at
`, src.Type, src.Name, src.Target, src.Enabled, src.Weight, src.Notes).Scan(&src.ID, &src.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "sources_insert", "sources", start, err)
	return src, err
}

// UpdateSource обновляет источник.
func (p *Postgres) UpdateSource(ctx context.Context, src domain.Source) (domain.Source, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
UPDATE sources
SET type = $2, name = $3, target = $4, enabled = $5, weight = $6, notes = NULLIF($7, '')
WHERE id = $1
RETURNING created_at
`, src.ID, src.Type, src.Name, src.Target, src.Enabled, src.Weight, src.Notes).Scan(&src.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "sources_update", "sources", start, err)
	return src, err
}

// DeleteSource удаляет источник.
func (p *Postgres) DeleteSource(ctx context.Context, id int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM sources WHERE id = $1`, id)
	metrics.ObserveNetworkRequest("postgres", "sources_delete", "sources", start, err)
	return err
}

// ListTopics возвращает все темы.
func (p *Postgres) ListTopics(ctx context.Context) ([]domain.Topic, error) {
	return p.listTopics(ctx, false)
}

// ListEnabledTopics возвращает только включённые темы.
func (p *Postgres) ListEnabledTopics(ctx context.Context) ([]domain.Topic, error) {
	return p.listTopics(ctx, true)
}

func (p *Postgres) listTopics(ctx context.Context, enabledOnly bool) ([]domain.Topic, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	query := `
SELECT id, name, COALESCE(description, ''), COALESCE(include_rules, ''), COALESCE(exclude_rules, ''), priority, enabled
FROM topics`
	if enabledOnly {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY priority DESC, id`

	start := time.Now()
	rows, err := p.pool.Query(ctx, query)
	metrics.ObserveNetworkRequest("postgres", "topics_list", "topics", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Topic
	for rows.Next() {
		var topic domain.Topic
		if err := rows.Scan(&topic.ID, &topic.Name, &topic.Description, &topic.IncludeRules, &topic.ExcludeRules, &topic.Priority, &topic.Enabled); err != nil {
			return nil, err
		}
		out = append(out, topic)
	}
	return out, rows.Err()
}

// GetTopic возвращает тему по идентификатору.
func (p *Postgres) GetTopic(ctx context.Context, id int64) (domain.Topic, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var topic domain.Topic
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, name, COALESCE(description, ''), COALESCE(include_rules, ''), COALESCE(exclude_rules, ''), priority, enabled
FROM topics WHERE id = $1
`, id).Scan(&topic.ID, &topic.Name, &topic.Description, &topic.IncludeRules, &topic.ExcludeRules, &topic.Priority, &topic.Enabled)
	metrics.ObserveNetworkRequest("postgres", "topics_get", "topics", start, err)
	return topic, err
}

// CreateTopic сохраняет новую тему.
func (p *Postgres) CreateTopic(ctx context.Context, topic domain.Topic) (domain.Topic, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO topics (name, description, include_rules, exclude_rules, priority, enabled)
VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5, $6)
RETURNING id
`, topic.Name, topic.Description, topic.IncludeRules, topic.ExcludeRules, topic.Priority, topic.Enabled).Scan(&topic.ID)
	metrics.ObserveNetworkRequest("postgres", "topics_insert", "topics", start, err)
	return topic, err
}

// UpdateTopic обновляет тему.
func (p *Postgres) UpdateTopic(ctx context.Context, topic domain.Topic) (domain.Topic, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE topics
SET name = $2, description = NULLIF($3, ''), include_rules = NULLIF($4, ''), exclude_rules = NULLIF($5, ''), priority = $6, enabled = $7
WHERE id = $1
`, topic.ID, topic.Name, topic.Description, topic.IncludeRules, topic.ExcludeRules, topic.Priority, topic.Enabled)
	metrics.ObserveNetworkRequest("postgres", "topics_update", "topics", start, err)
	return topic, err
}

// DeleteTopic удаляет тему.
func (p *Postgres) DeleteTopic(ctx context.Context, id int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM topics WHERE id = $1`, id)
	metrics.ObserveNetworkRequest("postgres", "topics_delete", "topics", start, err)
	return err
}
