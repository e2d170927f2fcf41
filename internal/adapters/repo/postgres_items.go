package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"signal-digest/internal/domain"
	"signal-digest/internal/infra/metrics"
)

const itemColumns = `id, source_id, source_type, COALESCE(external_id, ''), url, title, COALESCE(author, ''), published_at, fetched_at, COALESCE(raw_text, ''), raw_json, COALESCE(lang, ''), COALESCE(hash, '')`

func scanItem(row pgx.Row) (domain.ContentItem, error) {
	var (
		item      domain.ContentItem
		sourceID  sql.NullInt64
		published sql.NullTime
	)
	err := row.Scan(&item.ID, &sourceID, &item.SourceType, &item.ExternalID, &item.URL, &item.Title, &item.Author, &published, &item.FetchedAt, &item.RawText, &item.RawJSON, &item.Lang, &item.Hash)
	if err != nil {
		return domain.ContentItem{}, err
	}
	if sourceID.Valid {
		id := sourceID.Int64
		item.SourceID = &id
	}
	if published.Valid {
		ts := published.Time
		item.PublishedAt = &ts
	}
	return item, nil
}

// SaveItem сохраняет новый материал.
func (p *Postgres) SaveItem(ctx context.Context, item domain.ContentItem) (domain.ContentItem, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var sourceID sql.NullInt64
	if item.SourceID != nil {
		sourceID = sql.NullInt64{Int64: *item.SourceID, Valid: true}
	}
	var published sql.NullTime
	if item.PublishedAt != nil {
		published = sql.NullTime{Time: *item.PublishedAt, Valid: true}
	}
	if item.FetchedAt.IsZero() {
		item.FetchedAt = time.Now().UTC()
	}

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO content_items (source_id, source_type, external_id, url, title, author, published_at, fetched_at, raw_text, raw_json, lang, hash)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), $7, $8, NULLIF($9, ''), $10, NULLIF($11, ''), NULLIF($12, ''))
RETURNING id
`, sourceID, item.SourceType, item.ExternalID, item.URL, item.Title, item.Author, published, item.FetchedAt, item.RawText, item.RawJSON, item.Lang, item.Hash).Scan(&item.ID)
	metrics.ObserveNetworkRequest("postgres", "items_insert", "content_items", start, err)
	return item, err
}

// FindByPrimaryKey ищет материал по внешнему идентификатору в рамках источника
// либо по URL глобально.
func (p *Postgres) FindByPrimaryKey(ctx context.Context, sourceID *int64, externalID, url string) (*domain.ContentItem, error) {
	if externalID == "" && url == "" {
		return nil, nil
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	or := sq.Or{}
	if externalID != "" {
		cond := sq.And{sq.Eq{"external_id": externalID}}
		if sourceID != nil {
			cond = append(cond, sq.Eq{"source_id": *sourceID})
		}
		or = append(or, cond)
	}
	if url != "" {
		or = append(or, sq.Eq{"url": url})
	}

	query, args, err := psql.Select(itemColumns).From("content_items").Where(or).OrderBy("id").Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("items_find_key: build query: %w", err)
	}

	start := time.Now()
	item, err := scanItem(p.pool.QueryRow(ctx, query, args...))
	metrics.ObserveNetworkRequest("postgres", "items_find_key", "content_items", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// FindByHashSince ищет материал с таким же хэшем не старше указанного времени.
func (p *Postgres) FindByHashSince(ctx context.Context, hash string, since time.Time) (*domain.ContentItem, error) {
	if hash == "" {
		return nil, nil
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	item, err := scanItem(p.pool.QueryRow(ctx, `
SELECT `+itemColumns+`
FROM content_items
WHERE hash = $1 AND COALESCE(published_at, fetched_at) >= $2
ORDER BY id
LIMIT 1
`, hash, since))
	metrics.ObserveNetworkRequest("postgres", "items_find_hash", "content_items", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ListUnprocessed возвращает материалы без извлечения, свежие первыми.
func (p *Postgres) ListUnprocessed(ctx context.Context, limit int) ([]domain.ContentItem, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 500
	}
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+itemColumns+`
FROM content_items i
WHERE NOT EXISTS (SELECT 1 FROM extractions e WHERE e.content_item_id = i.id)
ORDER BY COALESCE(published_at, fetched_at) DESC, id
LIMIT $1
`, limit)
	metrics.ObserveNetworkRequest("postgres", "items_unprocessed", "content_items", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ContentItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// ListItems возвращает материалы по фильтру эксплоратора.
func (p *Postgres) ListItems(ctx context.Context, filter domain.ItemFilter) ([]domain.ContentItem, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	builder := psql.Select(itemColumns).From("content_items").
		OrderBy("COALESCE(published_at, fetched_at) DESC", "id DESC")

	if filter.SourceID != nil {
		builder = builder.Where(sq.Eq{"source_id": *filter.SourceID})
	}
	if filter.TopicID != nil {
		builder = builder.Where("EXISTS (SELECT 1 FROM topic_assignments ta WHERE ta.content_item_id = content_items.id AND ta.topic_id = ?)", *filter.TopicID)
	}
	if filter.Since != nil {
		builder = builder.Where("COALESCE(published_at, fetched_at) >= ?", *filter.Since)
	}
	if filter.Until != nil {
		builder = builder.Where("COALESCE(published_at, fetched_at) < ?", *filter.Until)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	builder = builder.Limit(uint64(limit))

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("items_list: build query: %w", err)
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "items_list", "content_items", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ContentItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// ListBriefCandidates возвращает материалы с извлечением и назначениями
// включённых тем начиная с указанного времени.
func (p *Postgres) ListBriefCandidates(ctx context.Context, since time.Time) ([]domain.BriefCandidate, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT DISTINCT ON (i.id)
  i.id, i.source_id, i.source_type, COALESCE(i.external_id, ''), i.url, i.title, COALESCE(i.author, ''), i.published_at, i.fetched_at, COALESCE(i.raw_text, ''), i.raw_json, COALESCE(i.lang, ''), COALESCE(i.hash, ''),
  COALESCE(s.weight, 0),
  e.id, e.content_item_id, e.created_at, e.model_provider, e.model_name, e.prompt_name, e.prompt_version, e.payload
FROM content_items i
JOIN extractions e ON e.content_item_id = i.id
LEFT JOIN sources s ON s.id = i.source_id
WHERE COALESCE(i.published_at, i.fetched_at) >= $1
  AND (i.source_id IS NULL OR s.enabled)
  AND EXISTS (
    SELECT 1 FROM topic_assignments ta
    JOIN topics t ON t.id = ta.topic_id AND t.enabled
    WHERE ta.content_item_id = i.id
  )
ORDER BY i.id, e.created_at DESC
`, since)
	metrics.ObserveNetworkRequest("postgres", "brief_candidates", "content_items", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []domain.BriefCandidate
	itemIDs := make([]int64, 0)
	for rows.Next() {
		var (
			cand      domain.BriefCandidate
			sourceID  sql.NullInt64
			published sql.NullTime
			payload   []byte
		)
		err := rows.Scan(
			&cand.Item.ID, &sourceID, &cand.Item.SourceType, &cand.Item.ExternalID, &cand.Item.URL, &cand.Item.Title, &cand.Item.Author, &published, &cand.Item.FetchedAt, &cand.Item.RawText, &cand.Item.RawJSON, &cand.Item.Lang, &cand.Item.Hash,
			&cand.SourceWeight,
			&cand.Extraction.ID, &cand.Extraction.ContentItemID, &cand.Extraction.CreatedAt, &cand.Extraction.ModelProvider, &cand.Extraction.ModelName, &cand.Extraction.PromptName, &cand.Extraction.PromptVersion, &payload,
		)
		if err != nil {
			return nil, err
		}
		if sourceID.Valid {
			id := sourceID.Int64
			cand.Item.SourceID = &id
		}
		if published.Valid {
			ts := published.Time
			cand.Item.PublishedAt = &ts
		}
		if err := json.Unmarshal(payload, &cand.Extraction.Payload); err != nil {
			return nil, fmt.Errorf("brief_candidates: payload материала %d: %w", cand.Item.ID, err)
		}
		candidates = append(candidates, cand)
		itemIDs = append(itemIDs, cand.Item.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	assignments, err := p.listAssignmentsForItems(ctx, itemIDs)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		candidates[i].Assignments = assignments[candidates[i].Item.ID]
	}
	return candidates, nil
}

func (p *Postgres) listAssignmentsForItems(ctx context.Context, itemIDs []int64) (map[int64][]domain.TopicAssignment, error) {
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT ta.id, ta.content_item_id, ta.topic_id, ta.score, COALESCE(ta.rationale_short, '')
FROM topic_assignments ta
JOIN topics t ON t.id = ta.topic_id AND t.enabled
WHERE ta.content_item_id = ANY($1)
ORDER BY ta.content_item_id, ta.topic_id
`, itemIDs)
	metrics.ObserveNetworkRequest("postgres", "assignments_by_items", "topic_assignments", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64][]domain.TopicAssignment)
	for rows.Next() {
		var ta domain.TopicAssignment
		if err := rows.Scan(&ta.ID, &ta.ContentItemID, &ta.TopicID, &ta.Score, &ta.RationaleShort); err != nil {
			return nil, err
		}
		out[ta.ContentItemID] = append(out[ta.ContentItemID], ta)
	}
	return out, rows.Err()
}

// HasAssignments сообщает, есть ли у материала назначения тем.
func (p *Postgres) HasAssignments(ctx context.Context, itemID int64) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var exists bool
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM topic_assignments WHERE content_item_id = $1)`, itemID).Scan(&exists)
	metrics.ObserveNetworkRequest("postgres", "assignments_exists", "topic_assignments", start, err)
	return exists, err
}

// SaveAssignments сохраняет назначения тем для материала. Повторное назначение
// той же темы игнорируется: назначения неизменяемы.
func (p *Postgres) SaveAssignments(ctx context.Context, itemID int64, assignments []domain.TopicAssignment) error {
	if len(assignments) == 0 {
		return nil
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	for _, ta := range assignments {
		start := time.Now()
		_, err := p.pool.Exec(ctx, `
INSERT INTO topic_assignments (content_item_id, topic_id, score, rationale_short)
VALUES ($1, $2, $3, NULLIF($4, ''))
ON CONFLICT (content_item_id, topic_id) DO NOTHING
`, itemID, ta.TopicID, ta.Score, ta.RationaleShort)
		metrics.ObserveNetworkRequest("postgres", "assignments_insert", "topic_assignments", start, err)
		if err != nil {
			return err
		}
	}
	return nil
}

// HasExtraction сообщает, есть ли у материала извлечение.
func (p *Postgres) HasExtraction(ctx context.Context, itemID int64) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var exists bool
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM extractions WHERE content_item_id = $1)`, itemID).Scan(&exists)
	metrics.ObserveNetworkRequest("postgres", "extractions_exists", "extractions", start, err)
	return exists, err
}

// SaveExtraction сохраняет извлечение.
func (p *Postgres) SaveExtraction(ctx context.Context, extraction domain.Extraction) (domain.Extraction, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	payload, err := json.Marshal(extraction.Payload)
	if err != nil {
		return domain.Extraction{}, fmt.Errorf("extractions_insert: marshal payload: %w", err)
	}
	if extraction.CreatedAt.IsZero() {
		extraction.CreatedAt = time.Now().UTC()
	}

	start := time.Now()
	err = p.pool.QueryRow(ctx, `
INSERT INTO extractions (content_item_id, created_at, model_provider, model_name, prompt_name, prompt_version, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id
`, extraction.ContentItemID, extraction.CreatedAt, extraction.ModelProvider, extraction.ModelName, extraction.PromptName, extraction.PromptVersion, payload).Scan(&extraction.ID)
	metrics.ObserveNetworkRequest("postgres", "extractions_insert", "extractions", start, err)
	return extraction, err
}
