package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"signal-digest/internal/domain"
	"signal-digest/internal/infra/metrics"
)

// ReplaceBrief атомарно заменяет бриф за (дату, режим): upsert строки брифа,
// удаление старых позиций и сводок, вставка новых.
func (p *Postgres) ReplaceBrief(ctx context.Context, brief domain.Brief, digests []domain.TopicDigest) (domain.Brief, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		metrics.ObserveNetworkRequest("postgres", "brief_replace", "briefs", start, err)
		return domain.Brief{}, err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
INSERT INTO briefs (date, mode, created_at)
VALUES ($1, $2, now())
ON CONFLICT (date, mode) DO UPDATE SET created_at = now()
RETURNING id, created_at
`, brief.Date, brief.Mode).Scan(&brief.ID, &brief.CreatedAt)
	if err != nil {
		metrics.ObserveNetworkRequest("postgres", "brief_replace", "briefs", start, err)
		return domain.Brief{}, err
	}

	if _, err = tx.Exec(ctx, `DELETE FROM brief_items WHERE brief_id = $1`, brief.ID); err != nil {
		metrics.ObserveNetworkRequest("postgres", "brief_replace", "briefs", start, err)
		return domain.Brief{}, err
	}
	if _, err = tx.Exec(ctx, `DELETE FROM topic_digests WHERE brief_id = $1`, brief.ID); err != nil {
		metrics.ObserveNetworkRequest("postgres", "brief_replace", "briefs", start, err)
		return domain.Brief{}, err
	}

	for i := range brief.Items {
		item := &brief.Items[i]
		item.BriefID = brief.ID
		err = tx.QueryRow(ctx, `
INSERT INTO brief_items (brief_id, content_item_id, rank, reason_included)
VALUES ($1, $2, $3, NULLIF($4, ''))
RETURNING id
`, item.BriefID, item.ContentItemID, item.Rank, item.ReasonIncluded).Scan(&item.ID)
		if err != nil {
			metrics.ObserveNetworkRequest("postgres", "brief_replace", "brief_items", start, err)
			return domain.Brief{}, err
		}
	}

	for _, digest := range digests {
		digest.BriefID = brief.ID
		_, err = tx.Exec(ctx, `
INSERT INTO topic_digests (brief_id, topic_id, short_summary, full_summary, model_provider, model_name, prompt_name, prompt_version, generated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`, digest.BriefID, digest.TopicID, digest.ShortSummary, digest.FullSummary, digest.ModelProvider, digest.ModelName, digest.PromptName, digest.PromptVersion, digest.GeneratedAt)
		if err != nil {
			metrics.ObserveNetworkRequest("postgres", "brief_replace", "topic_digests", start, err)
			return domain.Brief{}, err
		}
	}

	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "brief_replace", "briefs", start, err)
	if err != nil {
		return domain.Brief{}, err
	}
	return brief, nil
}

// GetBrief возвращает бриф за дату и режим вместе с позициями.
func (p *Postgres) GetBrief(ctx context.Context, date time.Time, mode domain.BriefMode) (domain.Brief, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var brief domain.Brief
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, date, mode, created_at
FROM briefs WHERE date = $1 AND mode = $2
`, date, mode).Scan(&brief.ID, &brief.Date, &brief.Mode, &brief.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "brief_get", "briefs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Brief{}, domain.ErrBriefNotFound
	}
	if err != nil {
		return domain.Brief{}, err
	}

	start = time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, brief_id, content_item_id, rank, COALESCE(reason_included, '')
FROM brief_items
WHERE brief_id = $1
ORDER BY rank
`, brief.ID)
	metrics.ObserveNetworkRequest("postgres", "brief_items_list", "brief_items", start, err)
	if err != nil {
		return domain.Brief{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.BriefItem
		if err := rows.Scan(&item.ID, &item.BriefID, &item.ContentItemID, &item.Rank, &item.ReasonIncluded); err != nil {
			return domain.Brief{}, err
		}
		brief.Items = append(brief.Items, item)
	}
	return brief, rows.Err()
}

// ListTopicDigests возвращает тематические сводки брифа.
func (p *Postgres) ListTopicDigests(ctx context.Context, briefID int64) ([]domain.TopicDigest, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, brief_id, topic_id, short_summary, full_summary, model_provider, model_name, prompt_name, prompt_version, generated_at
FROM topic_digests
WHERE brief_id = $1
ORDER BY topic_id
`, briefID)
	metrics.ObserveNetworkRequest("postgres", "topic_digests_list", "topic_digests", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TopicDigest
	for rows.Next() {
		var digest domain.TopicDigest
		if err := rows.Scan(&digest.ID, &digest.BriefID, &digest.TopicID, &digest.ShortSummary, &digest.FullSummary, &digest.ModelProvider, &digest.ModelName, &digest.PromptName, &digest.PromptVersion, &digest.GeneratedAt); err != nil {
			return nil, err
		}
		out = append(out, digest)
	}
	return out, rows.Err()
}
