package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"signal-digest/internal/domain"
	"signal-digest/internal/infra/metrics"
)

// CreateRun сохраняет новую задачу.
func (p *Postgres) CreateRun(ctx context.Context, run domain.Run) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return fmt.Errorf("runs_insert: marshal stats: %w", err)
	}

	start := time.Now()
	_, err = p.pool.Exec(ctx, `
INSERT INTO runs (id, kind, started_at, status, stats, error_text)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
`, run.ID, run.Kind, run.StartedAt, run.Status, stats, run.ErrorText)
	metrics.ObserveNetworkRequest("postgres", "runs_insert", "runs", start, err)
	return err
}

// UpdateRunStats обновляет статистику выполняющейся задачи.
func (p *Postgres) UpdateRunStats(ctx context.Context, id string, stats domain.RunStats) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("runs_update_stats: marshal stats: %w", err)
	}

	start := time.Now()
	_, err = p.pool.Exec(ctx, `UPDATE runs SET stats = $2 WHERE id = $1 AND status = 'running'`, id, payload)
	metrics.ObserveNetworkRequest("postgres", "runs_update_stats", "runs", start, err)
	return err
}

// FinishRun переводит задачу в конечное состояние, только если она ещё
// выполняется. Возвращает false, если задача уже была завершена.
func (p *Postgres) FinishRun(ctx context.Context, id string, status domain.RunStatus, stats domain.RunStats, errorText string) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	payload, err := json.Marshal(stats)
	if err != nil {
		return false, fmt.Errorf("runs_finish: marshal stats: %w", err)
	}

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE runs
SET status = $2, stats = $3, error_text = NULLIF($4, ''), finished_at = now()
WHERE id = $1 AND status = 'running'
`, id, status, payload, errorText)
	metrics.ObserveNetworkRequest("postgres", "runs_finish", "runs", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanRun(row pgx.Row) (domain.Run, error) {
	var (
		run      domain.Run
		finished sql.NullTime
		stats    []byte
	)
	if err := row.Scan(&run.ID, &run.Kind, &run.StartedAt, &finished, &run.Status, &stats, &run.ErrorText); err != nil {
		return domain.Run{}, err
	}
	if finished.Valid {
		ts := finished.Time
		run.FinishedAt = &ts
	}
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &run.Stats); err != nil {
			return domain.Run{}, fmt.Errorf("runs: unmarshal stats задачи %s: %w", run.ID, err)
		}
	}
	return run, nil
}

// GetRun возвращает задачу по идентификатору.
func (p *Postgres) GetRun(ctx context.Context, id string) (domain.Run, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	run, err := scanRun(p.pool.QueryRow(ctx, `
SELECT id, kind, started_at, finished_at, status, stats, COALESCE(error_text, '')
FROM runs WHERE id = $1
`, id))
	metrics.ObserveNetworkRequest("postgres", "runs_get", "runs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Run{}, domain.ErrRunNotFound
	}
	return run, err
}

// ListRuns возвращает последние задачи, новые первыми.
func (p *Postgres) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if limit <= 0 || limit > 100 {
		limit = 50
	}
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, kind, started_at, finished_at, status, stats, COALESCE(error_text, '')
FROM runs
ORDER BY started_at DESC
LIMIT $1
`, limit)
	metrics.ObserveNetworkRequest("postgres", "runs_list", "runs", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// SweepStaleRuns переводит все выполняющиеся задачи в failed.
// Вызывается при старте процесса: выполняющихся задач от прошлой жизни
// процесса быть не может.
func (p *Postgres) SweepStaleRuns(ctx context.Context, errorText string) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE runs
SET status = 'failed', error_text = $1, finished_at = now()
WHERE status = 'running'
`, errorText)
	metrics.ObserveNetworkRequest("postgres", "runs_sweep", "runs", start, err)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
