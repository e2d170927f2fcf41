// Package runs отслеживает фоновые задачи: регистрацию, прогресс,
// кооперативную отмену и завершение. Одновременно выполняется не более
// одной задачи каждого вида.
package runs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signal-digest/internal/domain"
	"signal-digest/internal/infra/metrics"
)

// CancelToken — кооперативный сигнал отмены. Оркестратор проверяет его
// на границах единиц работы.
type CancelToken struct {
	c    chan struct{}
	once sync.Once
}

func newCancelToken() *CancelToken {
	return &CancelToken{c: make(chan struct{})}
}

// Cancel взводит сигнал. Повторные вызовы безопасны.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.c) })
}

// Cancelled возвращает канал, закрываемый при отмене.
func (t *CancelToken) Cancelled() <-chan struct{} {
	return t.c
}

// IsCancelled сообщает, была ли запрошена отмена.
func (t *CancelToken) IsCancelled() bool {
	select {
	case <-t.c:
		return true
	default:
		return false
	}
}

type runState struct {
	run   domain.Run
	token *CancelToken
}

// Tracker ведёт учёт фоновых задач. Вся мутация состояния идёт под мьютексом,
// сетевые вызовы выполняются вне его.
type Tracker struct {
	repo domain.RunRepo
	log  zerolog.Logger

	mu     sync.Mutex
	active map[string]*runState
	byKind map[domain.RunKind]string
}

// NewTracker создаёт трекер задач.
func NewTracker(repo domain.RunRepo, log zerolog.Logger) *Tracker {
	return &Tracker{
		repo:   repo,
		log:    log,
		active: make(map[string]*runState),
		byKind: make(map[domain.RunKind]string),
	}
}

// Start регистрирует новую задачу. Если задача того же вида уже выполняется,
// возвращает domain.ErrRunConflict.
func (t *Tracker) Start(ctx context.Context, kind domain.RunKind) (domain.Run, *CancelToken, error) {
	run := domain.Run{
		ID:        uuid.NewString(),
		Kind:      kind,
		StartedAt: time.Now().UTC(),
		Status:    domain.RunRunning,
	}
	state := &runState{run: run, token: newCancelToken()}

	t.mu.Lock()
	if _, busy := t.byKind[kind]; busy {
		t.mu.Unlock()
		return domain.Run{}, nil, domain.ErrRunConflict
	}
	t.byKind[kind] = run.ID
	t.active[run.ID] = state
	t.mu.Unlock()

	if err := t.repo.CreateRun(ctx, run); err != nil {
		t.mu.Lock()
		delete(t.active, run.ID)
		delete(t.byKind, kind)
		t.mu.Unlock()
		return domain.Run{}, nil, fmt.Errorf("регистрация задачи %s: %w", kind, err)
	}

	t.log.Info().Str("run_id", run.ID).Str("kind", string(kind)).Msg("задача запущена")
	return run, state.token, nil
}

// Mutate применяет изменение к статистике выполняющейся задачи и сохраняет
// снимок. Записи прогресса затирают друг друга: последняя побеждает.
func (t *Tracker) Mutate(ctx context.Context, id string, fn func(*domain.RunStats)) error {
	t.mu.Lock()
	state, ok := t.active[id]
	if !ok {
		t.mu.Unlock()
		return domain.ErrRunNotFound
	}
	fn(&state.run.Stats)
	state.run.Stats.Progress.UpdatedAt = time.Now().UTC()
	snapshot := state.run.Stats
	t.mu.Unlock()

	if err := t.repo.UpdateRunStats(ctx, id, snapshot); err != nil {
		t.log.Warn().Err(err).Str("run_id", id).Msg("не удалось сохранить статистику задачи")
	}
	return nil
}

// UpdateProgress заменяет прогресс задачи.
func (t *Tracker) UpdateProgress(ctx context.Context, id string, progress domain.RunProgress) error {
	return t.Mutate(ctx, id, func(stats *domain.RunStats) {
		stats.Progress = progress
	})
}

// AppendTask добавляет запись в журнал шагов задачи.
func (t *Tracker) AppendTask(ctx context.Context, id, task, detail string) error {
	return t.Mutate(ctx, id, func(stats *domain.RunStats) {
		stats.AppendTask(domain.RunTask{At: time.Now().UTC(), Task: task, Detail: detail})
	})
}

// RequestCancel запрашивает кооперативную отмену задачи.
func (t *Tracker) RequestCancel(ctx context.Context, id string) error {
	t.mu.Lock()
	state, ok := t.active[id]
	t.mu.Unlock()
	if ok {
		if !state.run.Kind.Cancellable() {
			return domain.ErrRunNotCancellable
		}
		state.token.Cancel()
		t.log.Info().Str("run_id", id).Msg("запрошена отмена задачи")
		return nil
	}

	run, err := t.repo.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return domain.ErrRunFinished
	}
	if !run.Kind.Cancellable() {
		return domain.ErrRunNotCancellable
	}
	// Выполняющаяся, но не зарегистрированная в памяти задача — наследие
	// упавшего процесса, её подметёт SweepStale.
	return domain.ErrRunFinished
}

// Finish переводит задачу в конечное состояние и освобождает слот вида.
// Повторное завершение логируется и игнорируется.
func (t *Tracker) Finish(ctx context.Context, id string, status domain.RunStatus, errorText string) {
	t.mu.Lock()
	state, ok := t.active[id]
	if ok {
		delete(t.active, id)
		delete(t.byKind, state.run.Kind)
	}
	t.mu.Unlock()
	if !ok {
		t.log.Warn().Str("run_id", id).Msg("завершение незарегистрированной задачи")
		return
	}

	updated, err := t.repo.FinishRun(ctx, id, status, state.run.Stats, errorText)
	if err != nil {
		t.log.Error().Err(err).Str("run_id", id).Msg("не удалось завершить задачу")
		return
	}
	if !updated {
		t.log.Warn().Str("run_id", id).Msg("задача уже была завершена")
		return
	}

	metrics.ObserveRun(string(state.run.Kind), string(status), state.run.StartedAt)
	t.log.Info().
		Str("run_id", id).
		Str("kind", string(state.run.Kind)).
		Str("status", string(status)).
		Dur("duration", time.Since(state.run.StartedAt)).
		Msg("задача завершена")
}

// Get возвращает задачу: активную — из памяти, завершённую — из хранилища.
func (t *Tracker) Get(ctx context.Context, id string) (domain.Run, error) {
	t.mu.Lock()
	if state, ok := t.active[id]; ok {
		run := state.run
		t.mu.Unlock()
		return run, nil
	}
	t.mu.Unlock()
	return t.repo.GetRun(ctx, id)
}

// List возвращает последние задачи.
func (t *Tracker) List(ctx context.Context, limit int) ([]domain.Run, error) {
	return t.repo.ListRuns(ctx, limit)
}

// SweepStale помечает зависшие с прошлого запуска процесса задачи как
// проваленные. Вызывается один раз при старте.
func (t *Tracker) SweepStale(ctx context.Context) error {
	n, err := t.repo.SweepStaleRuns(ctx, "процесс перезапущен во время выполнения")
	if err != nil {
		return fmt.Errorf("подметание зависших задач: %w", err)
	}
	if n > 0 {
		t.log.Warn().Int("count", n).Msg("зависшие задачи помечены как проваленные")
	}
	return nil
}
