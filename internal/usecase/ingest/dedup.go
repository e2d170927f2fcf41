package ingest

import (
	"context"
	"fmt"
	"time"

	"signal-digest/internal/domain"
)

// Decision — вердикт дедупликатора по материалу.
type Decision int

const (
	// DecisionNew — материал раньше не встречался.
	DecisionNew Decision = iota
	// DecisionDuplicateSkip — дубликат, материал пропускается.
	DecisionDuplicateSkip
	// DecisionDuplicateUpdate зарезервирован: сейчас отображается в пропуск,
	// семантика обновления существующего материала не поддерживается.
	DecisionDuplicateUpdate
)

// Deduplicator решает, видели ли мы материал раньше. Первичный признак —
// совпадение внешнего идентификатора в рамках источника либо URL; вторичный —
// совпадение хэша содержимого в пределах окна. Кэш прикрывает проверку хэша,
// его недоступность деградирует в прямой запрос к БД.
type Deduplicator struct {
	items domain.ContentItemRepo
	cache domain.Cache
}

// NewDeduplicator создаёт дедупликатор. Кэш может быть nil.
func NewDeduplicator(items domain.ContentItemRepo, cache domain.Cache) *Deduplicator {
	return &Deduplicator{items: items, cache: cache}
}

func hashKey(hash string) string {
	return "ingest:hash:" + hash
}

// Decide выносит вердикт по нормализованному материалу.
func (d *Deduplicator) Decide(ctx context.Context, item domain.ContentItem, lookback time.Duration) (Decision, error) {
	existing, err := d.items.FindByPrimaryKey(ctx, item.SourceID, item.ExternalID, item.URL)
	if err != nil {
		return DecisionNew, fmt.Errorf("поиск по ключу: %w", err)
	}
	if existing != nil {
		return DecisionDuplicateSkip, nil
	}

	if item.Hash == "" {
		return DecisionNew, nil
	}

	if d.cache != nil {
		if _, err := d.cache.Get(hashKey(item.Hash)); err == nil {
			return DecisionDuplicateSkip, nil
		}
	}

	since := time.Now().UTC().Add(-lookback)
	byHash, err := d.items.FindByHashSince(ctx, item.Hash, since)
	if err != nil {
		return DecisionNew, fmt.Errorf("поиск по хэшу: %w", err)
	}
	if byHash != nil {
		d.markSeen(item.Hash, lookback)
		return DecisionDuplicateSkip, nil
	}
	return DecisionNew, nil
}

// MarkSeen помечает хэш сохранённого материала в кэше на время окна.
func (d *Deduplicator) MarkSeen(hash string, lookback time.Duration) {
	d.markSeen(hash, lookback)
}

func (d *Deduplicator) markSeen(hash string, lookback time.Duration) {
	if d.cache == nil || hash == "" {
		return
	}
	_ = d.cache.Set(hashKey(hash), []byte("1"), lookback)
}
