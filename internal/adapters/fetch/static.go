package fetch

import (
	"context"
	"time"

	"signal-digest/internal/domain"
)

// Static отдаёт заранее заданные записи. Используется в тестах.
type Static struct {
	Records []domain.RawRecord
	Err     error
}

var _ domain.SourceFetcher = (*Static)(nil)

// Fetch возвращает заготовленные записи с учётом лимита.
func (f *Static) Fetch(_ context.Context, _ domain.Source, limit int, _ time.Duration) ([]domain.RawRecord, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	records := f.Records
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	out := make([]domain.RawRecord, len(records))
	copy(out, records)
	return out, nil
}
