package ingest

import (
	"errors"
	"strings"
	"testing"
	"time"

	"signal-digest/internal/domain"
)

func TestNormalizeStripsHTML(t *testing.T) {
	published := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	raw := domain.RawRecord{
		ExternalID:  "guid-1",
		URL:         "https://example.com/a",
		Title:       "  Заголовок   с пробелами ",
		Text:        "<p>Первый <b>абзац</b></p><p>Второй</p>",
		PublishedAt: &published,
	}
	src := domain.Source{ID: 7, Type: domain.SourceFeed}

	item, err := Normalize(raw, src)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if item.Title != "Заголовок с пробелами" {
		t.Fatalf("ожидали схлопнутые пробелы, получили %q", item.Title)
	}
	if strings.Contains(item.RawText, "<") {
		t.Fatalf("разметка должна быть вырезана: %q", item.RawText)
	}
	if item.SourceID == nil || *item.SourceID != 7 {
		t.Fatalf("ожидали привязку к источнику")
	}
	if item.Hash == "" {
		t.Fatalf("ожидали вычисленный хэш")
	}
	if item.PublishedAt == nil || !item.PublishedAt.Equal(published) {
		t.Fatalf("ожидали сохранённое время публикации")
	}
}

func TestNormalizeRejectsMissingTitle(t *testing.T) {
	_, err := Normalize(domain.RawRecord{Text: "текст без заголовка"}, domain.Source{Type: domain.SourceFeed})
	if !errors.Is(err, domain.ErrMissingTitle) {
		t.Fatalf("ожидали ErrMissingTitle, получили %v", err)
	}
}

func TestContentHashIgnoresCaseAndTail(t *testing.T) {
	long := strings.Repeat("слово ", 200)
	a := contentHash("Заголовок", long+"хвост один")
	b := contentHash("заголовок", long+"хвост другой")
	if a != b {
		t.Fatalf("хвост за пределами 512 рун не должен влиять на хэш")
	}

	c := contentHash("Заголовок", "короткий текст")
	d := contentHash("Заголовок", "другой текст")
	if c == d {
		t.Fatalf("разный текст внутри окна должен давать разные хэши")
	}
}

func TestNormalizeWithoutSourceID(t *testing.T) {
	item, err := Normalize(domain.RawRecord{Title: "t"}, domain.Source{Type: domain.SourceSearchQuery})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if item.SourceID != nil {
		t.Fatalf("синтетический источник не должен давать source_id")
	}
	if item.PublishedAt != nil {
		t.Fatalf("время публикации не задано — ожидали nil")
	}
}
