// Package ingest реализует сбор контента: нормализацию сырых записей,
// дедупликацию и оркестрацию обхода источников.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"signal-digest/internal/domain"
)

const hashSnippetRunes = 512

// Normalize превращает сырую запись источника в неизменяемый материал.
// Запись без заголовка отбраковывается, остальные поля опциональны.
func Normalize(raw domain.RawRecord, src domain.Source) (domain.ContentItem, error) {
	title := collapseWhitespace(stripHTML(raw.Title))
	if title == "" {
		return domain.ContentItem{}, domain.ErrMissingTitle
	}

	text := collapseWhitespace(stripHTML(raw.Text))

	item := domain.ContentItem{
		SourceType: src.Type,
		ExternalID: strings.TrimSpace(raw.ExternalID),
		URL:        strings.TrimSpace(raw.URL),
		Title:      title,
		Author:     strings.TrimSpace(raw.Author),
		FetchedAt:  time.Now().UTC(),
		RawText:    text,
		RawJSON:    raw.Raw,
		Lang:       strings.TrimSpace(raw.Lang),
		Hash:       contentHash(title, text),
	}
	if src.ID != 0 {
		id := src.ID
		item.SourceID = &id
	}
	if raw.PublishedAt != nil {
		ts := raw.PublishedAt.UTC()
		item.PublishedAt = &ts
	}
	return item, nil
}

// stripHTML убирает разметку, оставляя текст. Строки без тегов проходят как есть.
func stripHTML(value string) string {
	if !strings.Contains(value, "<") {
		return value
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(value))
	if err != nil {
		return value
	}
	return doc.Text()
}

func collapseWhitespace(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

// contentHash считает отпечаток содержимого: заголовок в нижнем регистре
// плюс первые 512 рун нормализованного текста.
func contentHash(title, text string) string {
	snippet := []rune(strings.ToLower(text))
	if len(snippet) > hashSnippetRunes {
		snippet = snippet[:hashSnippetRunes]
	}
	sum := sha256.Sum256([]byte(strings.ToLower(title) + "\n" + string(snippet)))
	return hex.EncodeToString(sum[:])
}
