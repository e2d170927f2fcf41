package fetch

import (
	"testing"
	"time"
)

const rssSample = `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Новости</title>
    <item>
      <guid>guid-1</guid>
      <link>https://example.com/a</link>
      <title> Первая запись </title>
      <pubDate>Tue, 25 Aug 2026 10:00:00 +0000</pubDate>
      <description>Текст записи</description>
    </item>
    <item>
      <guid>guid-2</guid>
      <link>https://example.com/b</link>
      <title>Вторая запись</title>
      <pubDate>мусор вместо даты</pubDate>
    </item>
  </channel>
</rss>`

const atomSample = `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>yt:video:abc</id>
    <link rel="alternate" href="https://example.com/watch?v=abc"/>
    <title>Выпуск</title>
    <author><name>Канал</name></author>
    <published>2026-08-25T10:00:00Z</published>
    <summary>Описание выпуска</summary>
  </entry>
</feed>`

func TestParseFeedRSS(t *testing.T) {
	records, err := parseFeed([]byte(rssSample))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("ожидали 2 записи, получили %d", len(records))
	}
	first := records[0]
	if first.ExternalID != "guid-1" || first.URL != "https://example.com/a" {
		t.Fatalf("неожиданные идентификаторы: %+v", first)
	}
	if first.Title != "Первая запись" {
		t.Fatalf("заголовок должен быть обрезан: %q", first.Title)
	}
	if first.PublishedAt == nil || !first.PublishedAt.Equal(time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("неожиданная дата публикации: %v", first.PublishedAt)
	}
	if records[1].PublishedAt != nil {
		t.Fatalf("нераспознанная дата должна давать nil, получили %v", records[1].PublishedAt)
	}
}

func TestParseFeedAtom(t *testing.T) {
	records, err := parseFeed([]byte(atomSample))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("ожидали 1 запись, получили %d", len(records))
	}
	rec := records[0]
	if rec.ExternalID != "yt:video:abc" || rec.URL != "https://example.com/watch?v=abc" {
		t.Fatalf("неожиданные идентификаторы: %+v", rec)
	}
	if rec.Author != "Канал" || rec.Text != "Описание выпуска" {
		t.Fatalf("summary должен подставляться вместо content: %+v", rec)
	}
	if rec.PublishedAt == nil {
		t.Fatalf("ожидали дату публикации")
	}
}

func TestParseFeedUnknownFormat(t *testing.T) {
	if _, err := parseFeed([]byte(`{"items": []}`)); err == nil {
		t.Fatalf("нераспознанный формат должен быть ошибкой")
	}
}

func TestParseFeedTimeLayouts(t *testing.T) {
	for _, value := range []string{
		"Tue, 25 Aug 2026 10:00:00 +0000",
		"2026-08-25T10:00:00Z",
		"Tue, 25 Aug 2026 10:00:00 GMT",
	} {
		if ts := parseFeedTime(value); ts == nil {
			t.Fatalf("не распознали дату %q", value)
		}
	}
	if ts := parseFeedTime(""); ts != nil {
		t.Fatalf("пустая строка должна давать nil")
	}
}
