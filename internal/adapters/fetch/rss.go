// Package fetch содержит реализации domain.SourceFetcher.
// Ленты, видеоканалы и публичные аккаунты обслуживаются одним
// RSS/Atom-фетчером: видеоканалы отдают Atom-ленту, аккаунты соцсетей
// подключаются через bridge-URL, отдающий RSS.
package fetch

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"signal-digest/internal/domain"
	"signal-digest/internal/infra/metrics"
)

// RSS выгружает записи из RSS 2.0 и Atom лент.
type RSS struct {
	http      *http.Client
	userAgent string
}

var _ domain.SourceFetcher = (*RSS)(nil)

// NewRSS создаёт фетчер лент.
func NewRSS(timeout time.Duration) *RSS {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RSS{
		http:      &http.Client{Timeout: timeout},
		userAgent: "signal-digest/1.0",
	}
}

// Fetch выгружает не более limit записей не старше window.
func (f *RSS) Fetch(ctx context.Context, src domain.Source, limit int, window time.Duration) ([]domain.RawRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.Target, nil)
	if err != nil {
		return nil, fmt.Errorf("rss: build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	start := time.Now()
	resp, err := f.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("fetch", "rss_get", src.Name, start, err)
		return nil, fmt.Errorf("rss: fetch %s: %w", src.Target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		err = fmt.Errorf("rss: unexpected status %d from %s", resp.StatusCode, src.Target)
		metrics.ObserveNetworkRequest("fetch", "rss_get", src.Name, start, err)
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	metrics.ObserveNetworkRequest("fetch", "rss_get", src.Name, start, err)
	if err != nil {
		return nil, fmt.Errorf("rss: read body: %w", err)
	}

	records, err := parseFeed(body)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-window)
	out := make([]domain.RawRecord, 0, len(records))
	for _, rec := range records {
		if window > 0 && rec.PublishedAt != nil && rec.PublishedAt.Before(cutoff) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

type rssDoc struct {
	XMLName xml.Name   `xml:"rss"`
	Items   []rssEntry `xml:"channel>item"`
}

type rssEntry struct {
	GUID        string `xml:"guid"`
	Link        string `xml:"link"`
	Title       string `xml:"title"`
	Author      string `xml:"creator"`
	PubDate     string `xml:"pubDate"`
	Description string `xml:"description"`
	Language    string `xml:"language"`
}

type atomDoc struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID      string     `xml:"id"`
	Links   []atomLink `xml:"link"`
	Title   string     `xml:"title"`
	Author  string     `xml:"author>name"`
	Updated string     `xml:"updated"`
	Publish string     `xml:"published"`
	Content string     `xml:"content"`
	Summary string     `xml:"summary"`
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

func parseFeed(body []byte) ([]domain.RawRecord, error) {
	var rss rssDoc
	if err := xml.Unmarshal(body, &rss); err == nil && len(rss.Items) > 0 {
		out := make([]domain.RawRecord, 0, len(rss.Items))
		for _, item := range rss.Items {
			raw, _ := json.Marshal(item)
			out = append(out, domain.RawRecord{
				ExternalID:  strings.TrimSpace(item.GUID),
				URL:         strings.TrimSpace(item.Link),
				Title:       strings.TrimSpace(item.Title),
				Author:      strings.TrimSpace(item.Author),
				PublishedAt: parseFeedTime(item.PubDate),
				Text:        item.Description,
				Raw:         raw,
			})
		}
		return out, nil
	}

	var atom atomDoc
	if err := xml.Unmarshal(body, &atom); err == nil && len(atom.Entries) > 0 {
		out := make([]domain.RawRecord, 0, len(atom.Entries))
		for _, entry := range atom.Entries {
			raw, _ := json.Marshal(entry)
			text := entry.Content
			if text == "" {
				text = entry.Summary
			}
			published := entry.Publish
			if published == "" {
				published = entry.Updated
			}
			out = append(out, domain.RawRecord{
				ExternalID:  strings.TrimSpace(entry.ID),
				URL:         atomHref(entry.Links),
				Title:       strings.TrimSpace(entry.Title),
				Author:      strings.TrimSpace(entry.Author),
				PublishedAt: parseFeedTime(published),
				Text:        text,
				Raw:         raw,
			})
		}
		return out, nil
	}

	return nil, fmt.Errorf("rss: не удалось распознать формат ленты")
}

func atomHref(links []atomLink) string {
	for _, link := range links {
		if link.Rel == "" || link.Rel == "alternate" {
			return strings.TrimSpace(link.Href)
		}
	}
	if len(links) > 0 {
		return strings.TrimSpace(links[0].Href)
	}
	return ""
}

var feedTimeLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"Mon, 2 Jan 2006 15:04:05 -0700",
}

func parseFeedTime(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range feedTimeLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			utc := ts.UTC()
			return &utc
		}
	}
	return nil
}
