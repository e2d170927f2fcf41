package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"signal-digest/internal/domain"
	"signal-digest/internal/infra/metrics"
)

// Search выгружает результаты поискового API по запросу источника.
// Target источника — текст запроса.
type Search struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

var _ domain.SourceFetcher = (*Search)(nil)

// NewSearch создаёт поисковый фетчер.
func NewSearch(baseURL, apiKey string, timeout time.Duration) *Search {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Search{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

type searchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
	Days       int    `json:"days,omitempty"`
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

type searchResult struct {
	URL           string  `json:"url"`
	Title         string  `json:"title"`
	Content       string  `json:"content"`
	PublishedDate string  `json:"published_date"`
	Score         float64 `json:"score"`
}

// Fetch выполняет поиск и возвращает результаты как сырые записи.
func (f *Search) Fetch(ctx context.Context, src domain.Source, limit int, window time.Duration) ([]domain.RawRecord, error) {
	if f.baseURL == "" || f.apiKey == "" {
		return nil, fmt.Errorf("search: api не сконфигурировано")
	}

	days := int(window.Hours()/24 + 0.5)
	if days <= 0 {
		days = 2
	}
	payload, err := json.Marshal(searchRequest{Query: src.Target, MaxResults: limit, Days: days})
	if err != nil {
		return nil, fmt.Errorf("search: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("search: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.apiKey)

	start := time.Now()
	resp, err := f.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("fetch", "search", src.Name, start, err)
		return nil, fmt.Errorf("search: do request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		metrics.ObserveNetworkRequest("fetch", "search", src.Name, start, err)
		return nil, fmt.Errorf("search: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		err = fmt.Errorf("search: unexpected status %d", resp.StatusCode)
		metrics.ObserveNetworkRequest("fetch", "search", src.Name, start, err)
		return nil, err
	}
	metrics.ObserveNetworkRequest("fetch", "search", src.Name, start, nil)

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("search: decode response: %w", err)
	}

	out := make([]domain.RawRecord, 0, len(parsed.Results))
	for _, result := range parsed.Results {
		raw, _ := json.Marshal(result)
		out = append(out, domain.RawRecord{
			URL:         strings.TrimSpace(result.URL),
			Title:       strings.TrimSpace(result.Title),
			Text:        result.Content,
			PublishedAt: parseFeedTime(result.PublishedDate),
			Raw:         raw,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
