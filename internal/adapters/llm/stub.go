package llm

import (
	"context"
	"sync"

	"signal-digest/internal/domain"
)

// Stub — детерминированный клиент для тестов и локальной разработки.
// Ответы отдаются по очереди; после исчерпания повторяется последний.
type Stub struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     []domain.ModelRequest
}

var _ domain.ModelClient = (*Stub)(nil)

// NewStub создаёт заглушку без ответов: каждый вызов вернёт пустой JSON.
func NewStub() *Stub {
	return &Stub{responses: []string{"{}"}}
}

// WithResponses задаёт очередь ответов.
func (s *Stub) WithResponses(responses ...string) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = responses
	return s
}

// WithError заставляет все вызовы возвращать ошибку.
func (s *Stub) WithError(err error) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return s
}

// Calls возвращает накопленные запросы.
func (s *Stub) Calls() []domain.ModelRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ModelRequest, len(s.calls))
	copy(out, s.calls)
	return out
}

// Generate отдаёт следующий заготовленный ответ.
func (s *Stub) Generate(_ context.Context, req domain.ModelRequest) (domain.ModelResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.err != nil {
		return domain.ModelResponse{}, s.err
	}
	content := "{}"
	if len(s.responses) > 0 {
		content = s.responses[0]
		if len(s.responses) > 1 {
			s.responses = s.responses[1:]
		}
	}
	return domain.ModelResponse{Content: content, Provider: "stub", Model: "stub"}, nil
}
