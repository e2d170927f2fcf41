package brief

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"signal-digest/internal/domain"
)

// topicDigestMinItems — минимум кандидатов, при котором для темы имеет смысл
// отдельная сводка.
const topicDigestMinItems = 2

const topicDigestPromptName = "topic_brief_generation"
const topicDigestPromptVersion = "v1.0"

const topicDigestSystem = `You are an expert analyst creating an executive brief for a specific topic.

Your task: Synthesize ALL content items assigned to this topic into a cohesive executive summary.

Guidelines:
1. Create a SHORT SUMMARY (2 sentences max): High-level overview of what's happening
2. Create a FULL SUMMARY as 4-6 short paragraphs in Markdown, each starting with a clear label, separated by blank lines.
   Use these labels in order:
   - "Developments:" key events and changes
   - "Drivers:" what's causing the shift
   - "Implications:" concrete impacts for industry/government/people
   - "Signals to watch:" near-term indicators or milestones
   - "Risks/unknowns:" open questions or constraints
   Keep each paragraph to 2-3 sentences. Avoid long sentences and jargon.
3. Use the topic description (if provided) to filter and prioritize signal; drop tangential content.

Style:
- Write for busy executives who need signal, not noise
- Be concise but comprehensive
- Use active voice and clear language
- Connect dots between different pieces of content
- Prefer short sentences and concrete claims

Output Format:
Return JSON matching this structure:
{
  "summary_short": "2-3 sentence overview",
  "summary_full": "Executive summary formatted as Markdown"
}`

// TopicDigestGenerator синтезирует сводку по одной теме из её кандидатов.
type TopicDigestGenerator struct {
	model   domain.ModelClient
	timeout time.Duration
}

// NewTopicDigestGenerator создаёт генератор сводок.
func NewTopicDigestGenerator(model domain.ModelClient, timeout time.Duration) *TopicDigestGenerator {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &TopicDigestGenerator{model: model, timeout: timeout}
}

type topicDigestResult struct {
	SummaryShort string `json:"summary_short"`
	SummaryFull  string `json:"summary_full"`
}

// Generate синтезирует сводку темы из кандидатов.
func (g *TopicDigestGenerator) Generate(ctx context.Context, topic domain.Topic, candidates []domain.BriefCandidate) (domain.TopicDigest, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.model.Generate(ctx, domain.ModelRequest{
		System:    topicDigestSystem,
		User:      topicDigestUser(topic, candidates),
		ForceJSON: true,
	})
	if err != nil {
		return domain.TopicDigest{}, fmt.Errorf("генерация сводки темы %q: %w", topic.Name, err)
	}

	var parsed topicDigestResult
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		return domain.TopicDigest{}, fmt.Errorf("%w: %v", domain.ErrMalformedModelOutput, err)
	}
	if strings.TrimSpace(parsed.SummaryShort) == "" || strings.TrimSpace(parsed.SummaryFull) == "" {
		return domain.TopicDigest{}, fmt.Errorf("%w: пустая сводка", domain.ErrMalformedModelOutput)
	}

	return domain.TopicDigest{
		TopicID:       topic.ID,
		ShortSummary:  parsed.SummaryShort,
		FullSummary:   parsed.SummaryFull,
		ModelProvider: resp.Provider,
		ModelName:     resp.Model,
		PromptName:    topicDigestPromptName,
		PromptVersion: topicDigestPromptVersion,
		GeneratedAt:   time.Now().UTC(),
	}, nil
}

func topicDigestUser(topic domain.Topic, candidates []domain.BriefCandidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TOPIC: %s\n", topic.Name)
	if topic.Description != "" {
		fmt.Fprintf(&b, "Topic Description: %s\n", topic.Description)
	}
	fmt.Fprintf(&b, "\nCONTENT ITEMS (%d total):\n", len(candidates))
	for _, cand := range candidates {
		fmt.Fprintf(&b, "\n(id:%d) %s\nURL: %s\n", cand.Item.ID, cand.Item.Title, cand.Item.URL)
		for _, bullet := range cand.Extraction.Payload.SummaryBullets {
			fmt.Fprintf(&b, "- %s\n", bullet)
		}
		if len(cand.Extraction.Payload.WhyItMatters) > 0 {
			fmt.Fprintf(&b, "Why it matters: %s\n", strings.Join(cand.Extraction.Payload.WhyItMatters, "; "))
		}
	}
	return b.String()
}
