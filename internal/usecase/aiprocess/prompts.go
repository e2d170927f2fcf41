// Package aiprocess реализует AI-обработку материалов: классификацию по
// темам и извлечение структурированного сигнала.
package aiprocess

import (
	"fmt"
	"strings"

	"signal-digest/internal/domain"
)

// Prompt — версионированный шаблон запроса. Имя и версия сохраняются в
// провенансе извлечения.
type Prompt struct {
	Name    string
	Version string
	System  string
}

var classificationPrompt = Prompt{
	Name:    "topic_classification",
	Version: "v1.0",
	System: `You are an expert content classifier. Your task is to classify content into relevant topics based on provided criteria.

Rules:
1. A content item can belong to multiple topics (multi-label classification)
2. Assign a confidence score between 0.0 and 1.0 for each relevant topic
3. Only include topics with score >= 0.5
4. Return maximum 5 topics, ordered by score (highest first)
5. Provide a brief rationale (1-2 sentences) for each assignment
6. Use topic descriptions (if provided) to interpret scope and intent
7. Use include_rules to identify relevant content
8. Use exclude_rules to filter out irrelevant content

Output Format:
Return JSON with this exact structure:
{
  "assignments": [
    {
      "topic_id": <int>,
      "score": <float between 0.0 and 1.0>,
      "rationale_short": "<string explaining why this topic applies>"
    }
  ]
}

If no topics are relevant (score < 0.5), return empty assignments array.`,
}

var extractionPrompt = Prompt{
	Name:    "structured_extraction",
	Version: "v1.0",
	System: `You are an expert content analyst. Extract key information from the provided content and structure it for easy consumption.

Your goal is to distill content into "pure signal" - the essential information without noise.

Guidelines:
1. Summary bullets (2-5 points): Core facts and key takeaways
2. Why it matters (1-2 points): Implications, impact, or significance
3. Key claims: Specific factual assertions with confidence levels
4. Novelty: Is this new information, an update to existing story, or recurring topic?
5. Overall confidence: How confident are you in the accuracy of this extraction?
6. Follow-ups: Optional related topics worth exploring

Handle different content types appropriately:
- Short content (posts): Focus on main point, be concise
- Long articles: Extract most important information
- Video descriptions: Work with available metadata

Output Format:
Return JSON with this exact structure:
{
  "summary_bullets": ["bullet1", "bullet2", ...],
  "why_it_matters": ["reason1", "reason2"],
  "key_claims": [
    {"claim": "...", "confidence": "low|med|high"}
  ],
  "novelty": "new|update|recurring",
  "confidence_overall": "low|med|high",
  "follow_ups": ["topic1", "topic2"]
}

Confidence levels:
- high: Strong evidence, verified facts, reputable source
- med: Reasonable evidence, some uncertainty
- low: Speculation, unverified claims, unclear source

Novelty:
- new: Breaking news or first mention of this topic
- update: Follow-up or development on existing story
- recurring: Ongoing discussion or repeated topic`,
}

var videoExtractionPrompt = Prompt{
	Name:    "video_extraction",
	Version: "v1.0",
	System: `You are an expert video content analyst. Analyze the video metadata and description below and extract key information.

Your goal is to distill the video into "pure signal" - the essential information without noise.

Extract:
1. Summary bullets (2-5 points): Core facts and key takeaways from the video
2. Why it matters (1-2 points): Implications, impact, or significance
3. Key claims: Specific factual assertions with confidence levels
4. Novelty: Is this new information, an update to existing story, or recurring topic?
5. Overall confidence: How confident are you in the accuracy of this extraction?
6. Follow-ups: Optional related topics worth exploring

Output Format:
Return JSON with this exact structure:
{
  "summary_bullets": ["bullet1", "bullet2", ...],
  "why_it_matters": ["reason1", "reason2"],
  "key_claims": [
    {"claim": "...", "confidence": "low|med|high"}
  ],
  "novelty": "new|update|recurring",
  "confidence_overall": "low|med|high",
  "follow_ups": ["topic1", "topic2"]
}`,
}

const contentCharLimit = 8000

// bestText возвращает текст материала, а при его отсутствии — заголовок.
func bestText(item domain.ContentItem) string {
	text := strings.TrimSpace(item.RawText)
	if text == "" {
		return item.Title
	}
	runes := []rune(text)
	if len(runes) > contentCharLimit {
		return string(runes[:contentCharLimit])
	}
	return text
}

func classificationUser(item domain.ContentItem, topics []domain.Topic) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Content to classify:\nTitle: %s\nContent: %s\n\nAvailable Topics:\n", item.Title, bestText(item))
	for _, topic := range topics {
		fmt.Fprintf(&b, "- topic_id: %d\n  name: %s\n", topic.ID, topic.Name)
		if topic.Description != "" {
			fmt.Fprintf(&b, "  description: %s\n", topic.Description)
		}
		if topic.IncludeRules != "" {
			fmt.Fprintf(&b, "  include_rules: %s\n", topic.IncludeRules)
		}
		if topic.ExcludeRules != "" {
			fmt.Fprintf(&b, "  exclude_rules: %s\n", topic.ExcludeRules)
		}
	}
	return b.String()
}

func extractionUser(item domain.ContentItem) string {
	return fmt.Sprintf("Content to analyze:\nTitle: %s\nURL: %s\nContent: %s", item.Title, item.URL, bestText(item))
}

// extractionPromptFor подбирает шаблон: видеоматериалы получают видео-рамку.
func extractionPromptFor(item domain.ContentItem) Prompt {
	if item.SourceType == domain.SourceVideoChannel {
		return videoExtractionPrompt
	}
	return extractionPrompt
}
