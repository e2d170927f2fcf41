package aiprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"signal-digest/internal/domain"
)

const (
	classificationMinScore  = 0.5
	classificationMaxTopics = 5
)

// Classifier относит материал к темам через языковую модель.
type Classifier struct {
	model domain.ModelClient
}

// NewClassifier создаёт классификатор.
func NewClassifier(model domain.ModelClient) *Classifier {
	return &Classifier{model: model}
}

type classificationResult struct {
	Assignments []struct {
		TopicID        int64   `json:"topic_id"`
		Score          float64 `json:"score"`
		RationaleShort string  `json:"rationale_short"`
	} `json:"assignments"`
}

// Classify возвращает назначения тем для материала. Ноль назначений — тоже
// успех: не всё на свете относится к темам пользователя.
func (c *Classifier) Classify(ctx context.Context, item domain.ContentItem, topics []domain.Topic) ([]domain.TopicAssignment, error) {
	enabled := make(map[int64]bool, len(topics))
	var prompted []domain.Topic
	for _, topic := range topics {
		if !topic.Enabled {
			continue
		}
		enabled[topic.ID] = true
		prompted = append(prompted, topic)
	}
	if len(prompted) == 0 {
		return nil, nil
	}

	resp, err := c.model.Generate(ctx, domain.ModelRequest{
		System:    classificationPrompt.System,
		User:      classificationUser(item, prompted),
		ForceJSON: true,
	})
	if err != nil {
		return nil, fmt.Errorf("классификация материала %d: %w", item.ID, err)
	}

	var parsed classificationResult
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedModelOutput, err)
	}

	var out []domain.TopicAssignment
	for _, a := range parsed.Assignments {
		if a.Score < classificationMinScore {
			continue
		}
		if !enabled[a.TopicID] {
			continue
		}
		score := a.Score
		if score > 1 {
			score = 1
		}
		out = append(out, domain.TopicAssignment{
			ContentItemID:  item.ID,
			TopicID:        a.TopicID,
			Score:          score,
			RationaleShort: a.RationaleShort,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > classificationMaxTopics {
		out = out[:classificationMaxTopics]
	}
	return out, nil
}
