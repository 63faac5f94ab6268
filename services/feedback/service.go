package feedback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"microtutor/db"
	"microtutor/models"
	"microtutor/services/pinecone"

	"github.com/samber/lo"
)

var ErrInvalidRating = errors.New("invalid rating")

const historyTurnsForQuery = 3

type Searcher interface {
	Search(ctx context.Context, namespace, query string, topK int) ([]pinecone.Match, error)
}

type RetrieveOptions struct {
	// Threshold overrides the configured minimum score when set. Zero is a
	// valid override that keeps every match.
	Threshold *float64
	TopK      int
	// Tool restricts examples to replies produced by one agent.
	Tool string
}

type Service struct {
	search    Searcher
	repo      db.FeedbackRepository
	topK      int
	threshold float64
}

func NewService(search Searcher, repo db.FeedbackRepository, topK int, threshold float64) *Service {
	return &Service{
		search:    search,
		repo:      repo,
		topK:      topK,
		threshold: threshold,
	}
}

func (s *Service) DefaultThreshold() float64 {
	return s.threshold
}

// RetrieveFeedbackExamples returns rated past replies similar to the message
// and recent history, best match first.
func (s *Service) RetrieveFeedbackExamples(ctx context.Context, message string, history []models.Message, opts RetrieveOptions) ([]models.FeedbackExample, error) {
	if s.search == nil {
		return nil, nil
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = s.topK
	}
	threshold := s.threshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}

	fetch := topK
	if opts.Tool != "" {
		fetch = topK * 3
	}

	matches, err := s.search.Search(ctx, pinecone.NamespaceFeedback, buildQuery(message, history), fetch)
	if err != nil {
		return nil, fmt.Errorf("failed to search feedback examples: %w", err)
	}

	examples := lo.FilterMap(matches, func(m pinecone.Match, _ int) (models.FeedbackExample, bool) {
		if float64(m.Score) < threshold || m.Text("content") == "" {
			return models.FeedbackExample{}, false
		}
		if opts.Tool != "" && m.Text("tool") != opts.Tool {
			return models.FeedbackExample{}, false
		}
		return toExample(m), true
	})
	if len(examples) > topK {
		examples = examples[:topK]
	}

	log.Printf("[INFO] Retrieved %d feedback examples (threshold %.2f, %d candidates)", len(examples), threshold, len(matches))
	return examples, nil
}

func buildQuery(message string, history []models.Message) string {
	var parts []string
	start := max(len(history)-historyTurnsForQuery, 0)
	for _, msg := range history[start:] {
		parts = append(parts, fmt.Sprintf("%s: %s", msg.Role, msg.Content))
	}
	parts = append(parts, "user: "+message)
	return strings.Join(parts, "\n")
}

func toExample(m pinecone.Match) models.FeedbackExample {
	rating := 0
	if r, ok := m.Metadata["rating"].(float64); ok {
		rating = int(r)
	}
	return models.FeedbackExample{
		ID:           m.ID,
		Tool:         m.Text("tool"),
		UserMessage:  m.Text("user_message"),
		Content:      m.Text("content"),
		Rating:       rating,
		QualityLabel: QualityLabel(rating),
		Comment:      m.Text("comment"),
		Score:        float64(m.Score),
	}
}

func QualityLabel(rating int) string {
	switch {
	case rating >= 4:
		return "good"
	case rating == 3:
		return "average"
	case rating > 0:
		return "poor"
	}
	return "unrated"
}

// FormatExamples renders examples as prompt text grouped by quality label.
func FormatExamples(examples []models.FeedbackExample) string {
	if len(examples) == 0 {
		return ""
	}

	groups := lo.GroupBy(examples, func(e models.FeedbackExample) string {
		return e.QualityLabel
	})

	var b strings.Builder
	for _, label := range []string{"good", "average", "poor", "unrated"} {
		group, ok := groups[label]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s examples (rated by instructors):\n", strings.ToUpper(label[:1])+label[1:])
		for i, e := range group {
			if e.UserMessage != "" {
				fmt.Fprintf(&b, "%d. Student: %s\n   Reply: %s\n", i+1, e.UserMessage, e.Content)
			} else {
				fmt.Fprintf(&b, "%d. Reply: %s\n", i+1, e.Content)
			}
			if e.Comment != "" {
				fmt.Fprintf(&b, "   Reviewer note: %s\n", e.Comment)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// GetExamplesForTool formats the good examples for a phase agent's prompt.
func (s *Service) GetExamplesForTool(ctx context.Context, tool string, message string, history []models.Message) (string, error) {
	examples, err := s.RetrieveFeedbackExamples(ctx, message, history, RetrieveOptions{Tool: tool})
	if err != nil {
		return "", err
	}
	good := lo.Filter(examples, func(e models.FeedbackExample, _ int) bool {
		return e.QualityLabel == "good"
	})
	return FormatExamples(good), nil
}

func (s *Service) SubmitRating(ctx context.Context, req models.SubmitRatingRequest) (*models.FeedbackRating, error) {
	log.Printf("[INFO] Submitting rating %d for case %s", req.Rating, req.CaseID)

	if req.Rating < 1 || req.Rating > 5 {
		return nil, fmt.Errorf("%w: rating must be between 1 and 5, got %d", ErrInvalidRating, req.Rating)
	}
	if strings.TrimSpace(req.AssistantMessage) == "" {
		return nil, fmt.Errorf("%w: assistant_message is required", ErrInvalidRating)
	}
	if strings.TrimSpace(req.CaseID) == "" {
		return nil, fmt.Errorf("%w: case_id is required", ErrInvalidRating)
	}
	if req.Phase != "" && !req.Phase.Valid() {
		return nil, fmt.Errorf("%w: unknown phase %q", ErrInvalidRating, req.Phase)
	}
	if s.repo == nil {
		return nil, errors.New("feedback storage is not configured")
	}

	rating, err := s.repo.CreateRating(ctx, &models.FeedbackRating{
		CaseID:           req.CaseID,
		Organism:         req.Organism,
		Phase:            req.Phase,
		Tool:             req.Tool,
		UserMessage:      req.UserMessage,
		AssistantMessage: req.AssistantMessage,
		Rating:           req.Rating,
		Comment:          req.Comment,
		Rater:            req.Rater,
	})
	if err != nil {
		log.Printf("[ERROR] Failed to store rating for case %s: %v", req.CaseID, err)
		return nil, fmt.Errorf("failed to store rating: %w", err)
	}

	log.Printf("[INFO] Stored rating %d for case %s", rating.ID, req.CaseID)
	return rating, nil
}
