package models

import "time"

type FeedbackExample struct {
	ID           string  `json:"id"`
	Tool         string  `json:"tool,omitempty"`
	UserMessage  string  `json:"user_message,omitempty"`
	Content      string  `json:"content"`
	Rating       int     `json:"rating"`
	QualityLabel string  `json:"quality_label"`
	Comment      string  `json:"comment,omitempty"`
	Score        float64 `json:"score"`
}

type FeedbackRating struct {
	ID               int       `json:"id" db:"id"`
	CaseID           string    `json:"case_id" db:"case_id"`
	Organism         string    `json:"organism" db:"organism"`
	Phase            Phase     `json:"phase" db:"phase"`
	Tool             string    `json:"tool,omitempty" db:"tool"`
	UserMessage      string    `json:"user_message" db:"user_message"`
	AssistantMessage string    `json:"assistant_message" db:"assistant_message"`
	Rating           int       `json:"rating" db:"rating"`
	Comment          string    `json:"comment,omitempty" db:"comment"`
	Rater            string    `json:"rater,omitempty" db:"rater"`
	Indexed          bool      `json:"indexed" db:"indexed"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

type SubmitRatingRequest struct {
	CaseID           string `json:"case_id"`
	Organism         string `json:"organism"`
	Phase            Phase  `json:"phase"`
	Tool             string `json:"tool,omitempty"`
	UserMessage      string `json:"user_message"`
	AssistantMessage string `json:"assistant_message"`
	Rating           int    `json:"rating"`
	Comment          string `json:"comment,omitempty"`
	Rater            string `json:"rater,omitempty"`
}
