package db

import (
	"context"
	"database/sql"
	"fmt"

	"microtutor/models"

	"github.com/lib/pq"
)

type FeedbackRepository interface {
	CreateRating(ctx context.Context, rating *models.FeedbackRating) (*models.FeedbackRating, error)
	ListUnindexed(ctx context.Context, limit int) ([]*models.FeedbackRating, error)
	MarkIndexed(ctx context.Context, ids []int) error
}

type PostgresFeedbackRepository struct {
	db *sql.DB
}

func NewPostgresFeedbackRepository(databaseURL string) (*PostgresFeedbackRepository, error) {
	db, err := open(databaseURL)
	if err != nil {
		return nil, err
	}
	return &PostgresFeedbackRepository{db: db}, nil
}

func (r *PostgresFeedbackRepository) CreateRating(ctx context.Context, rating *models.FeedbackRating) (*models.FeedbackRating, error) {
	query := `
		INSERT INTO microtutor.feedback_ratings
			(case_id, organism, phase, tool, user_message, assistant_message, rating, comment, rater)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, indexed, created_at`

	created := *rating
	err := r.db.QueryRowContext(ctx, query,
		rating.CaseID, rating.Organism, rating.Phase.String(), rating.Tool, rating.UserMessage,
		rating.AssistantMessage, rating.Rating, rating.Comment, rating.Rater,
	).Scan(&created.ID, &created.Indexed, &created.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create rating: %w", err)
	}
	return &created, nil
}

func (r *PostgresFeedbackRepository) ListUnindexed(ctx context.Context, limit int) ([]*models.FeedbackRating, error) {
	query := `
		SELECT id, case_id, organism, phase, tool, user_message, assistant_message, rating, comment, rater, indexed, created_at
		FROM microtutor.feedback_ratings
		WHERE indexed = FALSE
		ORDER BY created_at
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ratings: %w", err)
	}
	defer rows.Close()

	var ratings []*models.FeedbackRating
	for rows.Next() {
		rating := &models.FeedbackRating{}
		var phase string
		if err := rows.Scan(&rating.ID, &rating.CaseID, &rating.Organism, &phase, &rating.Tool, &rating.UserMessage,
			&rating.AssistantMessage, &rating.Rating, &rating.Comment, &rating.Rater, &rating.Indexed, &rating.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rating: %w", err)
		}
		rating.Phase = models.Phase(phase)
		ratings = append(ratings, rating)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ratings: %w", err)
	}
	return ratings, nil
}

func (r *PostgresFeedbackRepository) MarkIndexed(ctx context.Context, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE microtutor.feedback_ratings SET indexed = TRUE WHERE id = ANY($1)`
	if _, err := r.db.ExecContext(ctx, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to mark ratings indexed: %w", err)
	}
	return nil
}

func (r *PostgresFeedbackRepository) Close() error {
	return r.db.Close()
}
