package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"microtutor/models"

	_ "github.com/lib/pq"
)

var ErrCaseNotFound = errors.New("case not found")

type CaseRepository interface {
	GetCase(ctx context.Context, organism string) (*models.CachedCase, error)
	SaveCase(ctx context.Context, c *models.CachedCase) error
	SaveVignette(ctx context.Context, organism, vignette string) error
}

type PostgresCaseRepository struct {
	db *sql.DB
}

func NewPostgresCaseRepository(databaseURL string) (*PostgresCaseRepository, error) {
	db, err := open(databaseURL)
	if err != nil {
		return nil, err
	}
	return &PostgresCaseRepository{db: db}, nil
}

func (r *PostgresCaseRepository) GetCase(ctx context.Context, organism string) (*models.CachedCase, error) {
	query := `
		SELECT organism, case_text, COALESCE(vignette, ''), source, created_at, updated_at
		FROM microtutor.cached_cases
		WHERE organism = $1`

	c := &models.CachedCase{}
	err := r.db.QueryRowContext(ctx, query, organism).Scan(
		&c.Organism, &c.CaseText, &c.Vignette, &c.Source, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCaseNotFound
		}
		return nil, fmt.Errorf("failed to get case: %w", err)
	}
	return c, nil
}

func (r *PostgresCaseRepository) SaveCase(ctx context.Context, c *models.CachedCase) error {
	query := `
		INSERT INTO microtutor.cached_cases (organism, case_text, source)
		VALUES ($1, $2, $3)
		ON CONFLICT (organism) DO UPDATE
		SET case_text = EXCLUDED.case_text, source = EXCLUDED.source, updated_at = NOW()`

	if _, err := r.db.ExecContext(ctx, query, c.Organism, c.CaseText, c.Source); err != nil {
		return fmt.Errorf("failed to save case: %w", err)
	}
	return nil
}

func (r *PostgresCaseRepository) SaveVignette(ctx context.Context, organism, vignette string) error {
	query := `
		UPDATE microtutor.cached_cases
		SET vignette = $1, updated_at = NOW()
		WHERE organism = $2`

	result, err := r.db.ExecContext(ctx, query, vignette, organism)
	if err != nil {
		return fmt.Errorf("failed to save vignette: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrCaseNotFound
	}
	return nil
}

func (r *PostgresCaseRepository) Close() error {
	return r.db.Close()
}

func open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}
