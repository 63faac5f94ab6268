package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"microtutor/models"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionStore keeps TutorContexts between requests, keyed by case id.
type SessionStore interface {
	Get(ctx context.Context, caseID string) (*models.TutorContext, error)
	Put(ctx context.Context, tctx *models.TutorContext) error
	Delete(ctx context.Context, caseID string) error
}

type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.TutorContext
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*models.TutorContext)}
}

// Get returns a copy, so callers can mutate it without holding the lock.
func (s *MemorySessionStore) Get(_ context.Context, caseID string) (*models.TutorContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tctx, ok := s.sessions[caseID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneContext(tctx), nil
}

func (s *MemorySessionStore) Put(_ context.Context, tctx *models.TutorContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[tctx.CaseID] = cloneContext(tctx)
	return nil
}

func (s *MemorySessionStore) Delete(_ context.Context, caseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[caseID]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, caseID)
	return nil
}

func cloneContext(tctx *models.TutorContext) *models.TutorContext {
	clone := *tctx
	clone.ConversationHistory = append([]models.Message{}, tctx.ConversationHistory...)
	return &clone
}

type PostgresSessionStore struct {
	db *sql.DB
}

func NewPostgresSessionStore(databaseURL string) (*PostgresSessionStore, error) {
	db, err := open(databaseURL)
	if err != nil {
		return nil, err
	}
	return &PostgresSessionStore{db: db}, nil
}

func (s *PostgresSessionStore) Get(ctx context.Context, caseID string) (*models.TutorContext, error) {
	query := `
		SELECT case_id, organism, case_description, history, current_state, model_name, created_at, updated_at
		FROM microtutor.tutor_sessions
		WHERE case_id = $1`

	tctx := &models.TutorContext{}
	var history []byte
	var state string
	err := s.db.QueryRowContext(ctx, query, caseID).Scan(
		&tctx.CaseID, &tctx.Organism, &tctx.CaseDescription, &history, &state, &tctx.ModelName, &tctx.CreatedAt, &tctx.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if err := json.Unmarshal(history, &tctx.ConversationHistory); err != nil {
		return nil, fmt.Errorf("failed to decode session history: %w", err)
	}
	tctx.CurrentState = models.Phase(state)
	return tctx, nil
}

func (s *PostgresSessionStore) Put(ctx context.Context, tctx *models.TutorContext) error {
	history, err := json.Marshal(tctx.ConversationHistory)
	if err != nil {
		return fmt.Errorf("failed to encode session history: %w", err)
	}

	query := `
		INSERT INTO microtutor.tutor_sessions (case_id, organism, case_description, history, current_state, model_name, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (case_id) DO UPDATE
		SET organism = EXCLUDED.organism,
			case_description = EXCLUDED.case_description,
			history = EXCLUDED.history,
			current_state = EXCLUDED.current_state,
			model_name = EXCLUDED.model_name,
			updated_at = EXCLUDED.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		tctx.CaseID, tctx.Organism, tctx.CaseDescription, history, tctx.CurrentState.String(), tctx.ModelName, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) Delete(ctx context.Context, caseID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM microtutor.tutor_sessions WHERE case_id = $1`, caseID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresSessionStore) Close() error {
	return s.db.Close()
}
