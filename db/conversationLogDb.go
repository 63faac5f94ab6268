package db

import (
	"context"
	"database/sql"
	"fmt"

	"microtutor/models"

	"github.com/lib/pq"
)

type ConversationLogRepository interface {
	AppendEntries(ctx context.Context, entries []models.ConversationLogEntry) error
	ListByCase(ctx context.Context, caseID string) ([]*models.ConversationLogEntry, error)
}

type PostgresConversationLogRepository struct {
	db *sql.DB
}

func NewPostgresConversationLogRepository(databaseURL string) (*PostgresConversationLogRepository, error) {
	db, err := open(databaseURL)
	if err != nil {
		return nil, err
	}
	return &PostgresConversationLogRepository{db: db}, nil
}

func (r *PostgresConversationLogRepository) AppendEntries(ctx context.Context, entries []models.ConversationLogEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO microtutor.conversation_log (case_id, organism, phase, role, content, tools_used)
		VALUES ($1, $2, $3, $4, $5, $6)`

	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx, query,
			entry.CaseID, entry.Organism, entry.Phase.String(), entry.Role, entry.Content, pq.Array(entry.ToolsUsed)); err != nil {
			return fmt.Errorf("failed to append conversation entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conversation entries: %w", err)
	}
	return nil
}

func (r *PostgresConversationLogRepository) ListByCase(ctx context.Context, caseID string) ([]*models.ConversationLogEntry, error) {
	query := `
		SELECT id, case_id, organism, phase, role, content, tools_used, created_at
		FROM microtutor.conversation_log
		WHERE case_id = $1
		ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation log: %w", err)
	}
	defer rows.Close()

	var entries []*models.ConversationLogEntry
	for rows.Next() {
		entry := &models.ConversationLogEntry{}
		var phase string
		if err := rows.Scan(&entry.ID, &entry.CaseID, &entry.Organism, &phase, &entry.Role, &entry.Content,
			pq.Array(&entry.ToolsUsed), &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation entry: %w", err)
		}
		entry.Phase = models.Phase(phase)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversation log: %w", err)
	}
	return entries, nil
}

func (r *PostgresConversationLogRepository) Close() error {
	return r.db.Close()
}
