package models

import "time"

type CachedCase struct {
	Organism  string    `json:"organism" db:"organism"`
	CaseText  string    `json:"case_text" db:"case_text"`
	Vignette  string    `json:"vignette,omitempty" db:"vignette"`
	Source    string    `json:"source" db:"source"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type ConversationLogEntry struct {
	ID        int       `json:"id" db:"id"`
	CaseID    string    `json:"case_id" db:"case_id"`
	Organism  string    `json:"organism" db:"organism"`
	Phase     Phase     `json:"phase" db:"phase"`
	Role      string    `json:"role" db:"role"`
	Content   string    `json:"content" db:"content"`
	ToolsUsed []string  `json:"tools_used" db:"tools_used"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
