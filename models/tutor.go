package models

import "time"

type Phase string

const (
	PhaseInformationGathering  Phase = "information_gathering"
	PhaseDifferentialDiagnosis Phase = "differential_diagnosis"
	PhaseTestsManagement       Phase = "tests_management"
	PhaseFeedback              Phase = "feedback"
)

// Phases lists every phase in tutoring order.
var Phases = []Phase{
	PhaseInformationGathering,
	PhaseDifferentialDiagnosis,
	PhaseTestsManagement,
	PhaseFeedback,
}

func (p Phase) String() string {
	return string(p)
}

func (p Phase) DisplayName() string {
	switch p {
	case PhaseInformationGathering:
		return "Information Gathering"
	case PhaseDifferentialDiagnosis:
		return "Differential Diagnosis"
	case PhaseTestsManagement:
		return "Tests & Management"
	case PhaseFeedback:
		return "Feedback"
	}
	return string(p)
}

func (p Phase) Valid() bool {
	for _, known := range Phases {
		if p == known {
			return true
		}
	}
	return false
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TutorContext is the per-session state of one case. It is owned by the
// caller and must not be shared between concurrent turns.
type TutorContext struct {
	CaseID              string    `json:"case_id"`
	Organism            string    `json:"organism"`
	CaseDescription     string    `json:"case_description,omitempty"`
	ConversationHistory []Message `json:"conversation_history"`
	CurrentState        Phase     `json:"current_state"`
	ModelName           string    `json:"model_name,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func NewTutorContext(caseID, organism, modelName string) *TutorContext {
	now := time.Now()
	return &TutorContext{
		CaseID:              caseID,
		Organism:            organism,
		ConversationHistory: []Message{},
		CurrentState:        PhaseInformationGathering,
		ModelName:           modelName,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func (c *TutorContext) Append(role, content string) {
	c.ConversationHistory = append(c.ConversationHistory, Message{Role: role, Content: content})
	c.UpdatedAt = time.Now()
}

// Reset clears the transcript together with the case text it was generated
// against. Organism, case id and model are kept so the case reloads lazily.
func (c *TutorContext) Reset() {
	c.ConversationHistory = []Message{}
	c.CaseDescription = ""
	c.CurrentState = PhaseInformationGathering
	c.UpdatedAt = time.Now()
}

type TutorResponse struct {
	Content          string            `json:"content"`
	ToolsUsed        []string          `json:"tools_used"`
	Metadata         map[string]any    `json:"metadata"`
	FeedbackExamples []FeedbackExample `json:"feedback_examples"`
}

type StartCaseRequest struct {
	Organism  string `json:"organism"`
	CaseID    string `json:"case_id,omitempty"`
	ModelName string `json:"model_name,omitempty"`
}

type ChatRequest struct {
	Message           string   `json:"message"`
	FeedbackEnabled   *bool    `json:"feedback_enabled,omitempty"`
	FeedbackThreshold *float64 `json:"feedback_threshold,omitempty"`
}

type TutorTurnResponse struct {
	CaseID   string         `json:"case_id"`
	Phase    Phase          `json:"phase"`
	Response *TutorResponse `json:"response"`
	History  []Message      `json:"history"`
}

type PhaseInfo struct {
	Value       Phase  `json:"value"`
	DisplayName string `json:"display_name"`
}
