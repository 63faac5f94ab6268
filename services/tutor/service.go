package tutor

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"microtutor/models"
	"microtutor/services/feedback"
	"microtutor/services/llm"
	"microtutor/services/metrics"
	"microtutor/services/phase"
	"microtutor/services/tools"

	"github.com/samber/lo"
)

const (
	MetaCaseID        = "case_id"
	MetaOrganism      = "organism"
	MetaState         = "state"
	MetaModel         = "model"
	MetaPhaseAgent    = "phase_agent"
	MetaPhaseComplete = "phase_complete"
	MetaDurationMS    = "duration_ms"
	MetaError         = "error"
	MetaValidPhases   = "valid_phases"

	errInvalidPhaseTransition = "invalid_phase_transition"
)

// Planner is the LLM used for the planning call.
type Planner interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Generation, error)
	DefaultModel() string
}

type CaseProvider interface {
	GetCase(ctx context.Context, organism string) (string, error)
	Vignette(ctx context.Context, organism, caseText, model string) (string, error)
}

type FeedbackRetriever interface {
	RetrieveFeedbackExamples(ctx context.Context, message string, history []models.Message, opts feedback.RetrieveOptions) ([]models.FeedbackExample, error)
}

// GuidelineSource returns formatted reference guidelines for a tool, or ""
// when none are available.
type GuidelineSource interface {
	ForTool(ctx context.Context, organism, caseText, tool string) string
}

type Options struct {
	// DirectRoutingPhases send every message in these phases straight to the
	// phase's agent, skipping the planning call.
	DirectRoutingPhases   []models.Phase
	ClampPhaseTransitions bool
	FeedbackEnabled       bool
	FeedbackThreshold     float64
	Metrics               *metrics.TutorMetrics
}

// ProcessOptions override the service-wide feedback settings for one turn.
type ProcessOptions struct {
	FeedbackEnabled   *bool
	FeedbackThreshold *float64
}

// Service runs tutoring turns. It keeps no per-session state; every call
// receives the TutorContext it operates on.
type Service struct {
	llm        Planner
	engine     *tools.Engine
	cases      CaseProvider
	feedback   FeedbackRetriever
	guidelines GuidelineSource
	opts       Options
}

// NewService wires the collaborators. feedback and guidelines may be nil.
func NewService(planner Planner, engine *tools.Engine, cases CaseProvider, feedback FeedbackRetriever, guidelines GuidelineSource, opts Options) *Service {
	return &Service{
		llm:        planner,
		engine:     engine,
		cases:      cases,
		feedback:   feedback,
		guidelines: guidelines,
		opts:       opts,
	}
}

func (s *Service) StartCase(ctx context.Context, organism, caseID, modelName string) (*models.TutorContext, *models.TutorResponse, error) {
	organism = strings.TrimSpace(organism)
	caseID = strings.TrimSpace(caseID)
	if organism == "" {
		return nil, nil, fmt.Errorf("%w: organism is required", ErrInvalidInput)
	}
	if caseID == "" {
		return nil, nil, fmt.Errorf("%w: case_id is required", ErrInvalidInput)
	}

	log.Printf("[INFO] Starting case %s for organism %s", caseID, organism)

	caseText, err := s.loadCase(ctx, organism)
	if err != nil {
		return nil, nil, err
	}

	model := strings.TrimSpace(modelName)
	if model == "" {
		model = s.llm.DefaultModel()
	}

	vignette, err := s.cases.Vignette(ctx, organism, caseText, model)
	if err != nil || strings.TrimSpace(vignette) == "" {
		log.Printf("[WARN] Using placeholder vignette for %s: %v", organism, err)
		vignette = vignetteFallback
	}

	tc := models.NewTutorContext(caseID, organism, model)
	tc.CaseDescription = caseText

	log.Printf("[INFO] Case %s started in phase %s", caseID, tc.CurrentState)

	return tc, &models.TutorResponse{
		Content:          buildWelcome(vignette),
		ToolsUsed:        []string{},
		Metadata:         baseMetadata(tc),
		FeedbackExamples: []models.FeedbackExample{},
	}, nil
}

// ProcessMessage runs one turn against tc and mutates it in place. On error
// tc keeps the transcript it had before the call.
func (s *Service) ProcessMessage(ctx context.Context, message string, tc *models.TutorContext, opts ProcessOptions) (*models.TutorResponse, error) {
	start := time.Now()
	if tc == nil {
		return nil, fmt.Errorf("%w: tutor context is required", ErrInvalidInput)
	}
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}

	log.Printf("[INFO] Processing message for case %s (phase: %s, history: %d messages)", tc.CaseID, tc.CurrentState, len(tc.ConversationHistory))

	tc.ConversationHistory = SanitizeHistory(tc.ConversationHistory)

	if err := s.ensureCase(ctx, tc); err != nil {
		s.opts.Metrics.RecordTurn(tc.CurrentState.String(), metrics.StatusError)
		return nil, err
	}

	if name, ok := phase.ParseCommand(message); ok {
		resp, handled := s.handlePhaseCommand(ctx, name, message, tc, start)
		if handled {
			return resp, nil
		}
	} else if s.directRouting(tc.CurrentState) {
		if agent, ok := phase.AgentFor(tc.CurrentState); ok && s.engine.Has(agent.String()) {
			if resp := s.routeToPhaseAgent(ctx, agent, message, tc, start); resp != nil {
				return resp, nil
			}
		}
	}

	resp, err := s.planTurn(ctx, message, tc, opts, start)
	if err != nil {
		s.opts.Metrics.RecordTurn(tc.CurrentState.String(), metrics.StatusError)
		return nil, err
	}
	return resp, nil
}

// handlePhaseCommand applies an explicit phase change. It reports false when
// the turn should continue through the planning call.
func (s *Service) handlePhaseCommand(ctx context.Context, name, message string, tc *models.TutorContext, start time.Time) (*models.TutorResponse, bool) {
	target, err := phase.ValidateTransition(name)
	if err != nil {
		log.Printf("[WARN] Rejected phase command for case %s: %v", tc.CaseID, err)
		metadata := baseMetadata(tc)
		metadata[MetaError] = errInvalidPhaseTransition
		metadata[MetaValidPhases] = phase.DisplayNames()
		return &models.TutorResponse{
			Content:          fmt.Sprintf(invalidPhaseTemplate, err),
			ToolsUsed:        []string{},
			Metadata:         metadata,
			FeedbackExamples: []models.FeedbackExample{},
		}, true
	}

	log.Printf("[INFO] Case %s switching phase %s -> %s by command", tc.CaseID, tc.CurrentState, target)
	s.opts.Metrics.RecordTransition(tc.CurrentState.String(), target.String())
	tc.CurrentState = target

	agent, ok := phase.AgentFor(target)
	if !ok || !s.engine.Has(agent.String()) {
		return nil, false
	}
	resp := s.routeToPhaseAgent(ctx, agent, message, tc, start)
	return resp, resp != nil
}

func (s *Service) planTurn(ctx context.Context, message string, tc *models.TutorContext, opts ProcessOptions, start time.Time) (*models.TutorResponse, error) {
	prior := tc.ConversationHistory
	examples := s.retrieveExamples(ctx, message, prior, opts)

	userContent := message
	if formatted := feedback.FormatExamples(examples); formatted != "" {
		userContent = message + "\n\n" + formatted
	}
	messages := append(slices.Clone(prior), models.Message{Role: models.RoleUser, Content: userContent})

	gen, err := s.llm.Generate(ctx, llm.Request{
		System:   buildSystemPrompt(tc.CaseDescription),
		Messages: messages,
		Tools:    s.engine.ToolSchemas(),
		Model:    tc.ModelName,
	})
	if err != nil {
		log.Printf("[ERROR] Planning call failed for case %s: %v", tc.CaseID, err)
		return nil, fmt.Errorf("%w: planning call failed: %w", ErrEmptyResponse, err)
	}

	var (
		content   string
		toolsUsed = []string{}
		outcomes  []toolOutcome
	)
	if len(gen.ToolCalls) > 0 {
		outcomes = s.executeToolCalls(ctx, gen.ToolCalls, message, tc, prior)
		toolsUsed = lo.Map(outcomes, func(o toolOutcome, _ int) string { return o.name })
		if !lo.SomeBy(outcomes, func(o toolOutcome) bool { return o.result.Success }) {
			log.Printf("[ERROR] Every tool failed for case %s: %v", tc.CaseID, toolsUsed)
			return nil, fmt.Errorf("%w: every tool failed (%s)", ErrEmptyResponse, strings.Join(toolsUsed, ", "))
		}
		content = combineOutputs(outcomes)
	} else {
		content = strings.TrimSpace(gen.Content)
	}

	if strings.TrimSpace(content) == "" {
		log.Printf("[ERROR] Empty reply for case %s", tc.CaseID)
		return nil, fmt.Errorf("%w: no reply for case %s", ErrEmptyResponse, tc.CaseID)
	}

	tc.ConversationHistory = append(messages, models.Message{Role: models.RoleAssistant, Content: content})
	tc.UpdatedAt = time.Now()

	previous := tc.CurrentState
	tc.CurrentState = s.nextPhase(previous, outcomes)
	s.opts.Metrics.RecordTransition(previous.String(), tc.CurrentState.String())

	duration := time.Since(start)
	path := metrics.PathTools
	if len(outcomes) == 0 {
		path = metrics.PathDirect
	}
	s.opts.Metrics.ObserveTurnDuration(path, duration)
	s.opts.Metrics.RecordTurn(tc.CurrentState.String(), metrics.StatusSuccess)

	log.Printf("[INFO] Case %s turn completed in %v (tools: %v, phase: %s -> %s)", tc.CaseID, duration, toolsUsed, previous, tc.CurrentState)

	metadata := baseMetadata(tc)
	metadata[MetaDurationMS] = duration.Milliseconds()
	if examples == nil {
		examples = []models.FeedbackExample{}
	}
	return &models.TutorResponse{
		Content:          content,
		ToolsUsed:        toolsUsed,
		Metadata:         metadata,
		FeedbackExamples: examples,
	}, nil
}

// nextPhase maps the first tool through the phase table. When the current
// phase's own agent reports completion the session moves to the successor.
// With ClampPhaseTransitions set the result never leaves
// [current, Next(current)].
func (s *Service) nextPhase(current models.Phase, outcomes []toolOutcome) models.Phase {
	if len(outcomes) == 0 {
		return current
	}
	names := lo.Map(outcomes, func(o toolOutcome, _ int) string { return o.name })
	next := phase.DetermineFromTools(names, current)
	if outcomes[0].result.Complete && next == current {
		if successor, ok := phase.Next(current); ok {
			next = successor
		}
	}
	if s.opts.ClampPhaseTransitions {
		next = phase.Bound(current, next)
	}
	return next
}

func (s *Service) retrieveExamples(ctx context.Context, message string, history []models.Message, opts ProcessOptions) []models.FeedbackExample {
	enabled := s.opts.FeedbackEnabled
	if opts.FeedbackEnabled != nil {
		enabled = *opts.FeedbackEnabled
	}
	if !enabled || s.feedback == nil {
		return nil
	}

	threshold := s.opts.FeedbackThreshold
	if opts.FeedbackThreshold != nil {
		threshold = *opts.FeedbackThreshold
	}

	examples, err := s.feedback.RetrieveFeedbackExamples(ctx, message, history, feedback.RetrieveOptions{Threshold: &threshold})
	if err != nil {
		log.Printf("[WARN] Feedback retrieval failed, continuing without examples: %v", err)
		return nil
	}
	log.Printf("[INFO] Retrieved %d feedback examples (threshold: %.2f)", len(examples), threshold)
	return examples
}

// ResetCase clears the transcript and case text together and returns the
// session to the first phase.
func (s *Service) ResetCase(_ context.Context, tc *models.TutorContext) (*models.TutorResponse, error) {
	if tc == nil {
		return nil, fmt.Errorf("%w: tutor context is required", ErrInvalidInput)
	}
	log.Printf("[INFO] Resetting case %s", tc.CaseID)
	previous := tc.CurrentState
	tc.Reset()
	s.opts.Metrics.RecordTransition(previous.String(), tc.CurrentState.String())

	return &models.TutorResponse{
		Content:          "The case has been reset. Send a message to begin again.",
		ToolsUsed:        []string{},
		Metadata:         baseMetadata(tc),
		FeedbackExamples: []models.FeedbackExample{},
	}, nil
}

func (s *Service) ensureCase(ctx context.Context, tc *models.TutorContext) error {
	if strings.TrimSpace(tc.CaseDescription) != "" {
		return nil
	}
	if strings.TrimSpace(tc.Organism) == "" {
		return fmt.Errorf("%w: no case loaded and no organism set", ErrCaseUnavailable)
	}
	caseText, err := s.loadCase(ctx, tc.Organism)
	if err != nil {
		return err
	}
	tc.CaseDescription = caseText
	return nil
}

func (s *Service) loadCase(ctx context.Context, organism string) (string, error) {
	caseText, err := s.cases.GetCase(ctx, organism)
	if err != nil {
		log.Printf("[ERROR] Failed to load case for %s: %v", organism, err)
		return "", fmt.Errorf("%w for %s: %w", ErrCaseUnavailable, organism, err)
	}
	if strings.TrimSpace(caseText) == "" {
		return "", fmt.Errorf("%w for %s", ErrCaseUnavailable, organism)
	}
	return caseText, nil
}

func (s *Service) directRouting(p models.Phase) bool {
	return slices.Contains(s.opts.DirectRoutingPhases, p)
}

// SanitizeHistory drops system entries; the system prompt is rebuilt for
// every call and never stored.
func SanitizeHistory(history []models.Message) []models.Message {
	return lo.Filter(history, func(m models.Message, _ int) bool {
		return m.Role != models.RoleSystem
	})
}

func baseMetadata(tc *models.TutorContext) map[string]any {
	return map[string]any{
		MetaCaseID:   tc.CaseID,
		MetaOrganism: tc.Organism,
		MetaState:    tc.CurrentState.String(),
		MetaModel:    tc.ModelName,
	}
}
