package tutor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"microtutor/models"
	"microtutor/services/feedback"
	"microtutor/services/llm"
	"microtutor/services/llm/llmtest"
	"microtutor/services/metrics"
	"microtutor/services/tools"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCase = "A 45-year-old man presents with fever and a productive cough for three days."

type fakeTool struct {
	name       models.ToolName
	out        tools.Output
	err        error
	delay      time.Duration
	guidelines bool

	mu    sync.Mutex
	calls []tools.Args
}

func (f *fakeTool) Name() models.ToolName      { return f.name }
func (f *fakeTool) Description() string        { return "fake " + f.name.String() }
func (f *fakeTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (f *fakeTool) UsesGuidelines() bool       { return f.guidelines }

func (f *fakeTool) Execute(_ context.Context, args tools.Args) (tools.Output, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.calls = append(f.calls, args)
	f.mu.Unlock()
	return f.out, f.err
}

func (f *fakeTool) Calls() []tools.Args {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tools.Args(nil), f.calls...)
}

type fakeCases struct {
	caseText    string
	caseErr     error
	vignette    string
	vignetteErr error
	loads       int
}

func (f *fakeCases) GetCase(context.Context, string) (string, error) {
	f.loads++
	return f.caseText, f.caseErr
}

func (f *fakeCases) Vignette(context.Context, string, string, string) (string, error) {
	return f.vignette, f.vignetteErr
}

type fakeFeedback struct {
	examples []models.FeedbackExample
	err      error
	opts     feedback.RetrieveOptions
	calls    int
}

func (f *fakeFeedback) RetrieveFeedbackExamples(_ context.Context, _ string, _ []models.Message, opts feedback.RetrieveOptions) ([]models.FeedbackExample, error) {
	f.calls++
	f.opts = opts
	return f.examples, f.err
}

type fakeGuidelines struct{ text string }

func (f fakeGuidelines) ForTool(context.Context, string, string, string) string { return f.text }

func newPlanner(replies ...llmtest.Reply) (*llm.Client, *llmtest.ScriptedModel) {
	model := llmtest.NewScriptedModel(replies...)
	return llm.NewClient(model, "gpt-4o", "", llm.RetryConfig{MaxAttempts: 1}), model
}

func newContext(state models.Phase, history ...models.Message) *models.TutorContext {
	tc := models.NewTutorContext("case_001", "staphylococcus aureus", "gpt-4o")
	tc.CaseDescription = testCase
	tc.CurrentState = state
	tc.ConversationHistory = append(tc.ConversationHistory, history...)
	return tc
}

func defaultOptions() Options {
	return Options{ClampPhaseTransitions: true}
}

func TestStartCase(t *testing.T) {
	tests := []struct {
		name        string
		organism    string
		caseID      string
		cases       *fakeCases
		wantErr     error
		wantContent string
	}{
		{
			name:        "precached vignette",
			organism:    "staphylococcus aureus",
			caseID:      "case_001",
			cases:       &fakeCases{caseText: testCase, vignette: "A 45-year-old man presents with fever and cough."},
			wantContent: "A 45-year-old man presents with fever and cough.",
		},
		{
			name:        "vignette failure falls back to placeholder",
			organism:    "staphylococcus aureus",
			caseID:      "case_001",
			cases:       &fakeCases{caseText: testCase, vignetteErr: errors.New("llm down")},
			wantContent: vignetteFallback,
		},
		{
			name:     "missing case",
			organism: "unknownium",
			caseID:   "case_001",
			cases:    &fakeCases{caseErr: errors.New("not found")},
			wantErr:  ErrCaseUnavailable,
		},
		{
			name:     "empty case text",
			organism: "unknownium",
			caseID:   "case_001",
			cases:    &fakeCases{},
			wantErr:  ErrCaseUnavailable,
		},
		{
			name:     "missing organism",
			organism: " ",
			caseID:   "case_001",
			cases:    &fakeCases{caseText: testCase},
			wantErr:  ErrInvalidInput,
		},
		{
			name:     "missing case id",
			organism: "staphylococcus aureus",
			cases:    &fakeCases{caseText: testCase},
			wantErr:  ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			planner, model := newPlanner()
			svc := NewService(planner, tools.NewEngine(), tt.cases, nil, nil, defaultOptions())

			tc, resp, err := svc.StartCase(context.Background(), tt.organism, tt.caseID, "")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, tc)
				return
			}
			require.NoError(t, err)

			assert.Contains(t, resp.Content, tt.wantContent)
			assert.Empty(t, resp.ToolsUsed)
			assert.Equal(t, "information_gathering", resp.Metadata[MetaState])
			assert.Equal(t, "case_001", resp.Metadata[MetaCaseID])
			assert.Equal(t, "gpt-4o", resp.Metadata[MetaModel])

			assert.Equal(t, models.PhaseInformationGathering, tc.CurrentState)
			assert.Empty(t, tc.ConversationHistory)
			assert.Equal(t, testCase, tc.CaseDescription)
			assert.Empty(t, model.Calls())
		})
	}
}

func TestStartCaseModelOverride(t *testing.T) {
	planner, _ := newPlanner()
	svc := NewService(planner, tools.NewEngine(), &fakeCases{caseText: testCase, vignette: "A woman has a rash."}, nil, nil, defaultOptions())

	tc, resp, err := svc.StartCase(context.Background(), "borrelia burgdorferi", "case_002", "gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", tc.ModelName)
	assert.Equal(t, "gpt-4o-mini", resp.Metadata[MetaModel])
}

func TestProcessMessageSingleTool(t *testing.T) {
	patient := &fakeTool{name: models.ToolPatient, out: tools.Output{Text: "I've had a fever since Monday."}}
	planner, model := newPlanner(llmtest.Tools(`{"input_text":"When did the fever start?"}`, "patient"))
	svc := NewService(planner, tools.NewEngine(patient), &fakeCases{}, nil, nil, defaultOptions())

	tc := newContext(models.PhaseInformationGathering,
		models.Message{Role: models.RoleSystem, Content: "stale system prompt"},
		models.Message{Role: models.RoleUser, Content: "Hello"},
		models.Message{Role: models.RoleAssistant, Content: "Hi, doctor."},
	)

	resp, err := svc.ProcessMessage(context.Background(), "When did your fever start?", tc, ProcessOptions{})
	require.NoError(t, err)

	assert.Equal(t, "I've had a fever since Monday.", resp.Content)
	assert.Equal(t, []string{"patient"}, resp.ToolsUsed)
	assert.Equal(t, "information_gathering", resp.Metadata[MetaState])
	assert.Contains(t, resp.Metadata, MetaDurationMS)

	require.Len(t, tc.ConversationHistory, 4)
	for _, msg := range tc.ConversationHistory {
		assert.NotEqual(t, models.RoleSystem, msg.Role)
	}
	assert.Equal(t, models.Message{Role: models.RoleUser, Content: "When did your fever start?"}, tc.ConversationHistory[2])
	assert.Equal(t, models.Message{Role: models.RoleAssistant, Content: "I've had a fever since Monday."}, tc.ConversationHistory[3])

	calls := patient.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "When did the fever start?", calls[0].InputText)
	assert.Equal(t, testCase, calls[0].Case)
	assert.Equal(t, "gpt-4o", calls[0].Model)
	assert.Equal(t, "case_001", calls[0].CaseID)
	assert.Len(t, calls[0].History, 2)

	require.Len(t, model.Calls(), 1)
	plan := model.Calls()[0]
	assert.Contains(t, plan.SystemText(), testCase)
	assert.Len(t, plan.Options.Tools, 1)
	assert.Equal(t, "When did your fever start?", plan.LastText())
}

func TestProcessMessageHistoryGrowsByTwo(t *testing.T) {
	patient := &fakeTool{name: models.ToolPatient, out: tools.Output{Text: "It hurts here."}}
	planner, _ := newPlanner(
		llmtest.Tools(`{}`, "patient"),
		llmtest.Text("You can ask the patient anything."),
		llmtest.Tools(``, "patient"),
	)
	svc := NewService(planner, tools.NewEngine(patient), &fakeCases{}, nil, nil, defaultOptions())
	tc := newContext(models.PhaseInformationGathering)

	for i, msg := range []string{"Where does it hurt?", "What should I do?", "Any allergies?"} {
		before := len(tc.ConversationHistory)
		_, err := svc.ProcessMessage(context.Background(), msg, tc, ProcessOptions{})
		require.NoError(t, err, "turn %d", i)
		assert.Equal(t, before+2, len(tc.ConversationHistory))
	}

	// Missing input_text falls back to the student's message.
	calls := patient.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "Where does it hurt?", calls[0].InputText)
	assert.Equal(t, "Any allergies?", calls[1].InputText)
}

func TestProcessMessageDirectReply(t *testing.T) {
	planner, _ := newPlanner(llmtest.Text("  Ask the patient about their symptoms.  "))
	svc := NewService(planner, tools.NewEngine(), &fakeCases{}, nil, nil, defaultOptions())
	tc := newContext(models.PhaseDifferentialDiagnosis)

	resp, err := svc.ProcessMessage(context.Background(), "How does this work?", tc, ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Ask the patient about their symptoms.", resp.Content)
	assert.Empty(t, resp.ToolsUsed)
	assert.Equal(t, models.PhaseDifferentialDiagnosis, tc.CurrentState)
}

func TestProcessMessageToolFailureIsolation(t *testing.T) {
	failing := &fakeTool{name: models.ToolPatient, err: errors.New("patient model timed out")}
	socratic := &fakeTool{name: models.ToolSocratic, out: tools.Output{Text: "What else could cause this?"}}
	planner, _ := newPlanner(llmtest.Tools(`{"input_text":"pneumonia?"}`, "patient", "socratic"))
	svc := NewService(planner, tools.NewEngine(failing, socratic), &fakeCases{}, nil, nil, defaultOptions())
	tc := newContext(models.PhaseInformationGathering)

	resp, err := svc.ProcessMessage(context.Background(), "I think it's pneumonia", tc, ProcessOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"patient", "socratic"}, resp.ToolsUsed)
	assert.Contains(t, resp.Content, "What else could cause this?")
	assert.Contains(t, resp.Content, "patient model timed out")
	assert.Contains(t, resp.Content, toolOutputSeparator)
	assert.Less(t, strings.Index(resp.Content, "patient model timed out"), strings.Index(resp.Content, "What else could cause this?"))
	// The first tool still drives the phase.
	assert.Equal(t, models.PhaseInformationGathering, tc.CurrentState)
}

func TestProcessMessageKeepsToolOrder(t *testing.T) {
	slow := &fakeTool{name: models.ToolPatient, out: tools.Output{Text: "first"}, delay: 50 * time.Millisecond}
	fast := &fakeTool{name: models.ToolSocratic, out: tools.Output{Text: "second"}}
	planner, _ := newPlanner(llmtest.Tools(`{"input_text":"x"}`, "patient", "socratic"))
	svc := NewService(planner, tools.NewEngine(slow, fast), &fakeCases{}, nil, nil, defaultOptions())

	resp, err := svc.ProcessMessage(context.Background(), "question", newContext(models.PhaseInformationGathering), ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, "first"+toolOutputSeparator+"second", resp.Content)
}

func TestProcessMessageUnknownTool(t *testing.T) {
	socratic := &fakeTool{name: models.ToolSocratic, out: tools.Output{Text: "Why?"}}
	planner, _ := newPlanner(llmtest.Tools(`{"input_text":"x"}`, "radiology", "socratic"))
	svc := NewService(planner, tools.NewEngine(socratic), &fakeCases{}, nil, nil, defaultOptions())
	tc := newContext(models.PhaseDifferentialDiagnosis)

	resp, err := svc.ProcessMessage(context.Background(), "question", tc, ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"radiology", "socratic"}, resp.ToolsUsed)
	assert.Contains(t, resp.Content, "Why?")
	assert.Equal(t, models.PhaseDifferentialDiagnosis, tc.CurrentState)
}

func TestProcessMessageEmptyResponse(t *testing.T) {
	tests := []struct {
		name   string
		reply  llmtest.Reply
		engine *tools.Engine
	}{
		{
			name:   "empty text without tools",
			reply:  llmtest.Text("   "),
			engine: tools.NewEngine(),
		},
		{
			name:   "every tool fails",
			reply:  llmtest.Tools(`{"input_text":"x"}`, "patient", "socratic"),
			engine: tools.NewEngine(&fakeTool{name: models.ToolPatient, err: errors.New("a")}, &fakeTool{name: models.ToolSocratic, err: errors.New("b")}),
		},
		{
			name:   "tool returns no text",
			reply:  llmtest.Tools(`{"input_text":"x"}`, "patient"),
			engine: tools.NewEngine(&fakeTool{name: models.ToolPatient}),
		},
		{
			name:   "planning call fails",
			reply:  llmtest.Fail(errors.New("rate limited")),
			engine: tools.NewEngine(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			planner, _ := newPlanner(tt.reply)
			svc := NewService(planner, tt.engine, &fakeCases{}, nil, nil, defaultOptions())
			tc := newContext(models.PhaseInformationGathering, models.Message{Role: models.RoleUser, Content: "hi"})

			resp, err := svc.ProcessMessage(context.Background(), "question", tc, ProcessOptions{})
			require.ErrorIs(t, err, ErrEmptyResponse)
			assert.Nil(t, resp)
			assert.Len(t, tc.ConversationHistory, 1)
		})
	}
}

func TestProcessMessageInvalidInput(t *testing.T) {
	planner, _ := newPlanner()
	svc := NewService(planner, tools.NewEngine(), &fakeCases{}, nil, nil, defaultOptions())

	_, err := svc.ProcessMessage(context.Background(), "  ", newContext(models.PhaseInformationGathering), ProcessOptions{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.ProcessMessage(context.Background(), "hello", nil, ProcessOptions{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestProcessMessageCompletionTokenAdvancesPhase(t *testing.T) {
	planner, model := newPlanner(
		llmtest.Tools(`{"input_text":"I'd start vancomycin and get blood cultures"}`, "tests_management"),
		llmtest.Text("Good reasoning! [TESTS_MANAGEMENT_COMPLETE]"),
	)
	engine := tools.NewDefaultEngine(planner, nil)
	svc := NewService(planner, engine, &fakeCases{}, nil, nil, defaultOptions())
	tc := newContext(models.PhaseTestsManagement)

	resp, err := svc.ProcessMessage(context.Background(), "I'd start vancomycin and get blood cultures", tc, ProcessOptions{})
	require.NoError(t, err)

	assert.Equal(t, "Good reasoning!", resp.Content)
	assert.NotContains(t, tc.ConversationHistory[len(tc.ConversationHistory)-1].Content, "[TESTS_MANAGEMENT_COMPLETE]")
	assert.Equal(t, models.PhaseFeedback, tc.CurrentState)
	assert.Len(t, model.Calls(), 2)
}

func TestProcessMessagePhaseFromTools(t *testing.T) {
	tests := []struct {
		name  string
		clamp bool
		start models.Phase
		tool  models.ToolName
		want  models.Phase
	}{
		{"patient keeps information gathering", true, models.PhaseInformationGathering, models.ToolPatient, models.PhaseInformationGathering},
		{"socratic advances", true, models.PhaseInformationGathering, models.ToolSocratic, models.PhaseDifferentialDiagnosis},
		{"tool cannot skip ahead", true, models.PhaseInformationGathering, models.ToolTestsManagement, models.PhaseDifferentialDiagnosis},
		{"feedback tool capped at next phase", true, models.PhaseInformationGathering, models.ToolFeedback, models.PhaseDifferentialDiagnosis},
		{"clamped regression", true, models.PhaseTestsManagement, models.ToolPatient, models.PhaseTestsManagement},
		{"literal table regresses without clamp", false, models.PhaseTestsManagement, models.ToolPatient, models.PhaseInformationGathering},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := &fakeTool{name: tt.tool, out: tools.Output{Text: "reply"}}
			planner, _ := newPlanner(llmtest.Tools(`{"input_text":"x"}`, tt.tool.String()))
			svc := NewService(planner, tools.NewEngine(tool), &fakeCases{}, nil, nil, Options{ClampPhaseTransitions: tt.clamp})
			tc := newContext(tt.start)

			resp, err := svc.ProcessMessage(context.Background(), "message", tc, ProcessOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, tc.CurrentState)
			assert.Equal(t, tt.want.String(), resp.Metadata[MetaState])
		})
	}
}

func TestProcessMessageCompletionAdvancesOneStep(t *testing.T) {
	tests := []struct {
		name  string
		clamp bool
		start models.Phase
		tool  models.ToolName
		want  models.Phase
	}{
		{"own agent completes", true, models.PhaseDifferentialDiagnosis, models.ToolSocratic, models.PhaseTestsManagement},
		{"later agent completes", true, models.PhaseInformationGathering, models.ToolSocratic, models.PhaseDifferentialDiagnosis},
		{"later agent completes without clamp", false, models.PhaseInformationGathering, models.ToolSocratic, models.PhaseDifferentialDiagnosis},
		{"terminal phase stays", true, models.PhaseFeedback, models.ToolFeedback, models.PhaseFeedback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := &fakeTool{name: tt.tool, out: tools.Output{Text: "reply", Complete: true}}
			planner, _ := newPlanner(llmtest.Tools(`{"input_text":"x"}`, tt.tool.String()))
			svc := NewService(planner, tools.NewEngine(tool), &fakeCases{}, nil, nil, Options{ClampPhaseTransitions: tt.clamp})
			tc := newContext(tt.start)

			_, err := svc.ProcessMessage(context.Background(), "message", tc, ProcessOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, tc.CurrentState)
		})
	}
}

func TestProcessMessagePhaseCommand(t *testing.T) {
	tm := &fakeTool{name: models.ToolTestsManagement, out: tools.Output{Text: "Which tests would you order first?"}}
	planner, model := newPlanner()
	svc := NewService(planner, tools.NewEngine(tm), &fakeCases{}, nil, nil, defaultOptions())
	tc := newContext(models.PhaseInformationGathering)

	msg := "Let's move onto phase: Tests & Management"
	resp, err := svc.ProcessMessage(context.Background(), msg, tc, ProcessOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.PhaseTestsManagement, tc.CurrentState)
	assert.Equal(t, "Which tests would you order first?", resp.Content)
	assert.Equal(t, []string{"tests_management"}, resp.ToolsUsed)
	assert.Equal(t, "tests_management", resp.Metadata[MetaPhaseAgent])
	assert.Equal(t, false, resp.Metadata[MetaPhaseComplete])
	assert.Empty(t, model.Calls())

	require.Len(t, tm.Calls(), 1)
	assert.Equal(t, msg, tm.Calls()[0].InputText)
	assert.Len(t, tc.ConversationHistory, 2)
}

func TestProcessMessagePhaseCommandCompletes(t *testing.T) {
	socratic := &fakeTool{name: models.ToolSocratic, out: tools.Output{Text: "Your differential is complete.", Complete: true}}
	planner, _ := newPlanner()
	svc := NewService(planner, tools.NewEngine(socratic), &fakeCases{}, nil, nil, defaultOptions())
	tc := newContext(models.PhaseInformationGathering)

	resp, err := svc.ProcessMessage(context.Background(), "let’s move onto phase: differential diagnosis", tc, ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, true, resp.Metadata[MetaPhaseComplete])
	assert.Equal(t, models.PhaseTestsManagement, tc.CurrentState)
}

func TestProcessMessageInvalidPhaseCommand(t *testing.T) {
	planner, model := newPlanner()
	svc := NewService(planner, tools.NewEngine(), &fakeCases{}, nil, nil, defaultOptions())
	tc := newContext(models.PhaseDifferentialDiagnosis, models.Message{Role: models.RoleUser, Content: "hi"})

	resp, err := svc.ProcessMessage(context.Background(), "Let's move onto phase: Nonexistent Phase", tc, ProcessOptions{})
	require.NoError(t, err)

	assert.Equal(t, "invalid_phase_transition", resp.Metadata[MetaError])
	assert.Contains(t, resp.Content, "Tests & Management")
	assert.Contains(t, resp.Content, "Information Gathering")
	assert.Equal(t, models.PhaseDifferentialDiagnosis, tc.CurrentState)
	assert.Len(t, tc.ConversationHistory, 1)
	assert.Empty(t, model.Calls())
}

func TestProcessMessagePhaseCommandFallsThrough(t *testing.T) {
	failing := &fakeTool{name: models.ToolFeedback, err: errors.New("unavailable")}
	planner, model := newPlanner(llmtest.Text("Let's review the case."))
	svc := NewService(planner, tools.NewEngine(failing), &fakeCases{}, nil, nil, defaultOptions())
	tc := newContext(models.PhaseTestsManagement)

	resp, err := svc.ProcessMessage(context.Background(), "Let's move onto phase: Feedback", tc, ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Let's review the case.", resp.Content)
	assert.Equal(t, models.PhaseFeedback, tc.CurrentState)
	assert.Len(t, model.Calls(), 1)
	assert.Len(t, tc.ConversationHistory, 2)
}

func TestProcessMessageDirectRouting(t *testing.T) {
	patient := &fakeTool{name: models.ToolPatient, out: tools.Output{Text: "No, I haven't travelled."}}
	planner, model := newPlanner()
	opts := defaultOptions()
	opts.DirectRoutingPhases = []models.Phase{models.PhaseInformationGathering}
	svc := NewService(planner, tools.NewEngine(patient), &fakeCases{}, nil, nil, opts)
	tc := newContext(models.PhaseInformationGathering)

	resp, err := svc.ProcessMessage(context.Background(), "Any recent travel?", tc, ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, "No, I haven't travelled.", resp.Content)
	assert.Equal(t, "patient", resp.Metadata[MetaPhaseAgent])
	assert.Empty(t, model.Calls())
	assert.Equal(t, []models.Message{
		{Role: models.RoleUser, Content: "Any recent travel?"},
		{Role: models.RoleAssistant, Content: "No, I haven't travelled."},
	}, tc.ConversationHistory)
}

func TestProcessMessageFeedbackExamples(t *testing.T) {
	examples := []models.FeedbackExample{{ID: "fb_1", Content: "The patient says the pain started yesterday.", Rating: 5, QualityLabel: "good"}}

	t.Run("attached to the user turn", func(t *testing.T) {
		retriever := &fakeFeedback{examples: examples}
		planner, model := newPlanner(llmtest.Text("Go on."))
		opts := defaultOptions()
		opts.FeedbackEnabled = true
		opts.FeedbackThreshold = 0.7
		svc := NewService(planner, tools.NewEngine(), &fakeCases{}, retriever, nil, opts)
		tc := newContext(models.PhaseInformationGathering)

		resp, err := svc.ProcessMessage(context.Background(), "When did it start?", tc, ProcessOptions{})
		require.NoError(t, err)

		assert.Equal(t, examples, resp.FeedbackExamples)
		require.NotNil(t, retriever.opts.Threshold)
		assert.InDelta(t, 0.7, *retriever.opts.Threshold, 1e-9)
		assert.Contains(t, model.Calls()[0].LastText(), "The patient says the pain started yesterday.")
		require.Len(t, tc.ConversationHistory, 2)
		assert.True(t, strings.HasPrefix(tc.ConversationHistory[0].Content, "When did it start?"))
		assert.Contains(t, tc.ConversationHistory[0].Content, "Good examples")
	})

	t.Run("per turn override", func(t *testing.T) {
		retriever := &fakeFeedback{examples: examples}
		planner, _ := newPlanner(llmtest.Text("Go on."), llmtest.Text("Go on."))
		svc := NewService(planner, tools.NewEngine(), &fakeCases{}, retriever, nil, defaultOptions())

		disabled := false
		_, err := svc.ProcessMessage(context.Background(), "a", newContext(models.PhaseInformationGathering), ProcessOptions{FeedbackEnabled: &disabled})
		require.NoError(t, err)
		assert.Equal(t, 0, retriever.calls)

		enabled, threshold := true, 0.9
		resp, err := svc.ProcessMessage(context.Background(), "b", newContext(models.PhaseInformationGathering), ProcessOptions{FeedbackEnabled: &enabled, FeedbackThreshold: &threshold})
		require.NoError(t, err)
		assert.Equal(t, 1, retriever.calls)
		require.NotNil(t, retriever.opts.Threshold)
		assert.InDelta(t, 0.9, *retriever.opts.Threshold, 1e-9)
		assert.Len(t, resp.FeedbackExamples, 1)
	})

	t.Run("zero threshold override is kept", func(t *testing.T) {
		retriever := &fakeFeedback{examples: examples}
		planner, _ := newPlanner(llmtest.Text("Go on."))
		opts := defaultOptions()
		opts.FeedbackThreshold = 0.7
		svc := NewService(planner, tools.NewEngine(), &fakeCases{}, retriever, nil, opts)

		enabled, threshold := true, 0.0
		_, err := svc.ProcessMessage(context.Background(), "c", newContext(models.PhaseInformationGathering), ProcessOptions{FeedbackEnabled: &enabled, FeedbackThreshold: &threshold})
		require.NoError(t, err)
		require.NotNil(t, retriever.opts.Threshold)
		assert.Zero(t, *retriever.opts.Threshold)
	})

	t.Run("retrieval failure is not fatal", func(t *testing.T) {
		retriever := &fakeFeedback{err: errors.New("pinecone down")}
		planner, _ := newPlanner(llmtest.Text("Go on."))
		opts := defaultOptions()
		opts.FeedbackEnabled = true
		svc := NewService(planner, tools.NewEngine(), &fakeCases{}, retriever, nil, opts)
		tc := newContext(models.PhaseInformationGathering)

		resp, err := svc.ProcessMessage(context.Background(), "When did it start?", tc, ProcessOptions{})
		require.NoError(t, err)
		assert.Empty(t, resp.FeedbackExamples)
		assert.Equal(t, "When did it start?", tc.ConversationHistory[0].Content)
	})
}

func TestProcessMessageGuidelines(t *testing.T) {
	tm := &fakeTool{name: models.ToolTestsManagement, out: tools.Output{Text: "Consider blood cultures."}, guidelines: true}
	patient := &fakeTool{name: models.ToolPatient, out: tools.Output{Text: "I feel tired."}}
	planner, _ := newPlanner(llmtest.Tools(`{"input_text":"x"}`, "tests_management", "patient"))
	svc := NewService(planner, tools.NewEngine(tm, patient), &fakeCases{}, nil, fakeGuidelines{text: "DIAGNOSTICS:\n- blood cultures"}, defaultOptions())

	_, err := svc.ProcessMessage(context.Background(), "What now?", newContext(models.PhaseDifferentialDiagnosis), ProcessOptions{})
	require.NoError(t, err)

	assert.Equal(t, "DIAGNOSTICS:\n- blood cultures", tm.Calls()[0].Guidelines)
	assert.Empty(t, patient.Calls()[0].Guidelines)
}

func TestProcessMessageLoadsCaseLazily(t *testing.T) {
	cases := &fakeCases{caseText: testCase}
	planner, model := newPlanner(llmtest.Text("Welcome back."))
	svc := NewService(planner, tools.NewEngine(), cases, nil, nil, defaultOptions())

	tc := newContext(models.PhaseInformationGathering)
	tc.CaseDescription = ""

	_, err := svc.ProcessMessage(context.Background(), "hello", tc, ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, testCase, tc.CaseDescription)
	assert.Equal(t, 1, cases.loads)
	assert.Contains(t, model.Calls()[0].SystemText(), testCase)

	tc.CaseDescription = ""
	tc.Organism = ""
	_, err = svc.ProcessMessage(context.Background(), "hello", tc, ProcessOptions{})
	assert.ErrorIs(t, err, ErrCaseUnavailable)
}

func TestResetCase(t *testing.T) {
	planner, _ := newPlanner()
	svc := NewService(planner, tools.NewEngine(), &fakeCases{}, nil, nil, defaultOptions())
	tc := newContext(models.PhaseFeedback,
		models.Message{Role: models.RoleUser, Content: "a"},
		models.Message{Role: models.RoleAssistant, Content: "b"},
	)

	resp, err := svc.ResetCase(context.Background(), tc)
	require.NoError(t, err)
	assert.Equal(t, "information_gathering", resp.Metadata[MetaState])
	assert.Empty(t, tc.ConversationHistory)
	assert.Empty(t, tc.CaseDescription)
	assert.Equal(t, "staphylococcus aureus", tc.Organism)

	_, err = svc.ResetCase(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestProcessMessageRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	socratic := &fakeTool{name: models.ToolSocratic, out: tools.Output{Text: "Why?"}}
	planner, _ := newPlanner(llmtest.Tools(`{"input_text":"x"}`, "socratic"), llmtest.Text(""))
	opts := defaultOptions()
	opts.Metrics = metrics.NewTutorMetrics(reg)
	svc := NewService(planner, tools.NewEngine(socratic), &fakeCases{}, nil, nil, opts)
	tc := newContext(models.PhaseInformationGathering)

	_, err := svc.ProcessMessage(context.Background(), "Is it pneumonia?", tc, ProcessOptions{})
	require.NoError(t, err)
	_, err = svc.ProcessMessage(context.Background(), "Hmm", tc, ProcessOptions{})
	require.Error(t, err)

	count, err := testutil.GatherAndCount(reg,
		"microtutor_turns_total",
		"microtutor_tool_calls_total",
		"microtutor_phase_transitions_total",
		"microtutor_turn_duration_seconds",
	)
	require.NoError(t, err)
	// success and error turns, one tool series, one transition, one duration path.
	assert.Equal(t, 5, count)
}

func TestSanitizeHistory(t *testing.T) {
	history := []models.Message{
		{Role: models.RoleSystem, Content: "s1"},
		{Role: models.RoleUser, Content: "u"},
		{Role: models.RoleSystem, Content: "s2"},
		{Role: models.RoleAssistant, Content: "a"},
	}
	assert.Equal(t, []models.Message{
		{Role: models.RoleUser, Content: "u"},
		{Role: models.RoleAssistant, Content: "a"},
	}, SanitizeHistory(history))
	assert.Empty(t, SanitizeHistory(nil))
}
