package tools

import (
	"context"
	"fmt"
	"log"
	"strings"

	"microtutor/models"
	"microtutor/services/llm"
	"microtutor/services/phase"
)

type Generator interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Generation, error)
}

// ExampleSource returns rated past replies formatted for a tool's prompt.
type ExampleSource interface {
	GetExamplesForTool(ctx context.Context, tool string, message string, history []models.Message) (string, error)
}

// PhaseAgent is an LLM-backed tool dedicated to one tutoring phase.
type PhaseAgent struct {
	name           models.ToolName
	description    string
	prompt         string
	temperature    float64
	usesGuidelines bool
	llm            Generator
	examples       ExampleSource
}

func (a *PhaseAgent) Name() models.ToolName {
	return a.name
}

func (a *PhaseAgent) Description() string {
	return a.description
}

func (a *PhaseAgent) Parameters() map[string]any {
	return generateSchema[AgentInput]()
}

func (a *PhaseAgent) UsesGuidelines() bool {
	return a.usesGuidelines
}

// WithExamples conditions the agent's prompt on rated past replies.
func (a *PhaseAgent) WithExamples(source ExampleSource) *PhaseAgent {
	a.examples = source
	return a
}

func (a *PhaseAgent) Execute(ctx context.Context, args Args) (Output, error) {
	if strings.TrimSpace(args.Case) == "" {
		return Output{}, fmt.Errorf("%s agent requires case text", a.name)
	}
	if strings.TrimSpace(args.InputText) == "" {
		return Output{}, fmt.Errorf("%s agent requires input text", a.name)
	}

	messages := make([]models.Message, 0, len(args.History)+1)
	messages = append(messages, args.History...)
	messages = append(messages, models.Message{Role: models.RoleUser, Content: args.InputText})

	gen, err := a.llm.Generate(ctx, llm.Request{
		System:      a.systemPrompt(ctx, args),
		Messages:    messages,
		Model:       args.Model,
		Temperature: a.temperature,
	})
	if err != nil {
		return Output{}, fmt.Errorf("failed to generate %s reply: %w", a.name, err)
	}

	text, complete := phase.StripCompletionToken(gen.Content, a.name)
	if strings.TrimSpace(text) == "" && !complete {
		return Output{}, fmt.Errorf("%s agent returned an empty reply", a.name)
	}
	if complete {
		log.Printf("[INFO] %s agent signalled phase completion", a.name)
	}

	return Output{Text: text, Complete: complete}, nil
}

func (a *PhaseAgent) systemPrompt(ctx context.Context, args Args) string {
	var prompt string
	if token, ok := phase.CompletionToken(a.name); ok {
		prompt = fmt.Sprintf(a.prompt, args.Case, token)
	} else {
		prompt = fmt.Sprintf(a.prompt, args.Case)
	}

	if a.usesGuidelines && args.Guidelines != "" {
		prompt += fmt.Sprintf(guidelinesSection, args.Guidelines)
	}

	if a.examples != nil {
		examples, err := a.examples.GetExamplesForTool(ctx, a.name.String(), args.InputText, args.History)
		if err != nil {
			log.Printf("[WARN] Failed to load feedback examples for %s: %v", a.name, err)
		} else if examples != "" {
			prompt += fmt.Sprintf(examplesSection, examples)
		}
	}
	return prompt
}

func NewPatientTool(gen Generator) *PhaseAgent {
	return &PhaseAgent{
		name:        models.ToolPatient,
		description: "Simulates the patient. Use for history questions, physical exam requests and initial vital signs or labs.",
		prompt:      patientPrompt,
		temperature: 0.7,
		llm:         gen,
	}
}

func NewSocraticTool(gen Generator) *PhaseAgent {
	return &PhaseAgent{
		name:        models.ToolSocratic,
		description: "Guides the student's differential diagnosis with Socratic questions. Use when the student proposes or reasons about diagnoses.",
		prompt:      socraticPrompt,
		temperature: 0.5,
		llm:         gen,
	}
}

func NewTestsManagementTool(gen Generator) *PhaseAgent {
	return &PhaseAgent{
		name:           models.ToolTestsManagement,
		description:    "Reviews diagnostic test ordering and treatment plans. Use when the student orders confirmatory tests or proposes management.",
		prompt:         testsManagementPrompt,
		temperature:    0.3,
		usesGuidelines: true,
		llm:            gen,
	}
}

func NewFeedbackTool(gen Generator) *PhaseAgent {
	return &PhaseAgent{
		name:           models.ToolFeedback,
		description:    "Gives end-of-case feedback on the student's performance. Use when the case is finished or the student asks for feedback.",
		prompt:         feedbackPrompt,
		temperature:    0.3,
		usesGuidelines: true,
		llm:            gen,
	}
}

// NewDefaultEngine registers the four phase agents in tutoring order.
func NewDefaultEngine(gen Generator, examples ExampleSource) *Engine {
	agents := []*PhaseAgent{
		NewPatientTool(gen),
		NewSocraticTool(gen),
		NewTestsManagementTool(gen),
		NewFeedbackTool(gen),
	}

	engine := NewEngine()
	for _, agent := range agents {
		if examples != nil {
			agent.WithExamples(examples)
		}
		engine.Register(agent)
	}
	return engine
}
