package tutor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"microtutor/models"
	"microtutor/services/metrics"
	"microtutor/services/phase"
	"microtutor/services/tools"

	"golang.org/x/sync/errgroup"
)

const toolOutputSeparator = "\n\n---\n\n"

type toolOutcome struct {
	name   string
	result models.ToolResult
}

// routeToPhaseAgent sends the message straight to one agent. It returns nil
// when the agent fails so the caller can fall back to the planning call.
func (s *Service) routeToPhaseAgent(ctx context.Context, agent models.ToolName, message string, tc *models.TutorContext, start time.Time) *models.TutorResponse {
	log.Printf("[INFO] Routing case %s directly to %s agent", tc.CaseID, agent)

	result := s.engine.ExecuteTool(ctx, agent.String(), s.toolArgs(ctx, agent.String(), message, tc, tc.ConversationHistory))
	s.opts.Metrics.RecordToolCall(agent.String(), result.Success)
	if !result.Success {
		log.Printf("[WARN] Direct routing to %s failed, falling back to planning call: %s", agent, result.Error.Message)
		return nil
	}
	if strings.TrimSpace(result.Result) == "" {
		log.Printf("[WARN] Direct routing to %s returned no text, falling back to planning call", agent)
		return nil
	}

	tc.Append(models.RoleUser, message)
	tc.Append(models.RoleAssistant, result.Result)

	previous := tc.CurrentState
	if result.Complete {
		if next, ok := phase.Next(tc.CurrentState); ok {
			tc.CurrentState = next
			log.Printf("[INFO] %s agent completed its phase, case %s advancing to %s", agent, tc.CaseID, next)
		}
	}
	s.opts.Metrics.RecordTransition(previous.String(), tc.CurrentState.String())

	duration := time.Since(start)
	s.opts.Metrics.ObserveTurnDuration(metrics.PathDirect, duration)
	s.opts.Metrics.RecordTurn(tc.CurrentState.String(), metrics.StatusSuccess)

	metadata := baseMetadata(tc)
	metadata[MetaPhaseAgent] = agent.String()
	metadata[MetaPhaseComplete] = result.Complete
	metadata[MetaDurationMS] = duration.Milliseconds()

	return &models.TutorResponse{
		Content:          result.Result,
		ToolsUsed:        []string{agent.String()},
		Metadata:         metadata,
		FeedbackExamples: []models.FeedbackExample{},
	}
}

// executeToolCalls runs every requested tool concurrently. Outcomes keep the
// order the planner listed the calls in, and a failing tool never cancels
// its siblings.
func (s *Service) executeToolCalls(ctx context.Context, calls []models.ToolCall, message string, tc *models.TutorContext, history []models.Message) []toolOutcome {
	outcomes := make([]toolOutcome, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			outcomes[i] = s.executeToolCall(gctx, call, message, tc, history)
			s.opts.Metrics.RecordToolCall(call.Name, outcomes[i].result.Success)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (s *Service) executeToolCall(ctx context.Context, call models.ToolCall, message string, tc *models.TutorContext, history []models.Message) toolOutcome {
	input, err := tools.ParseAgentInput(call.Arguments)
	if err != nil {
		log.Printf("[WARN] Invalid arguments for tool %s: %v", call.Name, err)
		return toolOutcome{name: call.Name, result: models.ToolResult{
			Error: &models.ToolError{Type: models.ToolErrorInvalidArgs, Message: err.Error()},
		}}
	}
	inputText := input.InputText
	if strings.TrimSpace(inputText) == "" {
		inputText = message
	}

	result := s.engine.ExecuteTool(ctx, call.Name, s.toolArgs(ctx, call.Name, inputText, tc, history))
	if result.Success && strings.TrimSpace(result.Result) == "" {
		result = models.ToolResult{
			Complete: result.Complete,
			Error:    &models.ToolError{Type: models.ToolErrorEmptyToolReply, Message: "tool returned no text"},
		}
	}
	return toolOutcome{name: call.Name, result: result}
}

// toolArgs injects the session context. Guidelines are attached only for
// tools that ask for them and only when they can be fetched.
func (s *Service) toolArgs(ctx context.Context, name, inputText string, tc *models.TutorContext, history []models.Message) tools.Args {
	args := tools.Args{
		InputText: inputText,
		CaseID:    tc.CaseID,
		Organism:  tc.Organism,
		Case:      tc.CaseDescription,
		History:   history,
		Model:     tc.ModelName,
	}
	if s.guidelines != nil && s.engine.UsesGuidelines(name) {
		args.Guidelines = s.guidelines.ForTool(ctx, tc.Organism, tc.CaseDescription, name)
	}
	return args
}

// combineOutputs returns a single tool's text verbatim and joins several
// with a separator. Failed tools contribute a short error line.
func combineOutputs(outcomes []toolOutcome) string {
	parts := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		if o.result.Success {
			parts = append(parts, o.result.Result)
			continue
		}
		msg := "unknown error"
		if o.result.Error != nil {
			msg = o.result.Error.Message
		}
		parts = append(parts, fmt.Sprintf("[%s unavailable: %s]", o.name, msg))
	}
	return strings.Join(parts, toolOutputSeparator)
}
