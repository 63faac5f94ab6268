// Package phase holds the tutoring state machine. Every function here is pure;
// callers own the TutorContext and store whatever phase these return.
package phase

import (
	"errors"
	"fmt"
	"strings"

	"microtutor/models"

	"github.com/samber/lo"
)

// CommandMarker introduces an explicit phase change in a student message.
const CommandMarker = "let's move onto phase:"

var ErrInvalidPhase = errors.New("invalid phase")

var toolPhases = map[models.ToolName]models.Phase{
	models.ToolPatient:         models.PhaseInformationGathering,
	models.ToolSocratic:        models.PhaseDifferentialDiagnosis,
	models.ToolTestsManagement: models.PhaseTestsManagement,
	models.ToolFeedback:        models.PhaseFeedback,
}

var completionTokens = map[models.ToolName]string{
	models.ToolPatient:         "[INFORMATION_GATHERING_COMPLETE]",
	models.ToolSocratic:        "[DIFFERENTIAL_DIAGNOSIS_COMPLETE]",
	models.ToolTestsManagement: "[TESTS_MANAGEMENT_COMPLETE]",
}

// DetermineFromTools maps the first tool of a turn to its phase. Later tools
// in the same turn are ignored; unknown tools leave the phase unchanged.
func DetermineFromTools(toolsUsed []string, current models.Phase) models.Phase {
	if len(toolsUsed) == 0 {
		return current
	}
	if next, ok := toolPhases[models.ToolName(toolsUsed[0])]; ok {
		return next
	}
	return current
}

// ForTool returns the phase a tool belongs to.
func ForTool(tool models.ToolName) (models.Phase, bool) {
	p, ok := toolPhases[tool]
	return p, ok
}

// AgentFor returns the dedicated agent of a phase.
func AgentFor(p models.Phase) (models.ToolName, bool) {
	for tool, toolPhase := range toolPhases {
		if toolPhase == p {
			return tool, true
		}
	}
	return "", false
}

// ValidateTransition resolves a display name such as "Tests & Management".
// Phase values ("tests_management") are accepted too. Matching ignores case.
func ValidateTransition(name string) (models.Phase, error) {
	wanted := strings.ToLower(strings.TrimSpace(name))
	for _, p := range models.Phases {
		if wanted == strings.ToLower(p.DisplayName()) || wanted == p.String() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w %q. Valid phases are: %s", ErrInvalidPhase, strings.TrimSpace(name), strings.Join(DisplayNames(), ", "))
}

func DisplayNames() []string {
	return lo.Map(models.Phases, func(p models.Phase, _ int) string {
		return p.DisplayName()
	})
}

func CompletionToken(agent models.ToolName) (string, bool) {
	token, ok := completionTokens[agent]
	return token, ok
}

func IsPhaseComplete(text string, agent models.ToolName) bool {
	token, ok := completionTokens[agent]
	return ok && strings.Contains(text, token)
}

// StripCompletionToken removes the agent's token from text and reports whether
// it was present.
func StripCompletionToken(text string, agent models.ToolName) (string, bool) {
	if !IsPhaseComplete(text, agent) {
		return text, false
	}
	token := completionTokens[agent]
	return strings.TrimSpace(strings.ReplaceAll(text, token, "")), true
}

// Next returns the successor of current. FEEDBACK has none.
func Next(current models.Phase) (models.Phase, bool) {
	i := lo.IndexOf(models.Phases, current)
	if i < 0 || i == len(models.Phases)-1 {
		return "", false
	}
	return models.Phases[i+1], true
}

// Order is the position of p in the tutoring order, or -1.
func Order(p models.Phase) int {
	return lo.IndexOf(models.Phases, p)
}

// Clamp keeps a tool-driven transition from moving backwards.
func Clamp(current, proposed models.Phase) models.Phase {
	if Order(proposed) < Order(current) {
		return current
	}
	return proposed
}

// Bound limits a tool-driven transition to the current phase or its
// successor. Only an explicit command may jump further.
func Bound(current, proposed models.Phase) models.Phase {
	proposed = Clamp(current, proposed)
	if next, ok := Next(current); ok && Order(proposed) > Order(next) {
		return next
	}
	return proposed
}

// ParseCommand extracts the phase name following CommandMarker.
func ParseCommand(message string) (string, bool) {
	normalized := strings.ReplaceAll(message, "’", "'")
	i := strings.Index(strings.ToLower(normalized), CommandMarker)
	if i < 0 {
		return "", false
	}
	name := normalized[i+len(CommandMarker):]
	if nl := strings.IndexByte(name, '\n'); nl >= 0 {
		name = name[:nl]
	}
	name = strings.TrimSpace(name)
	name = strings.TrimRight(name, ".!? ")
	if name == "" {
		return "", false
	}
	return name, true
}
