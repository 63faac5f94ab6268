package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// AgentInput is the argument shape every phase agent accepts from the
// planning call.
type AgentInput struct {
	InputText string `json:"input_text" jsonschema:"required,description=The student's message or question to pass to this agent"`
}

func generateSchema[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	schema := reflector.Reflect(v)

	return map[string]any{
		"type":       "object",
		"properties": schema.Properties,
		"required":   schema.Required,
	}
}

// ParseAgentInput decodes tool-call arguments. Empty arguments are allowed;
// the caller falls back to the student's message.
func ParseAgentInput(arguments string) (AgentInput, error) {
	var input AgentInput
	if arguments == "" {
		return input, nil
	}
	if err := json.Unmarshal([]byte(arguments), &input); err != nil {
		return input, fmt.Errorf("failed to parse agent input: %w", err)
	}
	return input, nil
}
