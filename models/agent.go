package models

type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

const (
	ToolErrorUnknownTool    = "unknown_tool"
	ToolErrorExecution      = "execution_error"
	ToolErrorPanic          = "panic"
	ToolErrorInvalidArgs    = "invalid_arguments"
	ToolErrorEmptyToolReply = "empty_result"
)

type ToolError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ToolResult is the envelope every tool execution produces. Complete is set
// by phase agents that consider their phase finished.
type ToolResult struct {
	Success  bool       `json:"success"`
	Result   string     `json:"result,omitempty"`
	Complete bool       `json:"complete,omitempty"`
	Error    *ToolError `json:"error,omitempty"`
}

// ToolName identifies one of the registered phase agents.
type ToolName string

const (
	ToolPatient         ToolName = "patient"
	ToolSocratic        ToolName = "socratic"
	ToolTestsManagement ToolName = "tests_management"
	ToolFeedback        ToolName = "feedback"
)

func (n ToolName) String() string {
	return string(n)
}
