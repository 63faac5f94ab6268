package tools

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"

	"microtutor/models"

	"github.com/tmc/langchaingo/llms"
)

// Args is everything a tool receives: the LLM's input text plus the
// session context injected by the caller.
type Args struct {
	InputText  string
	CaseID     string
	Organism   string
	Case       string
	History    []models.Message
	Model      string
	Guidelines string
}

type Output struct {
	Text     string
	Complete bool
}

// Tool is one of the closed set of phase agents.
type Tool interface {
	Name() models.ToolName
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args Args) (Output, error)
}

// GuidelineConsumer is implemented by tools that want reference guidelines
// attached to their arguments.
type GuidelineConsumer interface {
	UsesGuidelines() bool
}

type Engine struct {
	tools map[models.ToolName]Tool
	order []models.ToolName
}

func NewEngine(tools ...Tool) *Engine {
	e := &Engine{tools: make(map[models.ToolName]Tool)}
	for _, tool := range tools {
		e.Register(tool)
	}
	return e
}

// Register adds or replaces a tool, keeping its first registration position.
func (e *Engine) Register(tool Tool) {
	if _, exists := e.tools[tool.Name()]; !exists {
		e.order = append(e.order, tool.Name())
	}
	e.tools[tool.Name()] = tool
	log.Printf("[INFO] Registered tool: %s", tool.Name())
}

func (e *Engine) ListTools() []string {
	names := make([]string, 0, len(e.order))
	for _, name := range e.order {
		names = append(names, name.String())
	}
	return names
}

func (e *Engine) Has(name string) bool {
	_, ok := e.tools[models.ToolName(name)]
	return ok
}

func (e *Engine) UsesGuidelines(name string) bool {
	tool, ok := e.tools[models.ToolName(name)]
	if !ok {
		return false
	}
	consumer, ok := tool.(GuidelineConsumer)
	return ok && consumer.UsesGuidelines()
}

// ToolSchemas returns function-calling definitions in registration order.
func (e *Engine) ToolSchemas() []llms.Tool {
	schemas := make([]llms.Tool, 0, len(e.order))
	for _, name := range e.order {
		tool := e.tools[name]
		schemas = append(schemas, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        tool.Name().String(),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}
	return schemas
}

// ExecuteTool never returns an error: failures, unknown names and panics
// come back as an unsuccessful ToolResult.
func (e *Engine) ExecuteTool(ctx context.Context, name string, args Args) (result models.ToolResult) {
	tool, ok := e.tools[models.ToolName(name)]
	if !ok {
		log.Printf("[WARN] Unknown tool requested: %s", name)
		return failure(models.ToolErrorUnknownTool, fmt.Sprintf("unknown tool %q, available tools: %v", name, e.ListTools()))
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] Tool %s panicked: %v\n%s", name, r, debug.Stack())
			result = failure(models.ToolErrorPanic, fmt.Sprintf("tool %s panicked: %v", name, r))
		}
	}()

	log.Printf("[INFO] Executing tool: %s (input: %d chars, history: %d messages)", name, len(args.InputText), len(args.History))
	out, err := tool.Execute(ctx, args)
	if err != nil {
		log.Printf("[ERROR] Tool %s failed: %v", name, err)
		return failure(models.ToolErrorExecution, err.Error())
	}

	log.Printf("[INFO] Tool %s completed (output: %d chars, complete: %v)", name, len(out.Text), out.Complete)
	return models.ToolResult{
		Success:  true,
		Result:   out.Text,
		Complete: out.Complete,
	}
}

func failure(errType, message string) models.ToolResult {
	return models.ToolResult{
		Success: false,
		Error:   &models.ToolError{Type: errType, Message: message},
	}
}
