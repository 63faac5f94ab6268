package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tmc/langchaingo/llms"
)

const anthropicMaxTokens = 4096

// AnthropicModel adapts the Anthropic Messages API to llms.Model.
type AnthropicModel struct {
	client       *anthropic.Client
	defaultModel string
}

func NewAnthropicModel(apiKey, defaultModel string) *AnthropicModel {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicModel{
		client:       &client,
		defaultModel: defaultModel,
	}
}

func (m *AnthropicModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	params, err := m.buildParams(messages, opts)
	if err != nil {
		return nil, err
	}

	log.Printf("[INFO] Calling Anthropic model %s with %d messages and %d tools", params.Model, len(params.Messages), len(params.Tools))
	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to call Anthropic API: %w", err)
	}

	return contentResponseFromMessage(resp)
}

func (m *AnthropicModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func (m *AnthropicModel) buildParams(messages []llms.MessageContent, opts llms.CallOptions) (anthropic.MessageNewParams, error) {
	modelName := opts.Model
	if modelName == "" {
		modelName = m.defaultModel
	}
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}

	system, converted := convertToAnthropicMessages(messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelName),
		MaxTokens: maxTokens,
		Messages:  converted,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}

	if len(opts.Tools) > 0 {
		tools, err := convertToAnthropicTools(opts.Tools)
		if err != nil {
			return params, err
		}
		params.Tools = tools
		if choice, ok := opts.ToolChoice.(string); ok && choice == "required" {
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		}
	}
	return params, nil
}

// convertToAnthropicMessages pulls system text out into its own string, since
// the Messages API takes it as a top-level parameter.
func convertToAnthropicMessages(messages []llms.MessageContent) (string, []anthropic.MessageParam) {
	var system []string
	var converted []anthropic.MessageParam

	for _, msg := range messages {
		text := textOf(msg)
		switch msg.Role {
		case llms.ChatMessageTypeSystem:
			system = append(system, text)
		case llms.ChatMessageTypeAI:
			converted = append(converted, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		default:
			converted = append(converted, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		}
	}
	return strings.Join(system, "\n\n"), converted
}

func textOf(msg llms.MessageContent) string {
	var parts []string
	for _, part := range msg.Parts {
		if text, ok := part.(llms.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func convertToAnthropicTools(tools []llms.Tool) ([]anthropic.ToolUnionParam, error) {
	var specs []anthropic.ToolUnionParam
	for _, tool := range tools {
		if tool.Function == nil {
			continue
		}
		schema, err := inputSchema(tool.Function.Parameters)
		if err != nil {
			return nil, fmt.Errorf("failed to convert schema for tool %s: %w", tool.Function.Name, err)
		}
		specs = append(specs, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Function.Name,
				Description: anthropic.String(tool.Function.Description),
				InputSchema: schema,
			},
		})
	}
	return specs, nil
}

func inputSchema(parameters any) (anthropic.ToolInputSchemaParam, error) {
	var schema struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if parameters == nil {
		return anthropic.ToolInputSchemaParam{}, nil
	}
	raw, err := json.Marshal(parameters)
	if err != nil {
		return anthropic.ToolInputSchemaParam{}, err
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return anthropic.ToolInputSchemaParam{}, err
	}
	return anthropic.ToolInputSchemaParam{
		Properties: schema.Properties,
		Required:   schema.Required,
	}, nil
}

func contentResponseFromMessage(resp *anthropic.Message) (*llms.ContentResponse, error) {
	choice := &llms.ContentChoice{StopReason: string(resp.StopReason)}

	var text []string
	for _, block := range resp.Content {
		switch block := block.AsAny().(type) {
		case anthropic.TextBlock:
			text = append(text, block.Text)
		case anthropic.ToolUseBlock:
			input, err := json.Marshal(block.Input)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal tool input for %s: %w", block.Name, err)
			}
			choice.ToolCalls = append(choice.ToolCalls, llms.ToolCall{
				ID:   block.ID,
				Type: "function",
				FunctionCall: &llms.FunctionCall{
					Name:      block.Name,
					Arguments: string(input),
				},
			})
		}
	}
	choice.Content = strings.Join(text, "")

	return &llms.ContentResponse{Choices: []*llms.ContentChoice{choice}}, nil
}
