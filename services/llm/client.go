package llm

import (
	"context"
	"errors"
	"fmt"
	"log"

	"microtutor/models"

	"github.com/tmc/langchaingo/llms"
)

var ErrNoChoices = errors.New("no choices in LLM response")

type Request struct {
	System      string
	Messages    []models.Message
	Tools       []llms.Tool
	ToolChoice  any
	Model       string
	Temperature float64
	MaxTokens   int
}

type Generation struct {
	Content   string
	ToolCalls []models.ToolCall
	Model     string
}

// Client wraps an llms.Model with retries and a fallback model.
type Client struct {
	model         llms.Model
	defaultModel  string
	fallbackModel string
	retry         RetryConfig
}

func NewClient(model llms.Model, defaultModel, fallbackModel string, retryConfig RetryConfig) *Client {
	return &Client{
		model:         model,
		defaultModel:  defaultModel,
		fallbackModel: fallbackModel,
		retry:         retryConfig,
	}
}

func (c *Client) DefaultModel() string {
	return c.defaultModel
}

// Model exposes the underlying provider for callers that need it directly,
// such as the embedder.
func (c *Client) Model() llms.Model {
	return c.model
}

func (c *Client) Generate(ctx context.Context, req Request) (*Generation, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = c.defaultModel
	}

	gen, err := c.generateWithRetry(ctx, modelName, req)
	if err == nil {
		return gen, nil
	}
	if ctx.Err() != nil || c.fallbackModel == "" || c.fallbackModel == modelName {
		return nil, err
	}

	log.Printf("[WARN] Model %s failed, trying fallback model %s: %v", modelName, c.fallbackModel, err)
	gen, fallbackErr := c.generateWithRetry(ctx, c.fallbackModel, req)
	if fallbackErr != nil {
		return nil, fmt.Errorf("failed to generate with %s and fallback %s: %w", modelName, c.fallbackModel, errors.Join(err, fallbackErr))
	}
	return gen, nil
}

func (c *Client) generateWithRetry(ctx context.Context, modelName string, req Request) (*Generation, error) {
	messages := buildMessages(req.System, req.Messages)
	opts := callOptions(modelName, req)

	var gen *Generation
	attempts, err := retry(ctx, c.retry, func(ctx context.Context, attempt int) error {
		resp, err := c.model.GenerateContent(ctx, messages, opts...)
		if err != nil {
			log.Printf("[WARN] LLM call to %s failed (attempt %d/%d): %v", modelName, attempt, c.retry.MaxAttempts, err)
			return err
		}
		if len(resp.Choices) == 0 {
			log.Printf("[WARN] LLM call to %s returned no choices (attempt %d/%d)", modelName, attempt, c.retry.MaxAttempts)
			return ErrNoChoices
		}
		gen = toGeneration(resp.Choices[0], modelName)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call model %s after %d attempts: %w", modelName, attempts, err)
	}

	log.Printf("[INFO] LLM call to %s succeeded (content: %d chars, tool calls: %d)", modelName, len(gen.Content), len(gen.ToolCalls))
	return gen, nil
}

func buildMessages(system string, history []models.Message) []llms.MessageContent {
	messages := make([]llms.MessageContent, 0, len(history)+1)
	if system != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	for _, msg := range history {
		switch msg.Role {
		case models.RoleUser:
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, msg.Content))
		case models.RoleAssistant:
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeAI, msg.Content))
		default:
			log.Printf("[WARN] Dropping %s message from LLM history", msg.Role)
		}
	}
	return messages
}

func callOptions(modelName string, req Request) []llms.CallOption {
	opts := []llms.CallOption{llms.WithModel(modelName)}
	if req.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(req.Temperature))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		opts = append(opts, llms.WithTools(req.Tools))
		if req.ToolChoice != nil {
			opts = append(opts, llms.WithToolChoice(req.ToolChoice))
		}
	}
	return opts
}

func toGeneration(choice *llms.ContentChoice, modelName string) *Generation {
	gen := &Generation{Content: choice.Content, Model: modelName}
	for _, call := range choice.ToolCalls {
		if call.FunctionCall == nil {
			continue
		}
		gen.ToolCalls = append(gen.ToolCalls, models.ToolCall{
			ID:        call.ID,
			Name:      call.FunctionCall.Name,
			Arguments: call.FunctionCall.Arguments,
		})
	}
	if len(gen.ToolCalls) == 0 && choice.FuncCall != nil {
		gen.ToolCalls = append(gen.ToolCalls, models.ToolCall{
			Name:      choice.FuncCall.Name,
			Arguments: choice.FuncCall.Arguments,
		})
	}
	return gen
}
