// Package llmtest provides an llms.Model that replays scripted replies,
// including tool calls, for tests.
package llmtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tmc/langchaingo/llms"
)

type Reply struct {
	Content   string
	ToolCalls []llms.ToolCall
	Err       error
}

// Text is a plain assistant reply.
func Text(content string) Reply {
	return Reply{Content: content}
}

// Tools is a reply requesting the named tools in order, each with the same
// JSON arguments.
func Tools(arguments string, names ...string) Reply {
	reply := Reply{}
	for i, name := range names {
		reply.ToolCalls = append(reply.ToolCalls, llms.ToolCall{
			ID:   fmt.Sprintf("call_%d", i+1),
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      name,
				Arguments: arguments,
			},
		})
	}
	return reply
}

func Fail(err error) Reply {
	return Reply{Err: err}
}

type Call struct {
	Messages []llms.MessageContent
	Options  llms.CallOptions
}

type ScriptedModel struct {
	mu      sync.Mutex
	replies []Reply
	calls   []Call
}

func NewScriptedModel(replies ...Reply) *ScriptedModel {
	return &ScriptedModel{replies: replies}
}

func (m *ScriptedModel) GenerateContent(_ context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Messages: messages, Options: opts})
	if len(m.replies) == 0 {
		return nil, errors.New("no scripted replies left")
	}
	reply := m.replies[0]
	m.replies = m.replies[1:]
	if reply.Err != nil {
		return nil, reply.Err
	}

	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: reply.Content, ToolCalls: reply.ToolCalls}},
	}, nil
}

func (m *ScriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func (m *ScriptedModel) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Text of the last message of a recorded call.
func (c Call) LastText() string {
	if len(c.Messages) == 0 {
		return ""
	}
	var out string
	for _, part := range c.Messages[len(c.Messages)-1].Parts {
		if text, ok := part.(llms.TextContent); ok {
			out += text.Text
		}
	}
	return out
}

// SystemText returns the system message of a recorded call, if any.
func (c Call) SystemText() string {
	for _, msg := range c.Messages {
		if msg.Role != llms.ChatMessageTypeSystem {
			continue
		}
		var out string
		for _, part := range msg.Parts {
			if text, ok := part.(llms.TextContent); ok {
				out += text.Text
			}
		}
		return out
	}
	return ""
}
