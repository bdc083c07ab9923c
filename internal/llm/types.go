// Package llm provides the model execution layer.
package llm

import (
	"context"
)

// Message is one chat message in provider-neutral form. Tool call
// arguments stay raw JSON until a handler needs them.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for tool responses
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"` // raw JSON object
	} `json:"function"`
}

// Request is one unit of model work: a prompt against a history, with
// a set of callable tools.
type Request struct {
	System  string
	Prompt  string
	History []Message
	Tools   []Tool
	// Metadata is attached to every log line the call emits.
	Metadata map[string]string
}

// Tool pairs a JSON-schema declaration with its handler.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     func(ctx context.Context, args map[string]any) (string, error)
}

// Result is the outcome of one execution. Transport and provider
// failures are carried in-band: Success false and Err set, never a Go
// error, so callers treat a failed model call like any other run
// outcome.
type Result struct {
	Success    bool
	Output     string
	Err        string
	TokensUsed int64
	// ToolCalls counts tool invocations the model made during this
	// execution.
	ToolCalls int
}

// Executor runs one request to completion, including any provider-side
// tool rounds. It returns the result and the full updated message
// history. On failure the history is returned unchanged.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, []Message)
}
