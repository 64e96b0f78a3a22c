// Package model defines the reasoning model boundary used by the run controller and its
// implementations: an OpenAI-compatible HTTP client, a retry wrapper, and a scripted model for
// tests. The gRPC reasoner lives in the reasoner subpackage.
package model

import (
	"context"
	"encoding/json"
)

// Roles of a conversation turn.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Tool is a function the model may call.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// ToolCall is one invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Reasoning string          `json:"reasoning,omitempty"`
}

// Turn is one entry of the assembled context.
type Turn struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
}

// Request is the input to one reasoning step.
type Request struct {
	RunID        string          `json:"runId,omitempty"`
	SystemPrompt string          `json:"systemPrompt,omitempty"`
	Turns        []Turn          `json:"turns"`
	Tools        []Tool          `json:"tools,omitempty"`
	ResultSchema json.RawMessage `json:"resultSchema,omitempty"`
}

// Response is the parsed output of one reasoning step.
type Response struct {
	Message   string          `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	ToolCalls []ToolCall      `json:"toolCalls,omitempty"`
}

// Model performs one reasoning step. Implementations treat each call as non-idempotent.
type Model interface {
	Step(ctx context.Context, req Request) (*Response, error)
}
