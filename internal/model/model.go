// Package model abstracts the language model behind the kernel. The
// kernel hands over the working context and the tool surface; the
// model answers with exactly one action per step.
package model

import (
	"context"
	"encoding/json"
	"errors"

	"metaboliq/internal/block"
)

// ActionType discriminates what the model asked for this step.
type ActionType string

const (
	// ActionMessage appends assistant commentary and continues.
	ActionMessage ActionType = "message"
	// ActionToolCalls requests one or more tool executions.
	ActionToolCalls ActionType = "tool_calls"
	// ActionFinal ends the run with a completion message.
	ActionFinal ActionType = "final"
)

// ToolCall is one requested tool invocation. Args is the raw argument
// object exactly as the model produced it; validation happens in
// dispatch, not here.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Action is the model's decision for one kernel step. A tool-call
// action may also carry commentary text alongside its calls.
type Action struct {
	Type  ActionType `json:"type"`
	Text  string     `json:"text,omitempty"`
	Calls []ToolCall `json:"calls,omitempty"`
}

// ToolSchema describes one tool operation to the model. Parameters is
// a JSON Schema object.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request carries everything the model sees for one step: the working
// context snapshot in order, and the tool surface.
type Request struct {
	Blocks []block.Block
	Tools  []ToolSchema
}

// ErrInvalidOutput marks a model response that fits no recognized
// action shape: empty, malformed tool calls, or unknown structure.
// The kernel journals it and retries within its budget.
var ErrInvalidOutput = errors.New("model output fits no recognized action")

// Client produces one action per completion call. Implementations must
// honor ctx cancellation and deadlines.
type Client interface {
	Complete(ctx context.Context, req Request) (Action, error)
}
