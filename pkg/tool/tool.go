// Package tool defines the contract between the executor core and the
// tools the model may invoke, along with the registry that resolves them.
package tool

import "context"

// Result is what a tool returns on completion.
type Result struct {
	// Content is the model-facing payload folded into the next message.
	Content string `json:"content"`
	// Display is an optional human-facing summary for UIs.
	Display string `json:"display,omitempty"`
}

// OutputFunc receives incremental output from tools that stream.
type OutputFunc func(chunk string)

// Tool represents an action the model can request. Implementations live
// outside this module; the core only schedules and gates them.
type Tool interface {
	Name() string
	Description() string

	// Schema returns the OpenAI-style parameter schema for declarations.
	Schema() map[string]any

	// ShouldConfirm reports whether executing with these arguments needs
	// user confirmation. A nil details value means none is needed.
	ShouldConfirm(ctx context.Context, args map[string]any) (*ConfirmationDetails, error)

	// Execute runs the tool. onOutput may be nil; tools that stream call
	// it with incremental chunks as they are produced.
	Execute(ctx context.Context, args map[string]any, onOutput OutputFunc) (*Result, error)
}

// Declaration converts a tool to OpenAI function-calling format.
func Declaration(t Tool) map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        t.Name(),
			"description": t.Description(),
			"parameters":  t.Schema(),
		},
	}
}
