package model

import "context"

// GenerateRequest carries one model invocation: the conversation so far
// plus the tool declarations the model may call.
type GenerateRequest struct {
	Messages []Message
	Tools    []map[string]any // OpenAI-style function definitions

	// OnFragment, when set, receives streamed text and thought fragments
	// as they arrive. Best effort; errors in the callback are ignored.
	OnFragment func(Fragment)
}

// GenerateResult is the terminal outcome of one model invocation.
type GenerateResult struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Client is the transport-facing contract for model inference. The core
// never defines a wire format; any HTTP/JSON-RPC/stdio transport that can
// satisfy this interface plugs in.
type Client interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}
