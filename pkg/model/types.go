package model

// Message represents a single entry in the conversation history.
type Message struct {
	Role       string     `json:"role"` // user, assistant, system, tool
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant messages requesting tools
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool response messages
	Name       string     `json:"name,omitempty"`         // tool name for tool messages
}

// ToolCall represents a function/tool call requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // always "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall is the function being called with raw JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage represents token usage reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FragmentKind distinguishes streamed output types.
type FragmentKind string

const (
	FragmentText    FragmentKind = "text"
	FragmentThought FragmentKind = "thought"
)

// Fragment is an incremental piece of a streamed model response.
type Fragment struct {
	Kind FragmentKind
	Text string
}
