// Package llm defines the chat-completion interface the dialogue engine
// drives. Providers must support tool definitions with a forced tool choice.
package llm

import "context"

// Message is one turn of a chat-completion transcript.
type Message struct {
	// Role is one of "system", "user", "assistant" or "tool".
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolDef describes a callable tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	// Parameters is a JSON-schema object.
	Parameters map[string]any
}

// ToolCall is a tool invocation requested by the model. Arguments is the raw
// JSON argument object.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// ToolChoice controls whether the model may, must, or must not call a tool.
type ToolChoice string

const (
	// ToolChoiceAuto lets the model decide.
	ToolChoiceAuto ToolChoice = "auto"
	// ToolChoiceRequired forces the model to call one of the offered tools.
	ToolChoiceRequired ToolChoice = "required"
	// ToolChoiceNone disables tool calling for the turn.
	ToolChoiceNone ToolChoice = "none"
)

// Request is a single chat-completion request.
type Request struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDef
	ToolChoice   ToolChoice
	// ForcedTool names a specific tool the model must call. Overrides
	// ToolChoice when non-empty.
	ForcedTool  string
	Temperature float64
	MaxTokens   int
}

// Response is the model's reply to one Request.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Provider executes chat completions.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
