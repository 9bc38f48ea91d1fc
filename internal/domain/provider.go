package domain

import (
	"context"
	"io"
)

// Message is one turn in the LLM conversation window.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
}

// ToolCall is a named tool invocation returned by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolDefinition describes a callable tool in JSON-schema form.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type ChatRequest struct {
	Messages    []Message
	Tools       []ToolDefinition
	Model       string
	MaxTokens   int
	Temperature float64
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
	LatencyMs    int64
}

// HasToolCalls reports whether the model asked for tool execution.
func (r *ChatResponse) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// Provider is the LLM collaborator. Given ordered turns plus tool
// definitions it returns either plain text or tool invocations.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Healthy(ctx context.Context) error
}

// Transcriber is the speech-to-text collaborator. It returns a
// best-effort transcript, possibly empty.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error)
}
