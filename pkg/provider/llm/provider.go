// Package llm defines the Provider interface for the language models that
// write the companion's replies.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishReasonError marks a chunk that reports a failure after the stream
// started. Its Text carries the error message.
const FinishReasonError = "error"

// Message is one turn of the conversation history.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text of the turn.
	Content string
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
type CompletionRequest struct {
	// Messages is the ordered conversation history, ending with the user turn
	// being answered.
	Messages []Message

	// SystemPrompt is sent ahead of the history as a system instruction.
	SystemPrompt string

	// Temperature controls randomness in [0.0, 2.0]. Zero keeps the provider
	// default.
	Temperature float64

	// MaxTokens caps the completion length. Zero keeps the provider default.
	MaxTokens int
}

// Chunk is a fragment of a streaming completion.
type Chunk struct {
	// Text is the incremental text of this chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", or
	// FinishReasonError.
	FinishReason string
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion sends req and returns a channel of chunks. The channel
	// is closed when generation finishes or ctx is cancelled. Failures after
	// the stream opened arrive as a chunk with FinishReasonError; the returned
	// error covers only failures to start.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
