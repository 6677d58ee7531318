// Package client speaks to OpenAI-compatible chat-completion APIs. The
// rest of the system consumes the LanguageModel interface; the concrete
// implementation streams over SSE with retries.
package client

import (
	"context"

	"elisa/internal/tokens"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in a conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`

	// Assistant messages may carry tool calls instead of (or next to) text.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Tool messages answer a specific call.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// ToolCall is a model-requested tool invocation. Arguments is the raw JSON
// the model produced.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSchema declares one callable tool to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatRequest is one model invocation.
type ChatRequest struct {
	Model               string
	Messages            []Message
	Tools               []ToolSchema
	MaxCompletionTokens int
	Temperature         float32
}

// ResponseChunk is a single streamed fragment.
type ResponseChunk struct {
	// Text contains any assistant text in this chunk.
	Text string

	// ToolCalls are complete accumulated calls, delivered with the final
	// chunk only.
	ToolCalls []ToolCall

	// Error carries a stream-level failure.
	Error error

	// Done marks the final chunk.
	Done bool

	// FinishReason is set on the final chunk ("stop", "tool_calls",
	// "length").
	FinishReason string

	// Usage is set when the API reports it, typically on the final chunk.
	Usage tokens.Usage
}

// Response is a fully collected model turn.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        tokens.Usage
}

// StreamingResponse is a live model turn being streamed.
type StreamingResponse struct {
	// Chunks receives fragments until the turn completes.
	Chunks <-chan ResponseChunk

	// Done is closed when the stream has fully drained.
	Done <-chan struct{}
}

// Collect drains the stream into a single Response.
func (sr *StreamingResponse) Collect() (*Response, error) {
	resp := &Response{}
	for chunk := range sr.Chunks {
		if chunk.Error != nil {
			return nil, chunk.Error
		}
		resp.Text += chunk.Text
		resp.ToolCalls = append(resp.ToolCalls, chunk.ToolCalls...)
		if chunk.Done {
			resp.FinishReason = chunk.FinishReason
		}
		if chunk.Usage.InputTokens > 0 {
			resp.Usage.InputTokens = chunk.Usage.InputTokens
			resp.Usage.CachedInputTokens = chunk.Usage.CachedInputTokens
		}
		if chunk.Usage.OutputTokens > 0 {
			resp.Usage.OutputTokens = chunk.Usage.OutputTokens
			resp.Usage.ReasoningTokens = chunk.Usage.ReasoningTokens
		}
	}
	return resp, nil
}

// LanguageModel is the capability the pipeline phases consume.
type LanguageModel interface {
	// Stream sends one request and returns the streaming response.
	Stream(ctx context.Context, req ChatRequest) (*StreamingResponse, error)

	// Model returns the default model id.
	Model() string

	// WithModel returns a client bound to a different model, sharing
	// transport and credentials.
	WithModel(model string) LanguageModel
}
