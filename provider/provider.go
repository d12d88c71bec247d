// Package provider abstracts model backends behind a streaming turn
// capability. The core never touches HTTP types; concrete transports live
// in the subpackages.
package provider

import (
	"context"
	"encoding/json"

	"github.com/lacehq/lace/tool"
)

// Role labels who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall is a completed tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult reports a tool's outcome back to the model.
type ToolResult struct {
	CallID  string `json:"callId"`
	IsError bool   `json:"isError,omitempty"`
	Text    string `json:"text"`
}

// Message is one conversation turn in a provider request.
type Message struct {
	Role Role
	Text string

	// ToolCalls accompany assistant messages.
	ToolCalls []ToolCall

	// ToolResults accompany user messages that answer tool calls.
	ToolResults []ToolResult
}

// ToolDef advertises a tool to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      tool.Schema
}

// Request is one turn's worth of context.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDef
	MaxTokens   int64
	Temperature *float64
}

// Usage counts tokens consumed by a turn.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
}

// Response is a complete non-streaming result.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// ChunkKind discriminates streaming chunks.
type ChunkKind string

const (
	// ChunkTextDelta carries a fragment of assistant text.
	ChunkTextDelta ChunkKind = "text-delta"

	// ChunkToolCallStart opens a tool call with its id and name.
	ChunkToolCallStart ChunkKind = "tool-call-start"

	// ChunkToolCallDelta carries a fragment of a call's JSON arguments.
	ChunkToolCallDelta ChunkKind = "tool-call-delta"

	// ChunkToolCallEnd closes a tool call; its arguments are complete.
	ChunkToolCallEnd ChunkKind = "tool-call-end"

	// ChunkEnd terminates the stream, carrying usage and stop reason.
	ChunkEnd ChunkKind = "end"

	// ChunkError terminates the stream with a failure.
	ChunkError ChunkKind = "error"
)

// Chunk is one streaming element. A finite stream emits exactly one
// ChunkEnd or ChunkError; chunks for a given CallID arrive in causal
// order (start, deltas, end).
type Chunk struct {
	Kind ChunkKind

	// Text for ChunkTextDelta.
	Text string

	// CallID identifies the tool call for the three tool-call kinds.
	CallID string

	// ToolName for ChunkToolCallStart.
	ToolName string

	// ArgFragment for ChunkToolCallDelta.
	ArgFragment string

	// StopReason and Usage for ChunkEnd.
	StopReason string
	Usage      *Usage

	// Err for ChunkError.
	Err error
}

// Stream is a pull iterator over chunks.
//
//	for stream.Next() {
//	    chunk := stream.Current()
//	    ...
//	}
//	if err := stream.Err(); err != nil { ... }
type Stream interface {
	// Next advances to the next chunk, returning false at end of stream
	// or on error.
	Next() bool

	// Current returns the chunk Next advanced to.
	Current() Chunk

	// Err returns the terminal error, if any, once Next returns false.
	Err() error

	// Close releases the underlying connection. Safe to call more than
	// once.
	Close() error
}

// Provider is the model backend capability agents depend on.
type Provider interface {
	// Name identifies the backend ("anthropic", "openai").
	Name() string

	// CreateResponse runs a turn without streaming.
	CreateResponse(ctx context.Context, req Request) (*Response, error)

	// CreateStreamingResponse opens a chunk stream for a turn.
	CreateStreamingResponse(ctx context.Context, req Request) (Stream, error)
}
