// Package tool defines the tool interface, registry, schema validation
// and the approval-gated executor agents dispatch tool calls through.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lacehq/lace/thread"
)

// ErrUnknownTool is returned when a call names a tool that is not
// registered.
var ErrUnknownTool = errors.New("unknown tool")

// Tool is the interface all tools implement.
type Tool interface {
	// Name returns the tool name used in model tool calls.
	Name() string

	// Description returns a human-readable description shown to the model.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments.
	Schema() Schema

	// Annotations returns behavioral hints used for policy decisions.
	Annotations() Annotations

	// Execute runs the tool. Failures are reported through the Result,
	// never by panicking.
	Execute(ctx context.Context, call Call, tc *Context) Result
}

// Annotations are declarative hints about a tool's behavior.
type Annotations struct {
	// ReadOnlyHint marks tools that never mutate anything.
	ReadOnlyHint bool `json:"readOnlyHint,omitempty"`

	// DestructiveHint marks tools whose effects are hard to undo.
	DestructiveHint bool `json:"destructiveHint,omitempty"`
}

// Schema defines the JSON Schema for a tool's arguments. Type must be
// "object".
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property defines a single argument in a tool schema.
type Property struct {
	Type        string              `json:"type"`
	Description string              `json:"description,omitempty"`
	Enum        []string            `json:"enum,omitempty"`
	Items       *Property           `json:"items,omitempty"`
	Properties  map[string]Property `json:"properties,omitempty"`
	Minimum     *float64            `json:"minimum,omitempty"`
	Maximum     *float64            `json:"maximum,omitempty"`
	MinLength   *int                `json:"minLength,omitempty"`
	MaxLength   *int                `json:"maxLength,omitempty"`
}

// Call is one tool invocation as assembled from provider deltas.
type Call struct {
	// ID is the provider-assigned call id, echoed in the result.
	ID string `json:"id"`

	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Result is the normalized outcome of a tool execution.
type Result struct {
	IsError  bool                  `json:"isError,omitempty"`
	Content  []thread.ContentBlock `json:"content"`
	Metadata map[string]any        `json:"metadata,omitempty"`
}

// Text concatenates the result's text blocks.
func (r Result) Text() string {
	var out string
	for _, b := range r.Content {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// TextResult builds a successful result from text.
func TextResult(text string) Result {
	return Result{Content: []thread.ContentBlock{thread.TextBlock(text)}}
}

// ErrorResult builds a failed result from a formatted message.
func ErrorResult(format string, args ...any) Result {
	return Result{
		IsError: true,
		Content: []thread.ContentBlock{thread.TextBlock(fmt.Sprintf(format, args...))},
	}
}

// WithMetadata returns a copy of r carrying the given metadata key.
func (r Result) WithMetadata(key string, value any) Result {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
	return r
}
