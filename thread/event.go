package thread

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates event payloads.
type EventType string

const (
	EventUserMessage      EventType = "USER_MESSAGE"
	EventAgentMessage     EventType = "AGENT_MESSAGE"
	EventToolCall         EventType = "TOOL_CALL"
	EventToolResult       EventType = "TOOL_RESULT"
	EventLocalSystem      EventType = "LOCAL_SYSTEM_MESSAGE"
	EventSystemPrompt     EventType = "SYSTEM_PROMPT"
	EventUserSystemPrompt EventType = "USER_SYSTEM_PROMPT"
)

// IsValid reports whether t is a known event type.
func (t EventType) IsValid() bool {
	switch t {
	case EventUserMessage, EventAgentMessage, EventToolCall, EventToolResult,
		EventLocalSystem, EventSystemPrompt, EventUserSystemPrompt:
		return true
	default:
		return false
	}
}

// IsMessage reports whether the payload for t is a plain string.
func (t EventType) IsMessage() bool {
	switch t {
	case EventUserMessage, EventAgentMessage, EventLocalSystem,
		EventSystemPrompt, EventUserSystemPrompt:
		return true
	default:
		return false
	}
}

// Event is the immutable unit of thread history. Seq is assigned by the
// store and defines logical time within a thread.
type Event struct {
	ThreadID  ID        `json:"thread_id"`
	Seq       int64     `json:"seq"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data"`
}

// EventData is the tagged payload of an event. Exactly one field group is
// populated depending on the event type.
type EventData struct {
	// Message text for string-shaped events. LOCAL_SYSTEM_MESSAGE payloads
	// may additionally reference a tool call via CallID (abandonment notes).
	Message string `json:"message,omitempty"`
	CallID  string `json:"call_id,omitempty"`

	// Tool call payload for TOOL_CALL events.
	Call *ToolCallData `json:"call,omitempty"`

	// Tool result payload for TOOL_RESULT events.
	Result *ToolResultData `json:"result,omitempty"`

	// Metadata carries provider usage, delegate linkage and similar
	// out-of-band detail.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ToolCallData records a model-requested tool invocation.
type ToolCallData struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResultData records the outcome of a tool call. CallID references the
// originating TOOL_CALL event.
type ToolResultData struct {
	CallID   string         `json:"call_id"`
	IsError  bool           `json:"is_error,omitempty"`
	Content  []ContentBlock `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ContentBlock is one piece of tool output. Only text blocks exist today;
// the Type field keeps the wire shape open for richer content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextBlock builds a single text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// MessageData builds the payload for a string-shaped event.
func MessageData(text string) EventData {
	return EventData{Message: text}
}

// Validate checks that the payload shape matches the event type.
func (e *Event) Validate() error {
	if !e.Type.IsValid() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	switch e.Type {
	case EventToolCall:
		if e.Data.Call == nil {
			return fmt.Errorf("TOOL_CALL event missing call payload")
		}
		if e.Data.Call.ID == "" || e.Data.Call.Name == "" {
			return fmt.Errorf("TOOL_CALL event missing call id or name")
		}
	case EventToolResult:
		if e.Data.Result == nil {
			return fmt.Errorf("TOOL_RESULT event missing result payload")
		}
		if e.Data.Result.CallID == "" {
			return fmt.Errorf("TOOL_RESULT event missing call id")
		}
	}
	return nil
}

// ResultText flattens a result's content blocks to plain text.
func (r *ToolResultData) ResultText() string {
	var out string
	for _, b := range r.Content {
		out += b.Text
	}
	return out
}

// Thread is the record behind a thread id.
type Thread struct {
	ID        ID             `json:"id"`
	ParentID  *ID            `json:"parent_id,omitempty"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

// SessionID returns the owning session recorded in thread metadata, or ""
// for orphan threads.
func (t *Thread) SessionID() string {
	if t.Metadata == nil {
		return ""
	}
	if s, ok := t.Metadata["session_id"].(string); ok {
		return s
	}
	return ""
}
