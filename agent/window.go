package agent

import (
	"strings"

	"github.com/lacehq/lace/provider"
	"github.com/lacehq/lace/thread"
)

// DefaultHistory is the conversation window size when the config names
// none.
const DefaultHistory = 100

// BuildWindow converts thread history into provider input: the combined
// system prompt and the windowed message list. SYSTEM_PROMPT and
// USER_SYSTEM_PROMPT events are always retained regardless of the window;
// the window keeps the last `history` user and agent messages plus every
// tool call/result pair among them. Tool calls without a result in the
// window are dropped.
func BuildWindow(events []*thread.Event, history int) (string, []provider.Message) {
	if history <= 0 {
		history = DefaultHistory
	}

	var systemParts []string
	var conversation []*thread.Event
	for _, ev := range events {
		switch ev.Type {
		case thread.EventSystemPrompt, thread.EventUserSystemPrompt:
			if ev.Data.Message != "" {
				systemParts = append(systemParts, ev.Data.Message)
			}
		case thread.EventUserMessage, thread.EventAgentMessage,
			thread.EventToolCall, thread.EventToolResult:
			conversation = append(conversation, ev)
		}
	}

	// Walk backwards until the window holds `history` messages.
	start := 0
	count := 0
	for i := len(conversation) - 1; i >= 0; i-- {
		if t := conversation[i].Type; t == thread.EventUserMessage || t == thread.EventAgentMessage {
			count++
			if count > history {
				start = i + 1
				break
			}
		}
	}
	window := conversation[start:]

	// Pair tool results with their calls inside the window.
	results := make(map[string]*thread.ToolResultData)
	for _, ev := range window {
		if ev.Type == thread.EventToolResult && ev.Data.Result != nil {
			results[ev.Data.Result.CallID] = ev.Data.Result
		}
	}

	var messages []provider.Message
	for _, ev := range window {
		switch ev.Type {
		case thread.EventUserMessage:
			messages = append(messages, provider.Message{
				Role: provider.RoleUser,
				Text: ev.Data.Message,
			})
		case thread.EventAgentMessage:
			messages = append(messages, provider.Message{
				Role: provider.RoleAssistant,
				Text: ev.Data.Message,
			})
		case thread.EventToolCall:
			call := ev.Data.Call
			if call == nil {
				continue
			}
			result, ok := results[call.ID]
			if !ok {
				// Abandoned call; feeding it without a result would be
				// rejected by the provider.
				continue
			}
			messages = append(messages,
				provider.Message{
					Role: provider.RoleAssistant,
					ToolCalls: []provider.ToolCall{{
						ID:        call.ID,
						Name:      call.Name,
						Arguments: call.Arguments,
					}},
				},
				provider.Message{
					Role: provider.RoleUser,
					ToolResults: []provider.ToolResult{{
						CallID:  result.CallID,
						IsError: result.IsError,
						Text:    result.ResultText(),
					}},
				})
		}
	}

	return strings.Join(systemParts, "\n\n"), messages
}
