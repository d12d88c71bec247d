package agent

import (
	"encoding/json"
	"strings"

	"github.com/lacehq/lace/provider"
	"github.com/lacehq/lace/tool"
)

// Accumulator assembles streaming chunks into message text and complete
// tool calls. Argument fragments are reassembled per call id in arrival
// order.
type Accumulator struct {
	text strings.Builder

	open  map[string]*pendingCall
	order []string
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{open: make(map[string]*pendingCall)}
}

// Feed processes one chunk. For ChunkToolCallEnd it returns the
// completed call and true.
func (a *Accumulator) Feed(c provider.Chunk) (tool.Call, bool) {
	switch c.Kind {
	case provider.ChunkTextDelta:
		a.text.WriteString(c.Text)

	case provider.ChunkToolCallStart:
		if _, exists := a.open[c.CallID]; !exists {
			a.open[c.CallID] = &pendingCall{id: c.CallID, name: c.ToolName}
			a.order = append(a.order, c.CallID)
		}

	case provider.ChunkToolCallDelta:
		if pc, ok := a.open[c.CallID]; ok {
			pc.args.WriteString(c.ArgFragment)
		}

	case provider.ChunkToolCallEnd:
		pc, ok := a.open[c.CallID]
		if !ok {
			return tool.Call{}, false
		}
		delete(a.open, c.CallID)
		for i, id := range a.order {
			if id == c.CallID {
				a.order = append(a.order[:i], a.order[i+1:]...)
				break
			}
		}
		return pc.call(), true
	}
	return tool.Call{}, false
}

// Text returns the buffered message text.
func (a *Accumulator) Text() string {
	return a.text.String()
}

// TakeText returns the buffered text and resets the buffer.
func (a *Accumulator) TakeText() string {
	out := a.text.String()
	a.text.Reset()
	return out
}

// OpenCalls returns calls started but not yet completed, in arrival
// order. Their arguments may be partial.
func (a *Accumulator) OpenCalls() []tool.Call {
	out := make([]tool.Call, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.open[id].call())
	}
	return out
}

func (pc *pendingCall) call() tool.Call {
	raw := pc.args.String()
	if raw == "" {
		raw = "{}"
	}
	return tool.Call{
		ID:        pc.id,
		Name:      pc.name,
		Arguments: json.RawMessage(raw),
	}
}
