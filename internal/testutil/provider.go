package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/lacehq/lace/provider"
)

// ScriptedProvider replays canned chunk sequences, one script per turn.
// Turns beyond the script fail, which surfaces runaway loops in tests.
type ScriptedProvider struct {
	ProviderName string

	mu      sync.Mutex
	scripts [][]provider.Chunk
	turn    int

	// Requests records every request received, for assertions.
	Requests []provider.Request
}

// NewScriptedProvider creates a provider that will play the given chunk
// sequences in order.
func NewScriptedProvider(scripts ...[]provider.Chunk) *ScriptedProvider {
	return &ScriptedProvider{ProviderName: "scripted", scripts: scripts}
}

// Append queues another turn's chunks.
func (p *ScriptedProvider) Append(chunks []provider.Chunk) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = append(p.scripts, chunks)
}

// Name implements provider.Provider.
func (p *ScriptedProvider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "scripted"
}

func (p *ScriptedProvider) nextScript(req provider.Request) ([]provider.Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	if p.turn >= len(p.scripts) {
		return nil, fmt.Errorf("scripted provider exhausted after %d turns", p.turn)
	}
	chunks := p.scripts[p.turn]
	p.turn++
	return chunks, nil
}

// CreateResponse implements provider.Provider by collapsing the next
// script into a Response.
func (p *ScriptedProvider) CreateResponse(ctx context.Context, req provider.Request) (*provider.Response, error) {
	stream, err := p.CreateStreamingResponse(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	resp := &provider.Response{}
	args := make(map[string]string)
	names := make(map[string]string)
	var order []string
	for stream.Next() {
		switch c := stream.Current(); c.Kind {
		case provider.ChunkTextDelta:
			resp.Text += c.Text
		case provider.ChunkToolCallStart:
			names[c.CallID] = c.ToolName
			order = append(order, c.CallID)
		case provider.ChunkToolCallDelta:
			args[c.CallID] += c.ArgFragment
		case provider.ChunkEnd:
			resp.StopReason = c.StopReason
			if c.Usage != nil {
				resp.Usage = *c.Usage
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	for _, callID := range order {
		raw := args[callID]
		if raw == "" {
			raw = "{}"
		}
		resp.ToolCalls = append(resp.ToolCalls, provider.ToolCall{
			ID:        callID,
			Name:      names[callID],
			Arguments: []byte(raw),
		})
	}
	return resp, nil
}

// CreateStreamingResponse implements provider.Provider.
func (p *ScriptedProvider) CreateStreamingResponse(ctx context.Context, req provider.Request) (provider.Stream, error) {
	chunks, err := p.nextScript(req)
	if err != nil {
		return nil, err
	}
	return &scriptedStream{ctx: ctx, chunks: chunks}, nil
}

type scriptedStream struct {
	ctx    context.Context
	chunks []provider.Chunk
	pos    int
	err    error
	closed bool
}

func (s *scriptedStream) Next() bool {
	if s.closed || s.err != nil {
		return false
	}
	if err := s.ctx.Err(); err != nil {
		s.err = err
		return false
	}
	if s.pos >= len(s.chunks) {
		return false
	}
	s.pos++
	c := s.chunks[s.pos-1]
	if c.Kind == provider.ChunkError {
		s.err = c.Err
	}
	return true
}

func (s *scriptedStream) Current() provider.Chunk {
	return s.chunks[s.pos-1]
}

func (s *scriptedStream) Err() error { return s.err }

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

// Text returns a script that streams text and ends.
func Text(parts ...string) []provider.Chunk {
	chunks := make([]provider.Chunk, 0, len(parts)+1)
	for _, part := range parts {
		chunks = append(chunks, provider.Chunk{Kind: provider.ChunkTextDelta, Text: part})
	}
	chunks = append(chunks, provider.Chunk{
		Kind:       provider.ChunkEnd,
		StopReason: "end_turn",
		Usage:      &provider.Usage{InputTokens: 10, OutputTokens: 5},
	})
	return chunks
}

// ToolCall returns a script that requests one tool call and ends.
func ToolCall(callID, toolName, args string) []provider.Chunk {
	return []provider.Chunk{
		{Kind: provider.ChunkToolCallStart, CallID: callID, ToolName: toolName},
		{Kind: provider.ChunkToolCallDelta, CallID: callID, ArgFragment: args},
		{Kind: provider.ChunkToolCallEnd, CallID: callID},
		{Kind: provider.ChunkEnd, StopReason: "tool_use", Usage: &provider.Usage{InputTokens: 10, OutputTokens: 5}},
	}
}

// Failure returns a script that errors immediately.
func Failure(err error) []provider.Chunk {
	return []provider.Chunk{{Kind: provider.ChunkError, Err: err}}
}
