package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lacehq/lace/internal/testutil"
	"github.com/lacehq/lace/provider"
	"github.com/lacehq/lace/thread"
	"github.com/lacehq/lace/tool"
	"github.com/lacehq/lace/turnstate"
)

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes its input" }
func (echoTool) Schema() tool.Schema {
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.Property{
			"text": {Type: "string"},
		},
		Required: []string{"text"},
	}
}
func (echoTool) Annotations() tool.Annotations {
	return tool.Annotations{ReadOnlyHint: true}
}
func (echoTool) Execute(_ context.Context, call tool.Call, _ *tool.Context) tool.Result {
	var args struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return tool.ErrorResult("bad arguments: %s", err)
	}
	return tool.TextResult(args.Text)
}

// blockTool runs until its context is cancelled.
type blockTool struct{}

func (blockTool) Name() string        { return "block" }
func (blockTool) Description() string { return "blocks until cancelled" }
func (blockTool) Schema() tool.Schema { return tool.Schema{Type: "object"} }
func (blockTool) Annotations() tool.Annotations {
	return tool.Annotations{ReadOnlyHint: true}
}
func (blockTool) Execute(ctx context.Context, _ tool.Call, _ *tool.Context) tool.Result {
	<-ctx.Done()
	return tool.ErrorResult("interrupted")
}

type agentFixture struct {
	agent    *Agent
	threads  *thread.Manager
	provider *testutil.ScriptedProvider
	threadID thread.ID
}

func newAgentFixture(t *testing.T, p *testutil.ScriptedProvider, metadata map[string]any) *agentFixture {
	t.Helper()

	threads := thread.NewManager(testutil.NewMemStore(), nil)
	t.Cleanup(threads.Close)

	tid := threads.GenerateThreadID()
	if _, err := threads.CreateThread(context.Background(), tid, nil, metadata); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	registry := tool.NewRegistry()
	if err := registry.RegisterAll(echoTool{}, blockTool{}); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	executor := tool.NewExecutor(registry, nil, tool.ExecutorConfig{
		Policies: tool.Policies{"echo": tool.PolicyAllow, "block": tool.PolicyAllow},
	}, nil)

	a, err := New(Config{
		ThreadID: tid,
		Provider: p,
		Model:    "test-model",
	}, threads, registry, executor, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &agentFixture{agent: a, threads: threads, provider: p, threadID: tid}
}

func (f *agentFixture) events(t *testing.T) []*thread.Event {
	t.Helper()
	events, err := f.threads.GetEvents(context.Background(), f.threadID)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	return events
}

func eventTypes(events []*thread.Event) []thread.EventType {
	types := make([]thread.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestAgentTextTurn(t *testing.T) {
	p := testutil.NewScriptedProvider(testutil.Text("Hello ", "world"))
	f := newAgentFixture(t, p, nil)

	if err := f.agent.SendMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got := f.agent.State(); got != turnstate.StateDone {
		t.Fatalf("state = %s, want %s", got, turnstate.StateDone)
	}

	events := f.events(t)
	want := []thread.EventType{thread.EventUserMessage, thread.EventAgentMessage, thread.EventLocalSystem}
	if len(events) != len(want) {
		t.Fatalf("event types = %v, want %v", eventTypes(events), want)
	}
	for i, typ := range want {
		if events[i].Type != typ {
			t.Fatalf("event[%d] = %s, want %s", i, events[i].Type, typ)
		}
	}
	if events[1].Data.Message != "Hello world" {
		t.Fatalf("agent message = %q", events[1].Data.Message)
	}
	usage, ok := events[1].Data.Metadata["usage"].(map[string]any)
	if !ok {
		t.Fatalf("agent message metadata = %v, want usage", events[1].Data.Metadata)
	}
	if usage["outputTokens"] != int64(5) {
		t.Fatalf("outputTokens = %v, want 5", usage["outputTokens"])
	}
	if !strings.Contains(events[2].Data.Message, "turn complete") {
		t.Fatalf("terminal message = %q", events[2].Data.Message)
	}
}

func TestAgentToolRound(t *testing.T) {
	p := testutil.NewScriptedProvider(
		testutil.ToolCall("call_1", "echo", `{"text":"hi there"}`),
		testutil.Text("done"),
	)
	f := newAgentFixture(t, p, nil)

	if err := f.agent.SendMessage(context.Background(), "say hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	events := f.events(t)
	want := []thread.EventType{
		thread.EventUserMessage,
		thread.EventToolCall,
		thread.EventToolResult,
		thread.EventAgentMessage,
		thread.EventLocalSystem,
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event types = %v, want %v", got, want)
		}
	}

	call := events[1].Data.Call
	if call == nil || call.ID != "call_1" || call.Name != "echo" {
		t.Fatalf("tool call = %+v", call)
	}
	result := events[2].Data.Result
	if result == nil || result.CallID != "call_1" || result.IsError {
		t.Fatalf("tool result = %+v", result)
	}
	if result.ResultText() != "hi there" {
		t.Fatalf("result text = %q", result.ResultText())
	}

	if len(p.Requests) != 2 {
		t.Fatalf("provider requests = %d, want 2", len(p.Requests))
	}
	second := p.Requests[1].Messages
	hasResult := false
	for _, msg := range second {
		if len(msg.ToolResults) > 0 && msg.ToolResults[0].CallID == "call_1" {
			hasResult = true
		}
	}
	if !hasResult {
		t.Fatal("second request must carry the tool result")
	}
}

func TestAgentRetriesTransientStreamError(t *testing.T) {
	p := testutil.NewScriptedProvider(
		testutil.Failure(provider.MarkTransient(errors.New("connection reset"))),
		testutil.Text("recovered"),
	)
	f := newAgentFixture(t, p, nil)

	if err := f.agent.SendMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(p.Requests) != 2 {
		t.Fatalf("provider requests = %d, want 2", len(p.Requests))
	}

	events := f.events(t)
	last := events[len(events)-2]
	if last.Type != thread.EventAgentMessage || last.Data.Message != "recovered" {
		t.Fatalf("event = %s %q", last.Type, last.Data.Message)
	}
}

func TestAgentFatalStreamError(t *testing.T) {
	p := testutil.NewScriptedProvider(testutil.Failure(errors.New("invalid request")))
	f := newAgentFixture(t, p, nil)

	err := f.agent.SendMessage(context.Background(), "hi")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := f.agent.State(); got != turnstate.StateFailed {
		t.Fatalf("state = %s, want %s", got, turnstate.StateFailed)
	}

	events := f.events(t)
	last := events[len(events)-1]
	if last.Type != thread.EventLocalSystem || !strings.Contains(last.Data.Message, "turn failed") {
		t.Fatalf("last event = %s %q", last.Type, last.Data.Message)
	}
}

func TestAgentCancelDuringToolExecution(t *testing.T) {
	p := testutil.NewScriptedProvider(testutil.ToolCall("c42", "block", `{}`))
	f := newAgentFixture(t, p, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	var turnErr error
	go func() {
		defer wg.Done()
		turnErr = f.agent.SendMessage(context.Background(), "run it")
	}()

	deadline := time.Now().Add(2 * time.Second)
	for f.agent.State() != turnstate.StateWaitingForTool {
		if time.Now().After(deadline) {
			t.Fatalf("agent never reached %s, state = %s", turnstate.StateWaitingForTool, f.agent.State())
		}
		time.Sleep(time.Millisecond)
	}

	f.agent.Cancel()
	wg.Wait()

	if !errors.Is(turnErr, ErrCancelled) {
		t.Fatalf("SendMessage error = %v, want ErrCancelled", turnErr)
	}
	if got := f.agent.State(); got != turnstate.StateCancelled {
		t.Fatalf("state = %s, want %s", got, turnstate.StateCancelled)
	}

	events := f.events(t)
	var sawCall, sawAbandonment, sawResult bool
	for _, ev := range events {
		switch ev.Type {
		case thread.EventToolCall:
			if ev.Data.Call != nil && ev.Data.Call.ID == "c42" {
				sawCall = true
			}
		case thread.EventToolResult:
			sawResult = true
		case thread.EventLocalSystem:
			if ev.Data.CallID == "c42" {
				sawAbandonment = true
			}
		}
	}
	if !sawCall {
		t.Fatal("missing TOOL_CALL for c42")
	}
	if !sawAbandonment {
		t.Fatal("missing abandonment message referencing c42")
	}
	if sawResult {
		t.Fatal("abandoned call must not have a TOOL_RESULT")
	}
}

// hangingProvider returns streams that never produce a chunk.
type hangingProvider struct{}

func (hangingProvider) Name() string { return "hanging" }

func (hangingProvider) CreateResponse(context.Context, provider.Request) (*provider.Response, error) {
	return nil, errors.New("not implemented")
}

func (hangingProvider) CreateStreamingResponse(ctx context.Context, _ provider.Request) (provider.Stream, error) {
	return &hangingStream{ctx: ctx}, nil
}

type hangingStream struct{ ctx context.Context }

func (s *hangingStream) Next() bool {
	<-s.ctx.Done()
	return false
}
func (s *hangingStream) Current() provider.Chunk { return provider.Chunk{} }
func (s *hangingStream) Err() error              { return s.ctx.Err() }
func (s *hangingStream) Close() error            { return nil }

func TestAgentIdleTimeout(t *testing.T) {
	threads := thread.NewManager(testutil.NewMemStore(), nil)
	t.Cleanup(threads.Close)
	tid := threads.GenerateThreadID()
	if _, err := threads.CreateThread(context.Background(), tid, nil, nil); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	a, err := New(Config{
		ThreadID:    tid,
		Provider:    hangingProvider{},
		Model:       "test-model",
		MaxRetries:  1,
		IdleTimeout: 20 * time.Millisecond,
	}, threads, tool.NewRegistry(), tool.NewExecutor(tool.NewRegistry(), nil, tool.ExecutorConfig{}, nil), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = a.SendMessage(context.Background(), "hi")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "no chunk within") {
		t.Fatalf("error = %v, want idle timeout", err)
	}
	if got := a.State(); got != turnstate.StateFailed {
		t.Fatalf("state = %s, want %s", got, turnstate.StateFailed)
	}
}

func TestAgentSessionFromMetadata(t *testing.T) {
	p := testutil.NewScriptedProvider()
	f := newAgentFixture(t, p, map[string]any{"session_id": "lace_20250101_sess01"})

	sid, ok, err := f.agent.Session(context.Background())
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if !ok || sid != "lace_20250101_sess01" {
		t.Fatalf("session = %q ok=%v", sid, ok)
	}
}

func TestAgentCombinesSystemPrompts(t *testing.T) {
	p := testutil.NewScriptedProvider(testutil.Text("ok"))
	f := newAgentFixture(t, p, nil)
	f.agent.cfg.SystemPrompt = "be terse"

	if _, err := f.threads.AddEvent(context.Background(), f.threadID, thread.EventSystemPrompt, thread.MessageData("you are lace")); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if err := f.agent.SendMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	system := p.Requests[0].System
	if !strings.Contains(system, "be terse") || !strings.Contains(system, "you are lace") {
		t.Fatalf("system = %q", system)
	}
}
