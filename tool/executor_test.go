package tool

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lacehq/lace/approval"
)

// stubTool is a configurable Tool for executor tests.
type stubTool struct {
	name   string
	schema Schema
	ann    Annotations
	fn     func(ctx context.Context, call Call, tc *Context) Result
}

func (s *stubTool) Name() string             { return s.name }
func (s *stubTool) Description() string      { return "stub tool" }
func (s *stubTool) Schema() Schema           { return s.schema }
func (s *stubTool) Annotations() Annotations { return s.ann }
func (s *stubTool) Execute(ctx context.Context, call Call, tc *Context) Result {
	return s.fn(ctx, call, tc)
}

func echoTool(name string, ann Annotations) *stubTool {
	return &stubTool{
		name: name,
		schema: Schema{
			Type:       "object",
			Properties: map[string]Property{"text": {Type: "string"}},
			Required:   []string{"text"},
		},
		ann: ann,
		fn: func(_ context.Context, call Call, _ *Context) Result {
			var args struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(call.Arguments, &args); err != nil {
				return ErrorResult("bad args: %s", err)
			}
			return TextResult(args.Text)
		},
	}
}

func allowAll() *approval.Manager {
	return approval.NewManager(approval.FuncBroker(func(context.Context, *approval.Request) (approval.Decision, error) {
		return approval.DecisionAllowOnce, nil
	}), nil)
}

func TestExecutorUnknownTool(t *testing.T) {
	e := NewExecutor(NewRegistry(), allowAll(), ExecutorConfig{}, nil)
	res := e.Execute(context.Background(), Call{ID: "c1", Name: "nope", Arguments: json.RawMessage(`{}`)}, nil)
	if !res.IsError {
		t.Fatal("unknown tool should produce an error result")
	}
	if !strings.Contains(res.Text(), "unknown tool") {
		t.Errorf("result text = %q", res.Text())
	}
}

func TestExecutorValidation(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoTool("echo", Annotations{ReadOnlyHint: true})); err != nil {
		t.Fatal(err)
	}
	e := NewExecutor(reg, allowAll(), ExecutorConfig{}, nil)

	res := e.Execute(context.Background(), Call{ID: "c1", Name: "echo", Arguments: json.RawMessage(`{}`)}, nil)
	if !res.IsError {
		t.Fatal("missing required arg should produce an error result")
	}
	if !strings.Contains(res.Text(), "missing required field: text") {
		t.Errorf("result text = %q", res.Text())
	}

	res = e.Execute(context.Background(), Call{ID: "c2", Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`)}, nil)
	if res.IsError {
		t.Fatalf("valid call failed: %s", res.Text())
	}
	if res.Text() != "hi" {
		t.Errorf("result = %q, want %q", res.Text(), "hi")
	}
}

func TestExecutorPolicyGating(t *testing.T) {
	readOnly := echoTool("reader", Annotations{ReadOnlyHint: true})
	destructive := echoTool("nuke", Annotations{DestructiveHint: true})

	reg := NewRegistry()
	if err := reg.RegisterAll(readOnly, destructive); err != nil {
		t.Fatal(err)
	}

	var brokerCalls int32
	approvals := approval.NewManager(approval.FuncBroker(func(_ context.Context, req *approval.Request) (approval.Decision, error) {
		atomic.AddInt32(&brokerCalls, 1)
		if req.ToolName == "nuke" {
			return approval.DecisionDeny, nil
		}
		return approval.DecisionAllowOnce, nil
	}), nil)

	e := NewExecutor(reg, approvals, ExecutorConfig{
		Policies: Policies{"nuke": PolicyRequireApproval},
	}, nil)
	args := json.RawMessage(`{"text":"go"}`)

	// Read-only defaults to allow: no broker round trip.
	res := e.Execute(context.Background(), Call{ID: "c1", Name: "reader", Arguments: args}, nil)
	if res.IsError {
		t.Fatalf("reader failed: %s", res.Text())
	}
	if n := atomic.LoadInt32(&brokerCalls); n != 0 {
		t.Errorf("broker consulted %d times for allowed tool", n)
	}

	// Require-approval consults the broker, which denies.
	res = e.Execute(context.Background(), Call{ID: "c2", Name: "nuke", Arguments: args}, nil)
	if !res.IsError {
		t.Fatal("denied tool should produce an error result")
	}
	if !strings.Contains(res.Text(), "denied") {
		t.Errorf("result text = %q", res.Text())
	}
	if n := atomic.LoadInt32(&brokerCalls); n != 1 {
		t.Errorf("broker consulted %d times, want 1", n)
	}

	// A hard deny policy never reaches the broker.
	e.SetPolicies(Policies{"reader": PolicyDeny})
	res = e.Execute(context.Background(), Call{ID: "c3", Name: "reader", Arguments: args}, nil)
	if !res.IsError || !strings.Contains(res.Text(), "denied by policy") {
		t.Errorf("policy deny result = %q", res.Text())
	}
	if n := atomic.LoadInt32(&brokerCalls); n != 1 {
		t.Errorf("broker consulted %d times after policy deny, want 1", n)
	}
}

// Exercises SetPolicies against in-flight executions; the race detector
// flags unguarded policy reads here.
func TestExecutorSetPoliciesConcurrent(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoTool("reader", Annotations{ReadOnlyHint: true})); err != nil {
		t.Fatal(err)
	}
	e := NewExecutor(reg, allowAll(), ExecutorConfig{}, nil)
	args := json.RawMessage(`{"text":"go"}`)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					e.Execute(context.Background(), Call{ID: "c1", Name: "reader", Arguments: args}, nil)
				}
			}
		}()
	}

	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			e.SetPolicies(Policies{"reader": PolicyAllow})
		} else {
			e.SetPolicies(nil)
		}
	}
	close(done)
	wg.Wait()

	// The last table wins for subsequent calls.
	e.SetPolicies(Policies{"reader": PolicyDeny})
	res := e.Execute(context.Background(), Call{ID: "c2", Name: "reader", Arguments: args}, nil)
	if !res.IsError || !strings.Contains(res.Text(), "denied by policy") {
		t.Errorf("result after final SetPolicies = %q", res.Text())
	}
}

func TestExecutorSessionApprovalCaching(t *testing.T) {
	tool := echoTool("bash", Annotations{DestructiveHint: true})
	reg := NewRegistry()
	if err := reg.Register(tool); err != nil {
		t.Fatal(err)
	}

	var brokerCalls int32
	approvals := approval.NewManager(approval.FuncBroker(func(context.Context, *approval.Request) (approval.Decision, error) {
		atomic.AddInt32(&brokerCalls, 1)
		return approval.DecisionAllowSession, nil
	}), nil)

	e := NewExecutor(reg, approvals, ExecutorConfig{}, nil)
	tc := &Context{SessionID: "lace_20250101_abc123", ThreadID: "lace_20250101_abc123"}
	args := json.RawMessage(`{"text":"ls"}`)

	for i := 0; i < 3; i++ {
		res := e.Execute(context.Background(), Call{ID: "c1", Name: "bash", Arguments: args}, tc)
		if res.IsError {
			t.Fatalf("call %d failed: %s", i, res.Text())
		}
	}
	if n := atomic.LoadInt32(&brokerCalls); n != 1 {
		t.Errorf("broker consulted %d times, want 1 (allow_session cached)", n)
	}
}

func TestExecutorRecoversPanics(t *testing.T) {
	panicky := &stubTool{
		name:   "panicky",
		schema: Schema{Type: "object", Properties: map[string]Property{}},
		ann:    Annotations{ReadOnlyHint: true},
		fn: func(context.Context, Call, *Context) Result {
			panic("boom")
		},
	}
	reg := NewRegistry()
	if err := reg.Register(panicky); err != nil {
		t.Fatal(err)
	}
	e := NewExecutor(reg, allowAll(), ExecutorConfig{}, nil)

	res := e.Execute(context.Background(), Call{ID: "c1", Name: "panicky", Arguments: json.RawMessage(`{}`)}, nil)
	if !res.IsError {
		t.Fatal("panic should surface as an error result")
	}
	if !strings.Contains(res.Text(), "panicked") {
		t.Errorf("result text = %q", res.Text())
	}
}

func TestExecutorTimeout(t *testing.T) {
	slow := &stubTool{
		name:   "slow",
		schema: Schema{Type: "object", Properties: map[string]Property{}},
		ann:    Annotations{ReadOnlyHint: true},
		fn: func(ctx context.Context, _ Call, _ *Context) Result {
			<-ctx.Done()
			return TextResult("finished anyway")
		},
	}
	reg := NewRegistry()
	if err := reg.Register(slow); err != nil {
		t.Fatal(err)
	}
	e := NewExecutor(reg, allowAll(), ExecutorConfig{Timeout: 10 * time.Millisecond}, nil)

	res := e.Execute(context.Background(), Call{ID: "c1", Name: "slow", Arguments: json.RawMessage(`{}`)}, nil)
	if !res.IsError {
		t.Fatal("timed-out tool should produce an error result")
	}
	if !strings.Contains(res.Text(), "timed out") {
		t.Errorf("result text = %q", res.Text())
	}
}
