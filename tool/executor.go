package tool

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lacehq/lace/approval"
	"github.com/lacehq/lace/internal/logging"
)

// DefaultPoolSize bounds concurrent tool executions per executor.
const DefaultPoolSize = 4

// DefaultTimeout bounds a single tool execution.
const DefaultTimeout = 2 * time.Minute

// ExecutorConfig tunes an Executor.
type ExecutorConfig struct {
	// Policies maps tool name to policy. Missing entries fall back to
	// the annotation-derived default.
	Policies Policies

	// PoolSize bounds concurrent executions. Zero means DefaultPoolSize.
	PoolSize int64

	// Timeout bounds one execution. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Executor dispatches tool calls through validation, policy and approval
// gating. All failures come back as error Results; Execute never panics
// and never returns a Go error to the streaming loop.
type Executor struct {
	registry  *Registry
	validator *Validator
	approvals *approval.Manager
	sem       *semaphore.Weighted
	timeout   time.Duration
	log       *logging.Logger

	// policyMu guards policies against SetPolicies racing in-flight
	// executions.
	policyMu sync.RWMutex
	policies Policies
}

// NewExecutor creates an executor over the given registry. approvals may
// be nil, in which case require-approval resolves to denial.
func NewExecutor(registry *Registry, approvals *approval.Manager, cfg ExecutorConfig, log *logging.Logger) *Executor {
	pool := cfg.PoolSize
	if pool <= 0 {
		pool = DefaultPoolSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{
		registry:  registry,
		validator: NewValidator(),
		approvals: approvals,
		policies:  cfg.Policies,
		sem:       semaphore.NewWeighted(pool),
		timeout:   timeout,
		log:       logging.OrDefault(log),
	}
}

// SetPolicies replaces the executor's policy table. Called when the
// session config changes.
func (e *Executor) SetPolicies(p Policies) {
	e.policyMu.Lock()
	e.policies = p
	e.policyMu.Unlock()
}

func (e *Executor) effectivePolicy(name string, ann Annotations) Policy {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	return e.policies.Effective(name, ann)
}

// WithPolicies returns a view of the executor with a different policy
// table. The registry, approval cache and execution pool are shared, so
// per-agent policy overrides still draw from the session's pool.
func (e *Executor) WithPolicies(p Policies) *Executor {
	return &Executor{
		registry:  e.registry,
		validator: e.validator,
		approvals: e.approvals,
		sem:       e.sem,
		timeout:   e.timeout,
		log:       e.log,
		policies:  p,
	}
}

// Execute runs one tool call end to end.
func (e *Executor) Execute(ctx context.Context, call Call, tc *Context) Result {
	t, ok := e.registry.Get(call.Name)
	if !ok {
		return ErrorResult("%s: %s", ErrUnknownTool, call.Name)
	}

	if err := e.validator.Validate(t.Schema(), call.Arguments); err != nil {
		return ErrorResult("invalid arguments for %s: %s", call.Name, err)
	}

	ann := t.Annotations()
	switch e.effectivePolicy(call.Name, ann) {
	case PolicyDeny:
		return ErrorResult("%s: tool %s is denied by policy", approval.ErrDenied, call.Name)
	case PolicyRequireApproval:
		if tc != nil && tc.OnApprovalWait != nil {
			tc.OnApprovalWait()
		}
		if res, allowed := e.requestApproval(ctx, call, t, tc); !allowed {
			return res
		}
	}

	if tc != nil && tc.OnExecuteStart != nil {
		tc.OnExecuteStart()
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return ErrorResult("tool %s not started: %s", call.Name, err)
	}
	defer e.sem.Release(1)

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	result := e.run(execCtx, t, call, tc)

	if err := execCtx.Err(); err != nil && !result.IsError {
		if err == context.DeadlineExceeded {
			result = ErrorResult("tool %s timed out after %v", call.Name, e.timeout)
		} else {
			result = ErrorResult("tool %s cancelled", call.Name)
		}
	}

	e.log.Debug("tool executed",
		zap.String("tool", call.Name),
		zap.String("call_id", call.ID),
		zap.Bool("is_error", result.IsError),
		zap.Duration("duration", time.Since(start)))
	return result
}

// requestApproval consults the broker. The second return is true when
// execution may proceed; otherwise the first return is the error Result
// to record.
func (e *Executor) requestApproval(ctx context.Context, call Call, t Tool, tc *Context) (Result, bool) {
	if e.approvals == nil {
		return ErrorResult("%s: no approval broker configured for %s", approval.ErrDenied, call.Name), false
	}

	ann := t.Annotations()
	req := &approval.Request{
		CallID:      call.ID,
		ToolName:    call.Name,
		Description: t.Description(),
		Arguments:   call.Arguments,
		ReadOnly:    ann.ReadOnlyHint,
		Destructive: ann.DestructiveHint,
	}
	if tc != nil {
		req.SessionID = tc.SessionID.String()
		req.ThreadID = tc.ThreadID.String()
	}

	decision, err := e.approvals.Request(ctx, req)
	if err != nil {
		return ErrorResult("%s: %s", approval.ErrDenied, err), false
	}
	if !decision.Allows() {
		return ErrorResult("%s: tool %s", approval.ErrDenied, call.Name), false
	}
	return Result{}, true
}

// run invokes the tool, converting panics into error Results.
func (e *Executor) run(ctx context.Context, t Tool, call Call, tc *Context) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("tool panicked",
				zap.String("tool", call.Name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			result = ErrorResult("tool %s panicked: %v", call.Name, r)
		}
	}()
	return t.Execute(ctx, call, tc)
}
