// Package agent drives provider turns against a single thread, mediating
// tool execution and recording every step as thread events.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lacehq/lace/internal/logging"
	"github.com/lacehq/lace/provider"
	"github.com/lacehq/lace/thread"
	"github.com/lacehq/lace/tool"
	"github.com/lacehq/lace/turnstate"
)

// ErrCancelled is returned when a turn ends due to cancellation.
var ErrCancelled = errors.New("turn cancelled")

// DefaultMaxRetries bounds provider retry attempts per turn.
const DefaultMaxRetries = 3

// DefaultIdleTimeout aborts a stream when no chunk arrives in the window.
// The failure is treated as transient.
const DefaultIdleTimeout = 60 * time.Second

const retryBaseDelay = 500 * time.Millisecond
const retryMaxDelay = 5 * time.Second

// Config configures an Agent.
type Config struct {
	ThreadID thread.ID
	Provider provider.Provider
	Model    string

	// SystemPrompt is combined with SYSTEM_PROMPT events from the thread.
	SystemPrompt string

	MaxTokens   int64
	Temperature *float64

	// History is the conversation window size. Zero means DefaultHistory.
	History int

	WorkingDirectory string
	Restrictions     []string

	// MaxRetries bounds transient stream retries per turn. Zero means
	// DefaultMaxRetries.
	MaxRetries int

	// IdleTimeout bounds the wait for the next stream chunk. Zero means
	// DefaultIdleTimeout.
	IdleTimeout time.Duration
}

// Agent owns one thread and runs turns against it. Exactly one turn is
// active at a time; concurrent SendMessage calls queue.
type Agent struct {
	cfg      Config
	threads  *thread.Manager
	registry *tool.Registry
	executor *tool.Executor
	log      *logging.Logger

	// turnMu serializes turns.
	turnMu sync.Mutex

	stateMu sync.RWMutex
	state   turnstate.State

	cancelMu   sync.Mutex
	cancelTurn context.CancelFunc

	// Turn-scoped fields, guarded by turnMu.
	sessionID thread.ID
	usage     provider.Usage
}

// New creates an Agent over an existing thread.
func New(cfg Config, threads *thread.Manager, registry *tool.Registry, executor *tool.Executor, log *logging.Logger) (*Agent, error) {
	if !cfg.ThreadID.IsValid() {
		return nil, fmt.Errorf("agent: invalid thread id %q", cfg.ThreadID)
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("agent: provider is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("agent: model is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &Agent{
		cfg:      cfg,
		threads:  threads,
		registry: registry,
		executor: executor,
		log:      logging.OrDefault(log),
		state:    turnstate.StateIdle,
	}, nil
}

// ThreadID returns the thread this agent owns.
func (a *Agent) ThreadID() thread.ID { return a.cfg.ThreadID }

// State returns the current turn state.
func (a *Agent) State() turnstate.State {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.state
}

func (a *Agent) setState(s turnstate.State) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if a.state != s && !a.state.CanTransitionTo(s) {
		a.log.Warn("irregular turn state transition",
			zap.String("thread_id", string(a.cfg.ThreadID)),
			zap.String("from", a.state.String()),
			zap.String("to", s.String()))
	}
	a.state = s
}

// Cancel aborts the active turn, if any. The in-flight stream is
// abandoned and outstanding tool calls are recorded as abandoned.
func (a *Agent) Cancel() {
	a.cancelMu.Lock()
	defer a.cancelMu.Unlock()
	if a.cancelTurn != nil {
		a.cancelTurn()
	}
}

// Session resolves the owning session from thread metadata. ok is false
// for orphan agents.
func (a *Agent) Session(ctx context.Context) (thread.ID, bool, error) {
	t, err := a.threads.GetThread(ctx, a.cfg.ThreadID)
	if err != nil {
		return "", false, err
	}
	sid := t.SessionID()
	if sid == "" {
		return "", false, nil
	}
	return thread.ID(sid), true, nil
}

// SendMessage appends the user message and runs one full turn: streaming,
// tool dispatch and event persistence. It blocks until the turn reaches a
// terminal state. Concurrent calls queue in arrival order.
func (a *Agent) SendMessage(ctx context.Context, text string) error {
	a.turnMu.Lock()
	defer a.turnMu.Unlock()

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.cancelMu.Lock()
	a.cancelTurn = cancel
	a.cancelMu.Unlock()
	defer func() {
		a.cancelMu.Lock()
		a.cancelTurn = nil
		a.cancelMu.Unlock()
	}()

	// Terminal states persist until the next turn begins.
	if a.State().IsTerminal() {
		a.setState(turnstate.StateIdle)
	}

	a.usage = provider.Usage{}
	if sid, ok, err := a.Session(ctx); err == nil && ok {
		a.sessionID = sid
	} else {
		a.sessionID = ""
	}

	a.setState(turnstate.StateRunning)
	if _, err := a.threads.AddEvent(ctx, a.cfg.ThreadID, thread.EventUserMessage, thread.MessageData(text)); err != nil {
		return a.fail(ctx, fmt.Errorf("record user message: %w", err))
	}

	return a.runTurn(turnCtx)
}

// runTurn loops stream rounds until the provider finishes a round without
// tool calls.
func (a *Agent) runTurn(ctx context.Context) error {
	retries := 0
	for {
		events, err := a.threads.GetEvents(ctx, a.cfg.ThreadID)
		if err != nil {
			return a.fail(ctx, fmt.Errorf("load history: %w", err))
		}
		system, messages := BuildWindow(events, a.cfg.History)
		if a.cfg.SystemPrompt != "" {
			if system == "" {
				system = a.cfg.SystemPrompt
			} else {
				system = a.cfg.SystemPrompt + "\n\n" + system
			}
		}

		req := provider.Request{
			Model:       a.cfg.Model,
			System:      system,
			Messages:    messages,
			Tools:       a.toolDefs(),
			MaxTokens:   a.cfg.MaxTokens,
			Temperature: a.cfg.Temperature,
		}

		stream, err := a.cfg.Provider.CreateStreamingResponse(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return a.cancelled(ctx)
			}
			if provider.Transient(err) && retries < a.cfg.MaxRetries {
				retries++
				if !a.backoff(ctx, retries) {
					return a.cancelled(ctx)
				}
				continue
			}
			return a.fail(ctx, fmt.Errorf("open stream: %w", err))
		}

		outcome, acc, err := a.consumeStream(ctx, stream)
		_ = stream.Close()

		if ctx.Err() != nil {
			return a.cancelled(ctx)
		}
		if err != nil {
			// Preserve partial output before deciding what to do next.
			if text := acc.TakeText(); text != "" {
				a.appendAgentMessage(ctx, text, nil)
			}
			if provider.Transient(err) && retries < a.cfg.MaxRetries {
				a.log.Warn("retrying after transient stream error",
					zap.String("thread_id", string(a.cfg.ThreadID)),
					zap.Int("attempt", retries+1),
					zap.Error(err))
				retries++
				if !a.backoff(ctx, retries) {
					return a.cancelled(ctx)
				}
				continue
			}
			return a.fail(ctx, fmt.Errorf("stream: %w", err))
		}
		if outcome.storageErr != nil {
			return a.fail(ctx, outcome.storageErr)
		}

		if outcome.executedTools {
			// Tool results extend the history; open the next round.
			continue
		}

		a.setState(turnstate.StateAppending)
		if text := acc.TakeText(); text != "" {
			meta := map[string]any{
				"usage": map[string]any{
					"inputTokens":  a.usage.InputTokens,
					"outputTokens": a.usage.OutputTokens,
				},
			}
			if outcome.stopReason != "" {
				meta["stop_reason"] = outcome.stopReason
			}
			a.appendAgentMessage(ctx, text, meta)
		}

		done := "turn complete"
		if outcome.stopReason != "" {
			done = fmt.Sprintf("turn complete (stop reason: %s)", outcome.stopReason)
		}
		a.appendLocal(ctx, done, "")
		a.setState(turnstate.StateDone)
		return nil
	}
}

// streamOutcome summarizes one stream round.
type streamOutcome struct {
	executedTools bool
	stopReason    string
	storageErr    error
}

// consumeStream pulls chunks with an idle timeout, dispatching completed
// tool calls as they arrive.
func (a *Agent) consumeStream(ctx context.Context, stream provider.Stream) (streamOutcome, *Accumulator, error) {
	var outcome streamOutcome
	acc := NewAccumulator()

	chunks := make(chan provider.Chunk)
	stop := make(chan struct{})
	var stopOnce sync.Once
	defer stopOnce.Do(func() { close(stop) })

	go func() {
		defer close(chunks)
		for stream.Next() {
			select {
			case chunks <- stream.Current():
			case <-stop:
				return
			}
		}
	}()

	idle := time.NewTimer(a.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return outcome, acc, ctx.Err()

		case <-idle.C:
			return outcome, acc, provider.MarkTransient(fmt.Errorf("no chunk within %v", a.cfg.IdleTimeout))

		case chunk, ok := <-chunks:
			if !ok {
				// Stream ended without an end chunk.
				return outcome, acc, stream.Err()
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(a.cfg.IdleTimeout)

			switch chunk.Kind {
			case provider.ChunkError:
				return outcome, acc, chunk.Err

			case provider.ChunkEnd:
				outcome.stopReason = chunk.StopReason
				if chunk.Usage != nil {
					a.usage.Add(*chunk.Usage)
				}
				return outcome, acc, nil

			case provider.ChunkToolCallEnd:
				call, complete := acc.Feed(chunk)
				if !complete {
					continue
				}
				// The idle timeout covers chunk gaps, not tool runtime.
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				err := a.dispatchCall(ctx, acc, call)
				idle.Reset(a.cfg.IdleTimeout)
				if err != nil {
					if ctx.Err() != nil {
						return outcome, acc, ctx.Err()
					}
					outcome.storageErr = err
					return outcome, acc, nil
				}
				outcome.executedTools = true

			default:
				acc.Feed(chunk)
			}
		}
	}
}

// dispatchCall persists the TOOL_CALL, executes it, and persists the
// result. A cancellation mid-execution records an abandonment note
// instead of a result.
func (a *Agent) dispatchCall(ctx context.Context, acc *Accumulator, call tool.Call) error {
	if text := acc.TakeText(); text != "" {
		if err := a.appendAgentMessage(ctx, text, nil); err != nil {
			return err
		}
	}

	a.setState(turnstate.StateAppending)
	_, err := a.threads.AddEvent(ctx, a.cfg.ThreadID, thread.EventToolCall, thread.EventData{
		Call: &thread.ToolCallData{ID: call.ID, Name: call.Name, Arguments: call.Arguments},
	})
	if err != nil {
		return fmt.Errorf("record tool call %s: %w", call.ID, err)
	}
	a.setState(turnstate.StateRunning)

	tc := &tool.Context{
		WorkingDirectory: a.cfg.WorkingDirectory,
		ThreadID:         a.cfg.ThreadID,
		SessionID:        a.sessionID,
		Restrictions:     a.cfg.Restrictions,
		OnApprovalWait:   func() { a.setState(turnstate.StateWaitingForApproval) },
		OnExecuteStart:   func() { a.setState(turnstate.StateWaitingForTool) },
	}

	result := a.executor.Execute(ctx, call, tc)

	if ctx.Err() != nil {
		// The call is outstanding; record abandonment instead of a result.
		noteCtx := context.WithoutCancel(ctx)
		if _, err := a.threads.AddEvent(noteCtx, a.cfg.ThreadID, thread.EventLocalSystem, thread.EventData{
			Message: fmt.Sprintf("tool %s abandoned due to cancellation", call.Name),
			CallID:  call.ID,
		}); err != nil {
			a.log.Error("recording tool abandonment failed",
				zap.String("thread_id", string(a.cfg.ThreadID)),
				zap.String("call_id", call.ID),
				zap.Error(err))
		}
		return ctx.Err()
	}

	a.setState(turnstate.StateAppending)
	_, err = a.threads.AddEvent(ctx, a.cfg.ThreadID, thread.EventToolResult, thread.EventData{
		Result: &thread.ToolResultData{
			CallID:   call.ID,
			IsError:  result.IsError,
			Content:  result.Content,
			Metadata: result.Metadata,
		},
	})
	if err != nil {
		return fmt.Errorf("record tool result %s: %w", call.ID, err)
	}
	a.setState(turnstate.StateRunning)
	return nil
}

func (a *Agent) toolDefs() []provider.ToolDef {
	if a.registry == nil {
		return nil
	}
	tools := a.registry.All()
	defs := make([]provider.ToolDef, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, provider.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return defs
}

func (a *Agent) appendAgentMessage(ctx context.Context, text string, metadata map[string]any) error {
	a.setState(turnstate.StateAppending)
	_, err := a.threads.AddEvent(ctx, a.cfg.ThreadID, thread.EventAgentMessage, thread.EventData{
		Message:  text,
		Metadata: metadata,
	})
	if err != nil {
		a.log.Error("flushing agent message failed",
			zap.String("thread_id", string(a.cfg.ThreadID)),
			zap.Error(err))
		return fmt.Errorf("flush agent message: %w", err)
	}
	a.setState(turnstate.StateRunning)
	return nil
}

// appendLocal records a LOCAL_SYSTEM_MESSAGE, surviving a cancelled ctx.
func (a *Agent) appendLocal(ctx context.Context, message, callID string) {
	noteCtx := context.WithoutCancel(ctx)
	if _, err := a.threads.AddEvent(noteCtx, a.cfg.ThreadID, thread.EventLocalSystem, thread.EventData{
		Message: message,
		CallID:  callID,
	}); err != nil {
		a.log.Error("recording local system message failed",
			zap.String("thread_id", string(a.cfg.ThreadID)),
			zap.Error(err))
	}
}

func (a *Agent) fail(ctx context.Context, cause error) error {
	a.appendLocal(ctx, fmt.Sprintf("turn failed: %v", cause), "")
	a.setState(turnstate.StateFailed)
	return cause
}

func (a *Agent) cancelled(ctx context.Context) error {
	a.appendLocal(ctx, "turn cancelled", "")
	a.setState(turnstate.StateCancelled)
	return ErrCancelled
}

// backoff sleeps with capped exponential delay. Returns false when ctx
// is cancelled first.
func (a *Agent) backoff(ctx context.Context, attempt int) bool {
	delay := retryBaseDelay << (attempt - 1)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
