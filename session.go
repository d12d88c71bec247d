package lace

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lacehq/lace/agent"
	"github.com/lacehq/lace/approval"
	"github.com/lacehq/lace/provider"
	"github.com/lacehq/lace/task"
	"github.com/lacehq/lace/thread"
	"github.com/lacehq/lace/tool"
	"github.com/lacehq/lace/tool/builtin"
)

// DefaultToolPoolSize bounds concurrent tool executions per session.
const DefaultToolPoolSize = 4

// Session groups threads under one project: a root thread for the main
// agent, delegate threads spawned by tasks, a shared task list, an
// approval cache and the builtin tool set.
type Session struct {
	project  *Project
	client   *Client
	id       thread.ID
	cfg      SessionConfig
	settings Settings

	tasks     *task.Manager
	approvals *approval.Manager
	registry  *tool.Registry
	executor  *tool.Executor

	mu     sync.Mutex
	agents map[thread.ID]*agent.Agent
	closed bool
	wg     sync.WaitGroup
}

func newSession(ctx context.Context, p *Project, cfg SessionConfig) (*Session, error) {
	c := p.client
	settings := p.cfg.Settings.Merge(cfg.Settings)

	rootID := c.threads.GenerateThreadID()
	metadata := map[string]any{
		"session_id": rootID.String(),
		"is_session": true,
	}
	if cfg.Name != "" {
		metadata["name"] = cfg.Name
	}
	if _, err := c.threads.CreateThread(ctx, rootID, nil, metadata); err != nil {
		return nil, NewRuntimeError("NewSession", err)
	}

	s := &Session{
		project:   p,
		client:    c,
		id:        rootID,
		cfg:       cfg,
		settings:  settings,
		approvals: approval.NewManager(c.broker, c.log),
		agents:    make(map[thread.ID]*agent.Agent),
	}
	s.tasks = task.NewManager(rootID, c.store, s.spawnDelegate, c.log)

	registry, err := s.buildRegistry()
	if err != nil {
		return nil, err
	}
	s.registry = registry
	s.executor = tool.NewExecutor(registry, s.approvals, tool.ExecutorConfig{
		Policies: tool.Policies(settings.ToolPolicies),
		PoolSize: DefaultToolPoolSize,
	}, c.log)

	return s, nil
}

// buildRegistry registers the builtin tools, honoring the session's
// tools whitelist.
func (s *Session) buildRegistry() (*tool.Registry, error) {
	all := []tool.Tool{
		builtin.Bash{},
		builtin.FileRead{},
		builtin.FileWrite{},
		builtin.FileList{},
	}
	all = append(all, builtin.TaskTools(s.tasks)...)

	delegate := builtin.Delegate{Tasks: s.tasks}
	if s.settings.Provider != "" && s.settings.Model != "" {
		delegate.DefaultSpec = s.settings.Provider + "/" + s.settings.Model
	}
	all = append(all, delegate)

	var allowed map[string]bool
	if s.settings.Tools != nil {
		allowed = make(map[string]bool, len(s.settings.Tools))
		for _, name := range s.settings.Tools {
			allowed[name] = true
		}
	}

	registry := tool.NewRegistry()
	for _, t := range all {
		if allowed != nil && !allowed[t.Name()] {
			continue
		}
		if err := registry.Register(t); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return registry, nil
}

// ID returns the session's root thread id.
func (s *Session) ID() thread.ID { return s.id }

// Tasks returns the session's task manager.
func (s *Session) Tasks() *task.Manager { return s.tasks }

// Registry returns the session's tool registry.
func (s *Session) Registry() *tool.Registry { return s.registry }

// EffectiveSettings resolves the project → session → agent chain for
// the given agent overrides.
func (s *Session) EffectiveSettings(cfg AgentConfig) Settings {
	return s.settings.Merge(cfg.Settings)
}

// Agent returns the session's main agent, bound to the root thread.
// Repeated calls return the same agent; cfg is honored on first call.
func (s *Session) Agent(ctx context.Context, cfg AgentConfig) (*agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if a, ok := s.agents[s.id]; ok {
		return a, nil
	}
	a, err := s.newAgentLocked(ctx, s.id, s.settings.Merge(cfg.Settings))
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newAgentLocked constructs and registers an agent for threadID. The
// session mutex must be held.
func (s *Session) newAgentLocked(ctx context.Context, threadID thread.ID, settings Settings) (*agent.Agent, error) {
	if settings.Provider == "" || settings.Model == "" {
		return nil, fmt.Errorf("%w: provider and model are required", ErrInvalidConfig)
	}
	prov, err := s.client.providers.Get(settings.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := s.ensurePrompts(ctx, threadID, settings.SystemPrompt); err != nil {
		return nil, err
	}

	executor := s.executor
	if len(settings.ToolPolicies) > 0 {
		executor = s.executor.WithPolicies(tool.Policies(settings.ToolPolicies))
	}

	a, err := agent.New(agent.Config{
		ThreadID:         threadID,
		Provider:         prov,
		Model:            settings.Model,
		MaxTokens:        settings.MaxTokens,
		Temperature:      settings.Temperature,
		History:          settings.ConversationHistory,
		WorkingDirectory: s.project.cfg.WorkingDirectory,
		Restrictions:     settings.Restrictions,
	}, s.client.threads, s.registry, executor, s.client.log)
	if err != nil {
		return nil, err
	}
	s.agents[threadID] = a
	return a, nil
}

// ensurePrompts appends the SYSTEM_PROMPT and USER_SYSTEM_PROMPT events
// once per thread, before its first turn.
func (s *Session) ensurePrompts(ctx context.Context, threadID thread.ID, systemPrompt string) error {
	events, err := s.client.threads.GetEvents(ctx, threadID)
	if err != nil {
		return NewRuntimeErrorWithThread("ensurePrompts", threadID, err)
	}
	for _, ev := range events {
		if ev.Type == thread.EventSystemPrompt || ev.Type == thread.EventUserSystemPrompt {
			return nil
		}
	}
	if systemPrompt != "" {
		if _, err := s.client.threads.AddEvent(ctx, threadID, thread.EventSystemPrompt, thread.MessageData(systemPrompt)); err != nil {
			return NewRuntimeErrorWithThread("ensurePrompts", threadID, err)
		}
	}
	if s.client.userInstructions != "" {
		if _, err := s.client.threads.AddEvent(ctx, threadID, thread.EventUserSystemPrompt, thread.MessageData(s.client.userInstructions)); err != nil {
			return NewRuntimeErrorWithThread("ensurePrompts", threadID, err)
		}
	}
	return nil
}

// spawnDelegate creates a delegate thread and agent for a task assigned
// to new:provider/model, and starts its first turn with the task prompt.
// Injected into the task manager.
func (s *Session) spawnDelegate(ctx context.Context, t *task.Task, spec provider.Spec) (thread.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrSessionClosed
	}

	delegateID, err := s.client.threads.GenerateDelegateThreadID(ctx, s.id)
	if err != nil {
		return "", NewRuntimeErrorWithThread("spawnDelegate", s.id, err)
	}
	parent := s.id
	if _, err := s.client.threads.CreateThread(ctx, delegateID, &parent, map[string]any{
		"session_id": s.id.String(),
		"name":       t.Title,
		"provider":   spec.Provider,
		"model":      spec.Model,
		"task_id":    t.ID,
	}); err != nil {
		return "", NewRuntimeErrorWithThread("spawnDelegate", delegateID, err)
	}

	settings := s.settings.Merge(Settings{Provider: spec.Provider, Model: spec.Model})
	a, err := s.newAgentLocked(ctx, delegateID, settings)
	if err != nil {
		return "", err
	}

	taskID := t.ID
	prompt := t.Prompt
	runCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := a.SendMessage(runCtx, prompt); err != nil {
			s.client.log.Warn("delegate turn failed",
				zap.String("thread_id", delegateID.String()),
				zap.String("task_id", taskID),
				zap.Error(err))
			s.tasks.MarkBlocked(runCtx, taskID, fmt.Sprintf("delegate %s failed: %v", delegateID, err))
		}
	}()

	return delegateID, nil
}

// CancelAll cancels every active turn in the session.
func (s *Session) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		a.Cancel()
	}
}

// Close cancels active turns, waits for delegates to settle and drops
// the approval cache. Approval decisions cached "for session" do not
// survive Close.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, a := range s.agents {
		a.Cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.approvals.ClearSession(s.id.String())
	s.tasks.Close()
}
