package lace

import (
	"context"
	"fmt"
	"sync"

	"github.com/lacehq/lace/thread"
)

// Project groups sessions under one working directory and supplies
// their configuration defaults.
type Project struct {
	client *Client
	cfg    ProjectConfig

	mu       sync.Mutex
	sessions map[thread.ID]*Session
}

// Config returns the project configuration.
func (p *Project) Config() ProjectConfig {
	return p.cfg
}

// WorkingDirectory returns the directory tool executions run in.
func (p *Project) WorkingDirectory() string {
	return p.cfg.WorkingDirectory
}

// NewSession creates a session: a root thread, a task list, an approval
// cache and the builtin tool set, configured by the project settings
// merged with cfg.
func (p *Project) NewSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	s, err := newSession(ctx, p, cfg)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.sessions[s.ID()] = s
	p.mu.Unlock()
	return s, nil
}

// Session returns an open session by root thread id.
func (p *Project) Session(id thread.ID) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Sessions returns all open sessions.
func (p *Project) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

// DeleteSession closes the session and deletes its thread tree: every
// delegate thread, event, task and note under the root.
func (p *Project) DeleteSession(ctx context.Context, id thread.ID) error {
	p.mu.Lock()
	s, ok := p.sessions[id]
	delete(p.sessions, id)
	p.mu.Unlock()

	if ok {
		s.Close()
	}
	if err := p.client.threads.DeleteThreadTree(ctx, id); err != nil {
		return NewRuntimeErrorWithThread("DeleteSession", id, err)
	}
	return nil
}
