package approval

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lacehq/lace/internal/logging"
)

// Manager wraps a Broker with a per-session decision cache. An
// allow_session decision for a tool suppresses further broker round trips
// for that tool until the session's cache is cleared.
type Manager struct {
	broker Broker
	log    *logging.Logger

	mu    sync.Mutex
	cache map[string]map[string]struct{} // session id -> tool name
}

// NewManager creates a Manager over broker.
func NewManager(broker Broker, log *logging.Logger) *Manager {
	return &Manager{
		broker: broker,
		log:    logging.OrDefault(log),
		cache:  make(map[string]map[string]struct{}),
	}
}

// Request resolves an approval request, consulting the session cache
// before the broker.
func (m *Manager) Request(ctx context.Context, req *Request) (Decision, error) {
	if req.SessionID != "" {
		m.mu.Lock()
		_, cached := m.cache[req.SessionID][req.ToolName]
		m.mu.Unlock()
		if cached {
			return DecisionAllowSession, nil
		}
	}

	d, err := m.broker.RequestApproval(ctx, req)
	if err != nil {
		return DecisionDeny, fmt.Errorf("request approval for %s: %w", req.ToolName, err)
	}
	if !d.IsValid() || d == DecisionAbstain {
		d = DecisionDeny
	}

	if d == DecisionAllowSession && req.SessionID != "" {
		m.mu.Lock()
		if m.cache[req.SessionID] == nil {
			m.cache[req.SessionID] = make(map[string]struct{})
		}
		m.cache[req.SessionID][req.ToolName] = struct{}{}
		m.mu.Unlock()
		m.log.Debug("cached session approval",
			zap.String("session_id", req.SessionID),
			zap.String("tool", req.ToolName))
	}
	return d, nil
}

// ClearSession drops every cached decision for the session. Called when
// the session closes.
func (m *Manager) ClearSession(sessionID string) {
	m.mu.Lock()
	delete(m.cache, sessionID)
	m.mu.Unlock()
}
