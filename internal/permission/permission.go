// Package permission implements the Permission Broker (C6): async
// request/response for per-tool-use approvals between an Executor and the
// human deciding via the Orchestrator. A global Manager owns every open
// decision across all sessions, indexed by requestId, the same promise-
// keyed-by-id shape internal/jsonrpc uses for its pending-request table.
package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Scope enumerates how long a human's decision should be remembered.
type Scope string

const (
	ScopeOnce    Scope = "once"
	ScopeSession Scope = "session"
	ScopeProject Scope = "project"
	ScopeUser    Scope = "user"
	ScopeLocal   Scope = "local"
)

// Request is the payload a ToolAdapter pre-hook emits before running a
// tool, asking a human for approval.
type Request struct {
	RequestID string
	SessionID string
	TaskID    string
	ToolName  string
	ToolInput json.RawMessage
	Timestamp time.Time
}

// Decision is what the Orchestrator resolves a pending Request with, carried
// over C4 as a permission_resolved notification.
type Decision struct {
	Allow     bool
	Reason    string
	Remember  bool
	Scope     Scope
	DecidedBy string
}

const (
	reasonTimeout   = "Timeout"
	reasonCancelled = "Cancelled"
)

// DefaultTimeout is how long a pending request waits before auto-denying
// (spec.md §4.6, §5).
const DefaultTimeout = 60 * time.Second

type pendingEntry struct {
	sessionID string
	taskID    string
	ch        chan Decision
	once      sync.Once
}

func (p *pendingEntry) resolve(d Decision) {
	p.once.Do(func() {
		p.ch <- d
	})
}

// Manager owns every open permission decision across all sessions. It must
// be touched only from a single scheduling domain, or protected by its own
// mutex as done here, per the concurrency model's shared-state rule.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry // requestId -> entry
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{pending: make(map[string]*pendingEntry)}
}

// EmitRequest registers req as pending and returns a function the caller
// blocks on to receive the eventual Decision. If no decision arrives within
// DefaultTimeout, the request auto-denies with reason "Timeout". The
// returned waiter also respects ctx cancellation for orderly shutdown.
func (m *Manager) EmitRequest(ctx context.Context, req Request) func() Decision {
	entry := &pendingEntry{sessionID: req.SessionID, taskID: req.TaskID, ch: make(chan Decision, 1)}

	m.mu.Lock()
	m.pending[req.RequestID] = entry
	m.mu.Unlock()

	return func() Decision {
		defer m.remove(req.RequestID)

		timer := time.NewTimer(DefaultTimeout)
		defer timer.Stop()

		select {
		case d := <-entry.ch:
			return d
		case <-timer.C:
			return Decision{Allow: false, Reason: reasonTimeout}
		case <-ctx.Done():
			return Decision{Allow: false, Reason: reasonCancelled}
		}
	}
}

// Resolve delivers a human decision to the pending request matching
// requestID. On the first deny for a session, every other pending request
// in that same session is proactively cancelled with reason "Cancelled".
func (m *Manager) Resolve(requestID string, decision Decision) error {
	m.mu.Lock()
	entry, ok := m.pending[requestID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending permission request %s", requestID)
	}

	entry.resolve(decision)

	if !decision.Allow {
		m.cancelOtherPendingInSession(entry.sessionID, requestID)
	}
	return nil
}

// CancelTask cancels every pending request belonging to taskID with reason
// "Cancelled" (e.g. the task was stopped before a permission decision
// arrived).
func (m *Manager) CancelTask(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, entry := range m.pending {
		if entry.taskID == taskID {
			entry.resolve(Decision{Allow: false, Reason: reasonCancelled})
			delete(m.pending, id)
		}
	}
}

func (m *Manager) cancelOtherPendingInSession(sessionID, exceptRequestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, entry := range m.pending {
		if id == exceptRequestID || entry.sessionID != sessionID {
			continue
		}
		entry.resolve(Decision{Allow: false, Reason: reasonCancelled})
		delete(m.pending, id)
	}
}

func (m *Manager) remove(requestID string) {
	m.mu.Lock()
	delete(m.pending, requestID)
	m.mu.Unlock()
}

// Pending reports how many requests are currently awaiting a decision, for
// diagnostics and tests.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
