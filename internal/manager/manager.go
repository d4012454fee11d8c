package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/TermHost/internal/logging"
	"github.com/GriffinCanCode/TermHost/internal/protocol"
	"github.com/GriffinCanCode/TermHost/internal/store"
)

// HostTransport is the manager's view of the terminal host client.
type HostTransport interface {
	Configure(ctx context.Context, storePath string) error
	EnsureSession(ctx context.Context, req protocol.EnsureSessionRequest) (*protocol.EnsureSessionResult, error)
	Write(ctx context.Context, sessionID, data string) error
	Resize(ctx context.Context, sessionID string, cols, rows int) error
	Release(ctx context.Context, sessionID string) error
	Dispose(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context) (*protocol.ListSessionsResult, error)
	Subscribe(fn func(protocol.Message)) func()
}

// EnsureParams describes the session a caller wants.
type EnsureParams struct {
	WorkspacePath string
	Slot          string
	Command       string
	Args          []string
	Cols          int
	Rows          int
	Env           map[string]string
	Label         string
}

// EnsureResult is returned to the caller with the replayable history and
// the store-derived UI flags.
type EnsureResult struct {
	SessionID            string
	Existing             bool
	Command              string
	Args                 []string
	History              string
	QuickCommandExecuted bool
	LastExitCode         *int
	LastSignal           *string
}

// Manager binds subscribers to host sessions. One instance per application
// context; several instances may share one host process.
type Manager struct {
	log   *logging.Logger
	host  HostTransport
	store *store.Store

	unsubscribe func()

	// deliverTimeout bounds how long one blocked subscriber channel may
	// hold up event delivery before the sink is dropped.
	deliverTimeout time.Duration

	mu             sync.Mutex
	sessions       map[string]*Binding
	workspaceIndex map[string]map[string]string // path -> slot -> sessionID
	sinks          map[string]*sink
	orphans        map[string]string // sessionID -> output seen before a binding existed
}

// New creates a manager and subscribes it to host events.
func New(host HostTransport, st *store.Store, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NewNop()
	}
	m := &Manager{
		log:            log.Named("manager"),
		host:           host,
		store:          st,
		deliverTimeout: defaultDeliverTimeout,
		sessions:       make(map[string]*Binding),
		workspaceIndex: make(map[string]map[string]string),
		sinks:          make(map[string]*sink),
		orphans:        make(map[string]string),
	}
	m.unsubscribe = host.Subscribe(m.onHostEvent)
	return m
}

// Close detaches from host events. Running sessions are untouched.
func (m *Manager) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
}

// Subscribe registers a delivery channel for subscriberID and returns an
// unsubscribe func. The subscriber is pruned automatically once done is
// closed.
func (m *Manager) Subscribe(subscriberID string, ch chan<- Event, done <-chan struct{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sinks[subscriberID] = &sink{ch: ch, done: done}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.sinks, subscriberID)
	}
}

// Configure points both the store and the host at a different project's
// store file.
func (m *Manager) Configure(ctx context.Context, storePath string) error {
	if err := m.store.Configure(storePath); err != nil {
		return err
	}
	return m.host.Configure(ctx, storePath)
}

// EnsureSession creates or reattaches the session for (workspacePath, slot),
// attaches subscriberID, and returns the persisted history plus derived
// flags. Pending output the host accumulated while detached is folded into
// both the store and the returned history.
func (m *Manager) EnsureSession(ctx context.Context, params EnsureParams, subscriberID string) (*EnsureResult, error) {
	workspacePath, err := filepath.Abs(params.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace path %q: %w", params.WorkspacePath, err)
	}

	command := params.Command
	args := params.Args
	if command == "" {
		command = defaultShell()
		args = nil
	}

	m.store.EnsureTerminal(workspacePath, params.Slot, params.Label)

	res, err := m.host.EnsureSession(ctx, protocol.EnsureSessionRequest{
		WorkspacePath: workspacePath,
		Slot:          params.Slot,
		Command:       command,
		Args:          args,
		Cols:          params.Cols,
		Rows:          params.Rows,
		Env:           params.Env,
	})
	if err != nil {
		return nil, err
	}

	if res.Pending != "" {
		m.store.AppendHistory(workspacePath, params.Slot, res.Pending)
	}

	m.mu.Lock()
	b, ok := m.sessions[res.SessionID]
	if !ok {
		// A stale binding on the same key means the host replaced the
		// session behind our back; drop it before indexing the new one.
		if slots, ok := m.workspaceIndex[workspacePath]; ok {
			if staleID, ok := slots[params.Slot]; ok && staleID != res.SessionID {
				m.removeBindingLocked(staleID)
			}
		}
		b = newBinding(res.SessionID, workspacePath, params.Slot, command, args)
		m.sessions[res.SessionID] = b
		slots, ok := m.workspaceIndex[workspacePath]
		if !ok {
			slots = make(map[string]string)
			m.workspaceIndex[workspacePath] = slots
		}
		slots[params.Slot] = res.SessionID
	}
	b.subscribers[subscriberID] = struct{}{}
	orphan := m.orphans[res.SessionID]
	delete(m.orphans, res.SessionID)
	m.mu.Unlock()

	// A fresh session's first chunks can be broadcast before this binding
	// existed; handleData stashed them and they are folded in here. On a
	// reattach the stash is discarded: the host's pending buffer already
	// carries the detached-era bytes.
	if orphan != "" && !res.Existing {
		m.store.AppendHistory(workspacePath, params.Slot, orphan)
	}
	rec, _ := m.store.Terminal(workspacePath, params.Slot)

	m.mu.Lock()
	quick := rec.QuickCommandExecuted
	if b, ok := m.sessions[res.SessionID]; ok {
		b.quickCommandExecuted = b.quickCommandExecuted || rec.QuickCommandExecuted
		b.lastExitCode = rec.LastExitCode
		b.lastSignal = rec.LastSignal
		quick = b.quickCommandExecuted
	}
	m.mu.Unlock()

	return &EnsureResult{
		SessionID:            res.SessionID,
		Existing:             res.Existing,
		Command:              command,
		Args:                 args,
		History:              rec.History,
		QuickCommandExecuted: quick,
		LastExitCode:         rec.LastExitCode,
		LastSignal:           rec.LastSignal,
	}, nil
}

// Write passes input straight through to the host.
func (m *Manager) Write(ctx context.Context, sessionID, data string) error {
	return m.host.Write(ctx, sessionID, data)
}

// Resize passes a size change straight through to the host.
func (m *Manager) Resize(ctx context.Context, sessionID string, cols, rows int) error {
	return m.host.Resize(ctx, sessionID, cols, rows)
}

// Release detaches subscriberID from the session. When the local subscriber
// set empties, the host is told to release (advisory); the process keeps
// running, only local fan-out stops.
func (m *Manager) Release(ctx context.Context, sessionID, subscriberID string) error {
	m.mu.Lock()
	b, ok := m.sessions[sessionID]
	var emptied bool
	if ok {
		delete(b.subscribers, subscriberID)
		emptied = len(b.subscribers) == 0 && !b.closed
	}
	m.mu.Unlock()

	if !emptied {
		return nil
	}
	return m.host.Release(ctx, sessionID)
}

// Dispose kills the session at the host and removes the binding. Unless
// preserve is set, the slot's persisted record is cleared too: closing a
// terminal tab forgets scrollback, closing a window does not.
func (m *Manager) Dispose(ctx context.Context, sessionID string, preserve bool) error {
	m.mu.Lock()
	b := m.sessions[sessionID]
	m.removeBindingLocked(sessionID)
	m.mu.Unlock()

	if err := m.host.Dispose(ctx, sessionID); err != nil {
		return err
	}
	if !preserve && b != nil {
		m.store.ClearTerminal(b.WorkspacePath, b.Slot)
	}
	return nil
}

// DetachSubscriber removes subscriberID from every binding on UI-window
// teardown. Bindings left with zero subscribers are released, never
// disposed: running shells outlive a closed window.
func (m *Manager) DetachSubscriber(ctx context.Context, subscriberID string) {
	m.mu.Lock()
	delete(m.sinks, subscriberID)
	var emptied []string
	for sessionID, b := range m.sessions {
		if _, ok := b.subscribers[subscriberID]; !ok {
			continue
		}
		delete(b.subscribers, subscriberID)
		if len(b.subscribers) == 0 && !b.closed {
			emptied = append(emptied, sessionID)
		}
	}
	m.mu.Unlock()

	for _, sessionID := range emptied {
		if err := m.host.Release(ctx, sessionID); err != nil {
			m.log.Warn("failed to release session on detach",
				zap.String("sessionId", sessionID), zap.Error(err))
		}
	}
}

// MarkQuickCommandExecuted records the one-way quick-command flag for the
// session's slot and patches the cached binding.
func (m *Manager) MarkQuickCommandExecuted(sessionID string) {
	m.mu.Lock()
	b, ok := m.sessions[sessionID]
	if ok {
		b.quickCommandExecuted = true
	}
	m.mu.Unlock()
	if ok {
		m.store.MarkQuickCommand(b.WorkspacePath, b.Slot)
	}
}

// SetActiveTerminal records which slot a workspace considers active.
func (m *Manager) SetActiveTerminal(workspacePath string, slot *string) error {
	abs, err := filepath.Abs(workspacePath)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace path %q: %w", workspacePath, err)
	}
	m.store.SetActiveTerminal(abs, slot)
	return nil
}

// ListSavedWorkspaces returns every workspace with persisted terminal state.
func (m *Manager) ListSavedWorkspaces() []string {
	return m.store.ListWorkspaces()
}

// GetWorkspaceState returns the persisted state for one workspace.
func (m *Manager) GetWorkspaceState(workspacePath string) (store.WorkspaceState, bool) {
	abs, err := filepath.Abs(workspacePath)
	if err != nil {
		return store.WorkspaceState{}, false
	}
	return m.store.Workspace(abs)
}

// ClearWorkspaceState forgets one workspace's persisted terminal state.
func (m *Manager) ClearWorkspaceState(workspacePath string) error {
	abs, err := filepath.Abs(workspacePath)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace path %q: %w", workspacePath, err)
	}
	m.store.ClearWorkspace(abs)
	return nil
}

// removeBindingLocked is the single removal routine: every delete from the
// primary map also clears the matching workspace-index entry.
func (m *Manager) removeBindingLocked(sessionID string) {
	b, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	if slots, ok := m.workspaceIndex[b.WorkspacePath]; ok {
		if current, ok := slots[b.Slot]; ok && current == sessionID {
			delete(slots, b.Slot)
		}
		if len(slots) == 0 {
			delete(m.workspaceIndex, b.WorkspacePath)
		}
	}
}

// defaultShell resolves the command used when a caller omits one.
func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/bash"
}
