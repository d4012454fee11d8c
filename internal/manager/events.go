package manager

import (
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/TermHost/internal/protocol"
)

const (
	// defaultDeliverTimeout is how long a full subscriber channel may block
	// delivery before the sink is dropped as unresponsive.
	defaultDeliverTimeout = time.Second

	// maxOrphanBytes caps the per-session stash of output that arrived
	// before a binding existed. The suffix is kept, matching history trims.
	maxOrphanBytes = 64 * 1024

	// maxOrphanSessions caps how many unclaimed sessions may hold a stash.
	maxOrphanSessions = 64
)

// onHostEvent routes inbound host events to the binding they belong to.
// Events for sessions this manager never attached to are ignored; another
// manager sharing the host owns them.
func (m *Manager) onHostEvent(msg protocol.Message) {
	payload, err := protocol.DecodeEventPayload(msg)
	if err != nil {
		m.log.Warn("ignoring unknown host event", zap.Error(err))
		return
	}

	switch ev := payload.(type) {
	case *protocol.SessionDataEvent:
		m.handleData(ev.SessionID, ev.Data)
	case *protocol.SessionExitEvent:
		m.handleExit(ev.SessionID, ev.ExitCode, ev.Signal)
	case *protocol.SessionDisposedEvent:
		// An administrative dispose reads as an exit with no status.
		m.handleExit(ev.SessionID, nil, nil)
	}
}

// handleData appends the chunk to the store and delivers it to every
// subscriber attached right now. Chunks for sessions with no binding yet
// are stashed: a brand-new session can emit before the ensureSession
// response is processed, and EnsureSession claims the stash when it builds
// the binding.
func (m *Manager) handleData(sessionID, data string) {
	m.mu.Lock()
	b, ok := m.sessions[sessionID]
	if !ok {
		m.stashOrphanLocked(sessionID, data)
		m.mu.Unlock()
		return
	}
	workspacePath, slot := b.WorkspacePath, b.Slot
	targets := m.collectTargetsLocked(b)
	m.mu.Unlock()

	m.store.AppendHistory(workspacePath, slot, data)
	m.deliver(targets, Event{
		Kind:          EventData,
		SessionID:     sessionID,
		WorkspacePath: workspacePath,
		Slot:          slot,
		Data:          data,
	})
}

// handleExit marks the binding closed, persists the exit fields, notifies
// subscribers, and drops the binding from both indices. The persisted
// record survives.
func (m *Manager) handleExit(sessionID string, exitCode *int, signal *string) {
	m.mu.Lock()
	delete(m.orphans, sessionID)
	b, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	b.closed = true
	b.lastExitCode = exitCode
	b.lastSignal = signal
	workspacePath, slot := b.WorkspacePath, b.Slot
	targets := m.collectTargetsLocked(b)
	m.removeBindingLocked(sessionID)
	m.mu.Unlock()

	m.store.MarkExit(workspacePath, slot, exitCode, signal)
	m.deliver(targets, Event{
		Kind:          EventExit,
		SessionID:     sessionID,
		WorkspacePath: workspacePath,
		Slot:          slot,
		ExitCode:      exitCode,
		Signal:        signal,
	})
}

type deliveryTarget struct {
	subscriberID string
	sink         *sink
}

// collectTargetsLocked snapshots the attached subscribers that still have a
// registered sink, pruning attachments whose sink is already gone.
func (m *Manager) collectTargetsLocked(b *Binding) []deliveryTarget {
	targets := make([]deliveryTarget, 0, len(b.subscribers))
	for subscriberID := range b.subscribers {
		s, ok := m.sinks[subscriberID]
		if !ok {
			delete(b.subscribers, subscriberID)
			continue
		}
		targets = append(targets, deliveryTarget{subscriberID: subscriberID, sink: s})
	}
	return targets
}

// stashOrphanLocked accumulates output for a session this manager has no
// binding for, bounded in entries and per-entry bytes.
func (m *Manager) stashOrphanLocked(sessionID, data string) {
	if _, ok := m.orphans[sessionID]; !ok && len(m.orphans) >= maxOrphanSessions {
		return
	}
	stash := m.orphans[sessionID] + data
	if len(stash) > maxOrphanBytes {
		stash = stash[len(stash)-maxOrphanBytes:]
	}
	m.orphans[sessionID] = stash
}

// deliver sends ev to each target, pruning subscribers whose done channel
// has closed. Ready channels are filled first in a non-blocking pass;
// channels still full after that get a bounded wait and are dropped as
// unresponsive when it elapses, so one stuck consumer cannot stall
// delivery indefinitely.
func (m *Manager) deliver(targets []deliveryTarget, ev Event) {
	var gone []string
	var full []deliveryTarget
	for _, t := range targets {
		select {
		case <-t.sink.done:
			gone = append(gone, t.subscriberID)
		case t.sink.ch <- ev:
		default:
			full = append(full, t)
		}
	}
	for _, t := range full {
		timer := time.NewTimer(m.deliverTimeout)
		select {
		case <-t.sink.done:
			gone = append(gone, t.subscriberID)
		case t.sink.ch <- ev:
		case <-timer.C:
			m.log.Warn("dropping unresponsive subscriber",
				zap.String("subscriberId", t.subscriberID))
			gone = append(gone, t.subscriberID)
		}
		timer.Stop()
	}
	if len(gone) == 0 {
		return
	}

	m.mu.Lock()
	for _, subscriberID := range gone {
		delete(m.sinks, subscriberID)
		for _, b := range m.sessions {
			delete(b.subscribers, subscriberID)
		}
	}
	m.mu.Unlock()
}
