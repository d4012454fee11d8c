package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/TermHost/internal/protocol"
	"github.com/GriffinCanCode/TermHost/internal/store"
)

// mockHost implements HostTransport in-process, emulating the host's
// session dedupe so manager tests exercise attach and reattach paths. The
// captured event callback lets tests inject host events synchronously.
type mockHost struct {
	mu         sync.Mutex
	eventFn    func(protocol.Message)
	nextID     int
	live       map[string]string // key -> sessionID
	pending    map[string]string // key -> buffered output for next reattach
	spawnData  string            // broadcast for a new session before ensure returns
	ensures    []protocol.EnsureSessionRequest
	writes     []string
	releases   []string
	disposes   []string
	configured []string
}

func newMockHost() *mockHost {
	return &mockHost{
		live:    make(map[string]string),
		pending: make(map[string]string),
	}
}

func hostKey(workspace, slot string) string { return workspace + "\x00" + slot }

func (h *mockHost) Configure(ctx context.Context, storePath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.configured = append(h.configured, storePath)
	return nil
}

func (h *mockHost) EnsureSession(ctx context.Context, req protocol.EnsureSessionRequest) (*protocol.EnsureSessionResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ensures = append(h.ensures, req)
	key := hostKey(req.WorkspacePath, req.Slot)
	if id, ok := h.live[key]; ok {
		p := h.pending[key]
		delete(h.pending, key)
		return &protocol.EnsureSessionResult{SessionID: id, Existing: true, Pending: p}, nil
	}
	h.nextID++
	id := fmt.Sprintf("sess_%d", h.nextID)
	h.live[key] = id

	// Emulate the PTY's first output racing ahead of the ensure response.
	if h.spawnData != "" {
		data, fn := h.spawnData, h.eventFn
		h.spawnData = ""
		if fn != nil {
			h.mu.Unlock()
			msg, err := protocol.NewEvent(protocol.EventSessionData,
				protocol.SessionDataEvent{SessionID: id, Data: data})
			if err == nil {
				fn(msg)
			}
			h.mu.Lock()
		}
	}
	return &protocol.EnsureSessionResult{SessionID: id}, nil
}

func (h *mockHost) Write(ctx context.Context, sessionID, data string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writes = append(h.writes, data)
	return nil
}

func (h *mockHost) Resize(ctx context.Context, sessionID string, cols, rows int) error {
	return nil
}

func (h *mockHost) Release(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.releases = append(h.releases, sessionID)
	return nil
}

func (h *mockHost) Dispose(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disposes = append(h.disposes, sessionID)
	for key, id := range h.live {
		if id == sessionID {
			delete(h.live, key)
		}
	}
	return nil
}

func (h *mockHost) ListSessions(ctx context.Context) (*protocol.ListSessionsResult, error) {
	return &protocol.ListSessionsResult{}, nil
}

func (h *mockHost) Subscribe(fn func(protocol.Message)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.eventFn = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.eventFn = nil
	}
}

// dropSession emulates the session vanishing at the host without this
// manager hearing about it.
func (h *mockHost) dropSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, id := range h.live {
		if id == sessionID {
			delete(h.live, key)
		}
	}
}

func (h *mockHost) setPending(workspace, slot, data string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending[hostKey(workspace, slot)] = data
}

func (h *mockHost) releaseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.releases)
}

func (h *mockHost) emit(t *testing.T, name protocol.EventName, payload interface{}) {
	t.Helper()
	h.mu.Lock()
	fn := h.eventFn
	h.mu.Unlock()
	require.NotNil(t, fn, "manager is not subscribed to host events")

	msg, err := protocol.NewEvent(name, payload)
	require.NoError(t, err)
	fn(msg)
}

func (h *mockHost) emitData(t *testing.T, sessionID, data string) {
	h.emit(t, protocol.EventSessionData, protocol.SessionDataEvent{SessionID: sessionID, Data: data})
}

func (h *mockHost) emitExit(t *testing.T, sessionID string, code *int, signal *string) {
	h.dropSession(sessionID)
	h.emit(t, protocol.EventSessionExit, protocol.SessionExitEvent{SessionID: sessionID, ExitCode: code, Signal: signal})
}

func newTestManager(t *testing.T) (*Manager, *mockHost, *store.Store) {
	t.Helper()
	st := store.New(store.Options{Path: filepath.Join(t.TempDir(), "terminals.json")}, nil)
	t.Cleanup(func() { _ = st.Close() })

	h := newMockHost()
	m := New(h, st, nil)
	t.Cleanup(m.Close)
	return m, h, st
}

// attach subscribes subscriberID with a buffered channel and ensures the
// session, returning the delivery channel and the ensure result.
func attach(t *testing.T, m *Manager, subscriberID, workspace, slot string) (chan Event, *EnsureResult) {
	t.Helper()
	ch := make(chan Event, 16)
	done := make(chan struct{})
	unsub := m.Subscribe(subscriberID, ch, done)
	t.Cleanup(func() {
		unsub()
		close(done)
	})

	res, err := m.EnsureSession(context.Background(), EnsureParams{
		WorkspacePath: workspace,
		Slot:          slot,
		Command:       "/bin/bash",
		Cols:          80,
		Rows:          24,
	}, subscriberID)
	require.NoError(t, err)
	return ch, res
}

func recvEvent(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestEnsureFreshSession(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, res := attach(t, m, "sub_a", "/ws", "t1")
	assert.False(t, res.Existing)
	assert.Equal(t, "sess_1", res.SessionID)
	assert.Equal(t, "/bin/bash", res.Command)
	assert.Empty(t, res.History)
	assert.False(t, res.QuickCommandExecuted)
	assert.Nil(t, res.LastExitCode)
}

func TestEnsureDefaultsCommandFromEnvironment(t *testing.T) {
	m, h, _ := newTestManager(t)
	t.Setenv("SHELL", "/bin/fish")

	res, err := m.EnsureSession(context.Background(), EnsureParams{
		WorkspacePath: "/ws",
		Slot:          "t1",
	}, "sub_a")
	require.NoError(t, err)
	assert.Equal(t, "/bin/fish", res.Command)

	h.mu.Lock()
	sent := h.ensures[len(h.ensures)-1]
	h.mu.Unlock()
	assert.Equal(t, "/bin/fish", sent.Command)
	assert.Empty(t, sent.Args)
}

func TestDataFanOutToAttachedSubscribers(t *testing.T) {
	m, h, st := newTestManager(t)

	chA, res := attach(t, m, "sub_a", "/ws", "t1")
	chB, resB := attach(t, m, "sub_b", "/ws", "t1")
	assert.True(t, resB.Existing)
	assert.Equal(t, res.SessionID, resB.SessionID)

	// A subscriber with a sink but no attachment to this session.
	chC := make(chan Event, 16)
	doneC := make(chan struct{})
	t.Cleanup(func() { close(doneC) })
	m.Subscribe("sub_c", chC, doneC)

	h.emitData(t, res.SessionID, "$ ls\n")

	for _, ch := range []chan Event{chA, chB} {
		ev := recvEvent(t, ch)
		assert.Equal(t, EventData, ev.Kind)
		assert.Equal(t, res.SessionID, ev.SessionID)
		assert.Equal(t, "/ws", ev.WorkspacePath)
		assert.Equal(t, "t1", ev.Slot)
		assert.Equal(t, "$ ls\n", ev.Data)
	}
	select {
	case ev := <-chC:
		t.Fatalf("unattached subscriber received event: %+v", ev)
	default:
	}

	// The chunk also lands in the durable history.
	rec, ok := st.Terminal("/ws", "t1")
	require.True(t, ok)
	assert.Equal(t, "$ ls\n", rec.History)
}

func TestDataForUnknownSessionIgnored(t *testing.T) {
	m, h, st := newTestManager(t)

	ch, _ := attach(t, m, "sub_a", "/ws", "t1")

	h.emitData(t, "sess_owned_by_someone_else", "noise")

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event: %+v", ev)
	default:
	}
	rec, _ := st.Terminal("/ws", "t1")
	assert.Empty(t, rec.History)
}

func TestExitNotifiesAndPersists(t *testing.T) {
	m, h, st := newTestManager(t)

	ch, res := attach(t, m, "sub_a", "/ws", "t1")

	code := 1
	h.emitExit(t, res.SessionID, &code, nil)

	ev := recvEvent(t, ch)
	assert.Equal(t, EventExit, ev.Kind)
	require.NotNil(t, ev.ExitCode)
	assert.Equal(t, 1, *ev.ExitCode)
	assert.Nil(t, ev.Signal)

	rec, ok := st.Terminal("/ws", "t1")
	require.True(t, ok)
	require.NotNil(t, rec.LastExitCode)
	assert.Equal(t, 1, *rec.LastExitCode)

	// The binding is gone; re-ensuring starts fresh and surfaces the last
	// exit from the store.
	_, res2 := attach(t, m, "sub_a", "/ws", "t1")
	assert.False(t, res2.Existing)
	assert.NotEqual(t, res.SessionID, res2.SessionID)
	require.NotNil(t, res2.LastExitCode)
	assert.Equal(t, 1, *res2.LastExitCode)
}

func TestDisposedEventReadsAsExit(t *testing.T) {
	m, h, _ := newTestManager(t)

	ch, res := attach(t, m, "sub_a", "/ws", "t1")

	h.emit(t, protocol.EventSessionDisposed, protocol.SessionDisposedEvent{SessionID: res.SessionID})

	ev := recvEvent(t, ch)
	assert.Equal(t, EventExit, ev.Kind)
	assert.Nil(t, ev.ExitCode)
	assert.Nil(t, ev.Signal)
}

func TestReleaseOnlyWhenLastSubscriberLeaves(t *testing.T) {
	m, h, _ := newTestManager(t)

	_, res := attach(t, m, "sub_a", "/ws", "t1")
	attach(t, m, "sub_b", "/ws", "t1")

	require.NoError(t, m.Release(context.Background(), res.SessionID, "sub_a"))
	assert.Equal(t, 0, h.releaseCount(), "host release must wait for the last subscriber")

	require.NoError(t, m.Release(context.Background(), res.SessionID, "sub_b"))
	assert.Equal(t, 1, h.releaseCount())
}

func TestPendingOutputFoldedIntoHistory(t *testing.T) {
	m, h, st := newTestManager(t)

	_, res := attach(t, m, "sub_a", "/ws", "t1")
	h.emitData(t, res.SessionID, "before detach\n")
	require.NoError(t, m.Release(context.Background(), res.SessionID, "sub_a"))

	// Output the host buffered while nobody was attached.
	h.setPending("/ws", "t1", "while detached\n")

	_, res2 := attach(t, m, "sub_a2", "/ws", "t1")
	assert.True(t, res2.Existing)
	assert.Equal(t, "before detach\nwhile detached\n", res2.History)

	rec, _ := st.Terminal("/ws", "t1")
	assert.Equal(t, "before detach\nwhile detached\n", rec.History)
}

func TestDisposeClearsRecordUnlessPreserved(t *testing.T) {
	m, h, st := newTestManager(t)

	_, res := attach(t, m, "sub_a", "/ws", "t1")
	h.emitData(t, res.SessionID, "scrollback")

	// Preserving keeps the slot's persisted record.
	require.NoError(t, m.Dispose(context.Background(), res.SessionID, true))
	rec, ok := st.Terminal("/ws", "t1")
	require.True(t, ok)
	assert.Equal(t, "scrollback", rec.History)

	_, res2 := attach(t, m, "sub_a", "/ws", "t1")
	h.emitData(t, res2.SessionID, "more")

	// Default dispose forgets the slot.
	require.NoError(t, m.Dispose(context.Background(), res2.SessionID, false))
	_, ok = st.Terminal("/ws", "t1")
	assert.False(t, ok)

	h.mu.Lock()
	disposes := len(h.disposes)
	h.mu.Unlock()
	assert.Equal(t, 2, disposes)
}

func TestDetachSubscriberReleasesEmptiedSessions(t *testing.T) {
	m, h, _ := newTestManager(t)

	// sub_a holds two sessions, sub_b shares one of them.
	_, res1 := attach(t, m, "sub_a", "/ws", "t1")
	attach(t, m, "sub_a", "/ws", "t2")
	attach(t, m, "sub_b", "/ws", "t1")

	m.DetachSubscriber(context.Background(), "sub_a")

	// Only the session sub_a held alone empties out; the shared one keeps
	// sub_b attached.
	h.mu.Lock()
	released := append([]string(nil), h.releases...)
	disposes := len(h.disposes)
	h.mu.Unlock()
	require.Len(t, released, 1)
	assert.NotEqual(t, res1.SessionID, released[0])
	assert.Zero(t, disposes, "window teardown must never kill sessions")
}

func TestQuickCommandFlagSurvivesReEnsure(t *testing.T) {
	m, h, _ := newTestManager(t)

	_, res := attach(t, m, "sub_a", "/ws", "t1")
	m.MarkQuickCommandExecuted(res.SessionID)

	// Exit ends the session; the flag rides the store into the next one.
	code := 0
	h.emitExit(t, res.SessionID, &code, nil)

	_, res2 := attach(t, m, "sub_b", "/ws", "t1")
	assert.False(t, res2.Existing)
	assert.True(t, res2.QuickCommandExecuted)
}

func TestStaleBindingEvictedOnHostReplacement(t *testing.T) {
	m, h, _ := newTestManager(t)

	chA, res := attach(t, m, "sub_a", "/ws", "t1")

	// The host lost the session without this manager hearing about it; the
	// next ensure gets a fresh id on the same key.
	h.dropSession(res.SessionID)

	chB, res2 := attach(t, m, "sub_b", "/ws", "t1")
	assert.False(t, res2.Existing)
	assert.NotEqual(t, res.SessionID, res2.SessionID)

	// Events for the stale id go nowhere; the new id delivers.
	h.emitData(t, res.SessionID, "stale")
	h.emitData(t, res2.SessionID, "fresh")

	ev := recvEvent(t, chB)
	assert.Equal(t, "fresh", ev.Data)
	select {
	case ev := <-chA:
		// sub_a was never attached to the new session; nothing may arrive.
		t.Fatalf("unexpected event on stale binding: %+v", ev)
	default:
	}
}

func TestEarlyOutputBeforeBindingIsKept(t *testing.T) {
	m, h, st := newTestManager(t)

	// The first chunk is broadcast while the ensure call is still in
	// flight, before any binding exists.
	h.mu.Lock()
	h.spawnData = "$ banner\n"
	h.mu.Unlock()

	ch, res := attach(t, m, "sub_a", "/ws", "t1")
	assert.False(t, res.Existing)
	assert.Equal(t, "$ banner\n", res.History)

	rec, ok := st.Terminal("/ws", "t1")
	require.True(t, ok)
	assert.Equal(t, "$ banner\n", rec.History)

	// Later output flows through the binding as usual.
	h.emitData(t, res.SessionID, "more")
	ev := recvEvent(t, ch)
	assert.Equal(t, "more", ev.Data)
	rec, _ = st.Terminal("/ws", "t1")
	assert.Equal(t, "$ banner\nmore", rec.History)
}

func TestBlockedSinkPrunedWithoutStallingOthers(t *testing.T) {
	m, h, _ := newTestManager(t)
	m.deliverTimeout = 10 * time.Millisecond

	// sub_stuck's channel is unbuffered with no reader and its done channel
	// stays open; sub_live consumes normally.
	stuck := make(chan Event)
	stuckDone := make(chan struct{})
	m.Subscribe("sub_stuck", stuck, stuckDone)
	t.Cleanup(func() { close(stuckDone) })

	live, res := attach(t, m, "sub_live", "/ws", "t1")
	_, err := m.EnsureSession(context.Background(), EnsureParams{
		WorkspacePath: "/ws",
		Slot:          "t1",
		Command:       "/bin/bash",
	}, "sub_stuck")
	require.NoError(t, err)

	start := time.Now()
	h.emitData(t, res.SessionID, "chunk")
	assert.Less(t, time.Since(start), time.Second, "one stuck sink must not block delivery indefinitely")

	ev := recvEvent(t, live)
	assert.Equal(t, "chunk", ev.Data)

	// The stuck sink was dropped; later deliveries skip it entirely.
	m.mu.Lock()
	_, stillThere := m.sinks["sub_stuck"]
	m.mu.Unlock()
	assert.False(t, stillThere)

	h.emitData(t, res.SessionID, "again")
	ev = recvEvent(t, live)
	assert.Equal(t, "again", ev.Data)
}

func TestGoneSubscriberPrunedOnDelivery(t *testing.T) {
	m, h, _ := newTestManager(t)

	ch := make(chan Event) // unbuffered: would block without done
	done := make(chan struct{})
	m.Subscribe("sub_a", ch, done)

	res, err := m.EnsureSession(context.Background(), EnsureParams{
		WorkspacePath: "/ws",
		Slot:          "t1",
		Command:       "/bin/bash",
	}, "sub_a")
	require.NoError(t, err)

	close(done)
	h.emitData(t, res.SessionID, "into the void")

	// The sink was pruned; later deliveries skip it without blocking.
	h.emitData(t, res.SessionID, "still fine")
}

func TestConfigureSwapsStoreAndHost(t *testing.T) {
	m, h, _ := newTestManager(t)

	target := filepath.Join(t.TempDir(), "other.json")
	require.NoError(t, m.Configure(context.Background(), target))

	h.mu.Lock()
	configured := append([]string(nil), h.configured...)
	h.mu.Unlock()
	require.Len(t, configured, 1)
	assert.Equal(t, target, configured[0])
}

func TestWorkspaceStateRoundTrip(t *testing.T) {
	m, h, _ := newTestManager(t)

	_, res := attach(t, m, "sub_a", "/ws-a", "t1")
	h.emitData(t, res.SessionID, "history")
	attach(t, m, "sub_a", "/ws-b", "t1")

	slot := "t1"
	require.NoError(t, m.SetActiveTerminal("/ws-a", &slot))

	assert.Equal(t, []string{"/ws-a", "/ws-b"}, m.ListSavedWorkspaces())

	ws, ok := m.GetWorkspaceState("/ws-a")
	require.True(t, ok)
	require.NotNil(t, ws.ActiveTerminal)
	assert.Equal(t, "t1", *ws.ActiveTerminal)
	assert.Equal(t, "history", ws.Terminals["t1"].History)

	require.NoError(t, m.ClearWorkspaceState("/ws-a"))
	assert.Equal(t, []string{"/ws-b"}, m.ListSavedWorkspaces())
}

func TestWritePassesThrough(t *testing.T) {
	m, h, _ := newTestManager(t)

	_, res := attach(t, m, "sub_a", "/ws", "t1")
	require.NoError(t, m.Write(context.Background(), res.SessionID, "echo hi\n"))

	h.mu.Lock()
	writes := append([]string(nil), h.writes...)
	h.mu.Unlock()
	assert.Equal(t, []string{"echo hi\n"}, writes)
}
