package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/TermHost/internal/logging"
	"github.com/GriffinCanCode/TermHost/internal/shared/paths"
)

// DefaultHistoryLimit caps per-slot scrollback, keeping the suffix on trim.
const DefaultHistoryLimit = 40000

// DefaultFlushDebounce coalesces a burst of mutations into one disk write.
const DefaultFlushDebounce = 250 * time.Millisecond

// Record is the persisted state of one terminal slot.
type Record struct {
	Label                string    `json:"label,omitempty"`
	History              string    `json:"history"`
	QuickCommandExecuted bool      `json:"quickCommandExecuted"`
	LastExitCode         *int      `json:"lastExitCode"`
	LastSignal           *string   `json:"lastSignal"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// WorkspaceState is the persisted state of one workspace.
type WorkspaceState struct {
	ActiveTerminal *string            `json:"activeTerminal"`
	Terminals      map[string]*Record `json:"terminals"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// document is the on-disk shape of the whole store.
type document struct {
	Workspaces map[string]*WorkspaceState `json:"workspaces"`
}

// Options configures a Store.
type Options struct {
	// Path is the backing file. Created on first flush.
	Path string
	// HistoryLimit caps per-slot scrollback characters. 0 means the default.
	HistoryLimit int
	// FlushDebounce delays disk writes to coalesce bursts. 0 means the default.
	FlushDebounce time.Duration
}

// Store is the durable session store. All methods are safe for concurrent
// use from one process.
type Store struct {
	log          *logging.Logger
	historyLimit int
	debounce     time.Duration

	mu      sync.Mutex
	path    string
	doc     document
	timer   *time.Timer
	dirty   bool
	flushes int
	closed  bool
}

// New creates a store backed by the file at opts.Path, loading any existing
// document.
func New(opts Options, log *logging.Logger) *Store {
	if log == nil {
		log = logging.NewNop()
	}
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	debounce := opts.FlushDebounce
	if debounce <= 0 {
		debounce = DefaultFlushDebounce
	}

	s := &Store{
		log:          log.Named("store"),
		historyLimit: limit,
		debounce:     debounce,
		path:         opts.Path,
		doc:          document{Workspaces: map[string]*WorkspaceState{}},
	}
	if err := s.load(); err != nil {
		s.log.Warn("failed to load store file, starting empty",
			zap.String("path", s.path), zap.Error(err))
	}
	return s
}

// Configure flushes the current document and swaps the store to a different
// backing file, loading its contents. Used when the manager is pointed at a
// different project.
func (s *Store) Configure(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if path == s.path {
		return nil
	}
	if s.dirty {
		if err := s.flushLocked(); err != nil {
			s.log.Warn("failed to flush before store swap", zap.Error(err))
		}
	}
	s.path = path
	s.doc = document{Workspaces: map[string]*WorkspaceState{}}
	s.dirty = false
	if err := s.load(); err != nil {
		return fmt.Errorf("failed to load store %s: %w", path, err)
	}
	return nil
}

// Path returns the current backing file path.
func (s *Store) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// EnsureWorkspace creates the workspace entry on first touch.
func (s *Store) EnsureWorkspace(workspacePath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureWorkspaceLocked(workspacePath)
	s.scheduleFlushLocked()
}

// EnsureTerminal creates the slot record on first touch. A non-empty label
// sticks to the record.
func (s *Store) EnsureTerminal(workspacePath, slot, label string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ensureTerminalLocked(workspacePath, slot)
	if label != "" && rec.Label != label {
		rec.Label = label
		rec.UpdatedAt = time.Now()
	}
	s.scheduleFlushLocked()
	return *rec
}

// AppendHistory concatenates chunk onto the slot's scrollback, trimming to
// the history limit and keeping the tail.
func (s *Store) AppendHistory(workspacePath, slot, chunk string) {
	if chunk == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ensureTerminalLocked(workspacePath, slot)
	rec.History = trimHistory(rec.History+chunk, s.historyLimit)
	rec.UpdatedAt = time.Now()
	s.scheduleFlushLocked()
}

// MarkExit records the slot's last exit code and signal.
func (s *Store) MarkExit(workspacePath, slot string, exitCode *int, signal *string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ensureTerminalLocked(workspacePath, slot)
	rec.LastExitCode = exitCode
	rec.LastSignal = signal
	rec.UpdatedAt = time.Now()
	s.scheduleFlushLocked()
}

// MarkQuickCommand sets the slot's quick-command flag. The flag is one-way:
// once true it is never reset by a later call.
func (s *Store) MarkQuickCommand(workspacePath, slot string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ensureTerminalLocked(workspacePath, slot)
	if !rec.QuickCommandExecuted {
		rec.QuickCommandExecuted = true
		rec.UpdatedAt = time.Now()
		s.scheduleFlushLocked()
	}
}

// SetActiveTerminal records which slot the workspace considers active. A nil
// slot clears the pointer.
func (s *Store) SetActiveTerminal(workspacePath string, slot *string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws := s.ensureWorkspaceLocked(workspacePath)
	ws.ActiveTerminal = slot
	ws.UpdatedAt = time.Now()
	s.scheduleFlushLocked()
}

// ClearTerminal removes one slot's record, and the workspace entry when it
// becomes empty.
func (s *Store) ClearTerminal(workspacePath, slot string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.doc.Workspaces[workspacePath]
	if !ok {
		return
	}
	if _, ok := ws.Terminals[slot]; !ok {
		return
	}
	delete(ws.Terminals, slot)
	if ws.ActiveTerminal != nil && *ws.ActiveTerminal == slot {
		ws.ActiveTerminal = nil
	}
	if len(ws.Terminals) == 0 {
		delete(s.doc.Workspaces, workspacePath)
	} else {
		ws.UpdatedAt = time.Now()
	}
	s.scheduleFlushLocked()
}

// ClearWorkspace removes the whole workspace entry.
func (s *Store) ClearWorkspace(workspacePath string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.Workspaces[workspacePath]; !ok {
		return
	}
	delete(s.doc.Workspaces, workspacePath)
	s.scheduleFlushLocked()
}

// Workspace returns a deep copy of one workspace's state.
func (s *Store) Workspace(workspacePath string) (WorkspaceState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.doc.Workspaces[workspacePath]
	if !ok {
		return WorkspaceState{}, false
	}
	return copyWorkspace(ws), true
}

// Terminal returns a copy of one slot's record.
func (s *Store) Terminal(workspacePath, slot string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.doc.Workspaces[workspacePath]
	if !ok {
		return Record{}, false
	}
	rec, ok := ws.Terminals[slot]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// ListWorkspaces returns the saved workspace paths, sorted.
func (s *Store) ListWorkspaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.doc.Workspaces))
	for path := range s.doc.Workspaces {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// Flush writes the in-memory document to disk immediately.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// Close cancels any pending debounce and performs a final flush.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.dirty {
		return s.flushLocked()
	}
	return nil
}

func (s *Store) ensureWorkspaceLocked(workspacePath string) *WorkspaceState {
	ws, ok := s.doc.Workspaces[workspacePath]
	if !ok {
		ws = &WorkspaceState{
			Terminals: map[string]*Record{},
			UpdatedAt: time.Now(),
		}
		s.doc.Workspaces[workspacePath] = ws
	}
	return ws
}

func (s *Store) ensureTerminalLocked(workspacePath, slot string) *Record {
	ws := s.ensureWorkspaceLocked(workspacePath)
	rec, ok := ws.Terminals[slot]
	if !ok {
		rec = &Record{UpdatedAt: time.Now()}
		ws.Terminals[slot] = rec
		ws.UpdatedAt = rec.UpdatedAt
	}
	return rec
}

// scheduleFlushLocked marks the document dirty and arms the debounce timer.
// A burst of mutations inside one window produces exactly one disk write.
func (s *Store) scheduleFlushLocked() {
	s.dirty = true
	if s.closed || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.timer = nil
		if !s.dirty {
			return
		}
		if err := s.flushLocked(); err != nil {
			// Best-effort durability: keep the document dirty so the next
			// mutation's debounce cycle retries the write.
			s.log.Warn("failed to flush store", zap.String("path", s.path), zap.Error(err))
		}
	})
}

func (s *Store) flushLocked() error {
	if s.path == "" {
		return errors.New("store path not configured")
	}
	data, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}
	if err := paths.EnsureParentDir(s.path); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write store: %w", err)
	}
	s.dirty = false
	s.flushes++
	return nil
}

func (s *Store) load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse store: %w", err)
	}
	if doc.Workspaces == nil {
		doc.Workspaces = map[string]*WorkspaceState{}
	}
	for _, ws := range doc.Workspaces {
		if ws.Terminals == nil {
			ws.Terminals = map[string]*Record{}
		}
	}
	s.doc = doc
	return nil
}

// trimHistory keeps the most recent limit bytes, advancing the cut to the
// next rune boundary so a trim never leaves a partial UTF-8 sequence at the
// front of the persisted history.
func trimHistory(history string, limit int) string {
	if len(history) <= limit {
		return history
	}
	cut := len(history) - limit
	for cut < len(history) && !utf8.RuneStart(history[cut]) {
		cut++
	}
	return history[cut:]
}

func copyWorkspace(ws *WorkspaceState) WorkspaceState {
	out := WorkspaceState{
		UpdatedAt: ws.UpdatedAt,
		Terminals: make(map[string]*Record, len(ws.Terminals)),
	}
	if ws.ActiveTerminal != nil {
		active := *ws.ActiveTerminal
		out.ActiveTerminal = &active
	}
	for slot, rec := range ws.Terminals {
		clone := *rec
		out.Terminals[slot] = &clone
	}
	return out
}
