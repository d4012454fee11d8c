package host

import (
	"sync"
	"time"
)

// maxPendingBytes bounds the per-session buffer of output accumulated while
// no client is attached. The suffix is kept on overflow, matching the
// store's history trimming.
const maxPendingBytes = 256 * 1024

// Session is one live PTY session tracked by the host.
type Session struct {
	ID            string
	WorkspacePath string
	Slot          string
	Command       string
	Args          []string
	StartedAt     time.Time

	proc Process

	mu       sync.Mutex
	attached int
	pending  []byte
	closed   bool
}

// process returns the PTY handle, which is nil only during spawn.
func (s *Session) process() Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

func (s *Session) setProcess(p Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proc = p
}

// attach increments the advisory subscriber count and drains the pending
// output accumulated while the session was detached.
func (s *Session) attach() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attached++
	pending := string(s.pending)
	s.pending = nil
	return pending
}

// release decrements the advisory subscriber count. The process keeps
// running regardless; zero attachment only means output starts accumulating
// in the pending buffer again.
func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attached > 0 {
		s.attached--
	}
}

// bufferIfDetached appends chunk to the pending buffer when no client is
// attached, keeping the tail on overflow.
func (s *Session) bufferIfDetached(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attached > 0 || s.closed {
		return
	}
	s.pending = append(s.pending, chunk...)
	if len(s.pending) > maxPendingBytes {
		s.pending = s.pending[len(s.pending)-maxPendingBytes:]
	}
}

// markClosed flags the session as closed. Returns false if it already was.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	return true
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) attachedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}
