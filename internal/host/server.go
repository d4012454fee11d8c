package host

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/TermHost/internal/logging"
	"github.com/GriffinCanCode/TermHost/internal/protocol"
	"github.com/GriffinCanCode/TermHost/internal/shared/id"
	"github.com/GriffinCanCode/TermHost/internal/shared/paths"
)

// ErrAlreadyRunning reports that another host owns the socket.
var ErrAlreadyRunning = errors.New("host already running")

// Server is the terminal host: it owns the live session table and serves
// protocol requests on a local unix socket.
type Server struct {
	log        *logging.Logger
	backend    Backend
	socketPath string
	sessions   *registry

	// ensureMu serializes the lookup-or-spawn path so concurrent
	// ensureSession calls for one key cannot race a duplicate spawn.
	ensureMu sync.Mutex

	mu        sync.Mutex
	listener  net.Listener
	conns     map[*serverConn]struct{}
	storePath string
	closed    bool

	wg sync.WaitGroup
}

// serverConn is one client connection plus its attach bookkeeping, so a
// dropped connection releases whatever it ensured.
type serverConn struct {
	netConn net.Conn
	enc     *protocol.Encoder

	mu       sync.Mutex
	attached map[string]int
}

// NewServer creates a host server on socketPath. A nil backend selects the
// real PTY backend.
func NewServer(socketPath string, backend Backend, log *logging.Logger) *Server {
	if backend == nil {
		backend = NewPTYBackend()
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Server{
		log:        log.Named("host"),
		backend:    backend,
		socketPath: socketPath,
		sessions:   newRegistry(),
		conns:      make(map[*serverConn]struct{}),
	}
}

// Start binds the socket and begins accepting connections. A stale socket
// file left by a dead host is detected with a dial probe and removed; a
// live host answering the probe fails Start with ErrAlreadyRunning.
func (s *Server) Start() error {
	if err := paths.EnsureParentDir(s.socketPath); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	if _, err := os.Stat(s.socketPath); err == nil {
		probe, err := net.DialTimeout("unix", s.socketPath, time.Second)
		if err == nil {
			probe.Close()
			return ErrAlreadyRunning
		}
		if err := os.Remove(s.socketPath); err != nil {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
		s.log.Info("removed stale socket", zap.String("path", s.socketPath))
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("host listening", zap.String("socket", s.socketPath))

	s.wg.Add(1)
	go s.acceptLoop(listener)
	return nil
}

// SocketPath returns the socket the server is bound to.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Stop closes the listener and all connections, kills every live session,
// and removes the socket file.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listener := s.listener
	conns := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, sc := range conns {
		sc.netConn.Close()
	}
	for _, sess := range s.sessions.list() {
		if removed, ok := s.sessions.remove(sess.ID); ok {
			removed.markClosed()
			if proc := removed.process(); proc != nil {
				proc.Kill()
			}
		}
	}
	s.wg.Wait()
	os.Remove(s.socketPath)
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		netConn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.log.Error("accept failed", zap.Error(err))
			}
			return
		}

		sc := &serverConn{
			netConn:  netConn,
			enc:      protocol.NewEncoder(netConn),
			attached: make(map[string]int),
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			netConn.Close()
			return
		}
		s.conns[sc] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(sc)
	}
}

func (s *Server) handleConn(sc *serverConn) {
	defer s.wg.Done()
	defer s.dropConn(sc)

	dec := protocol.NewDecoder(sc.netConn)
	for {
		msg, err := dec.Decode()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) {
				s.log.Warn("skipping malformed frame", zap.Error(err))
				continue
			}
			return
		}
		if msg.Type != protocol.TypeRequest {
			continue
		}
		s.dispatch(sc, msg)
	}
}

// dropConn unregisters a connection and releases every attachment it held,
// so sessions it was watching return to detached buffering.
func (s *Server) dropConn(sc *serverConn) {
	s.mu.Lock()
	_, registered := s.conns[sc]
	delete(s.conns, sc)
	s.mu.Unlock()
	if !registered {
		return
	}
	sc.netConn.Close()

	sc.mu.Lock()
	attached := sc.attached
	sc.attached = make(map[string]int)
	sc.mu.Unlock()

	for sessionID, count := range attached {
		if sess, ok := s.sessions.get(sessionID); ok {
			for i := 0; i < count; i++ {
				sess.release()
			}
		}
	}
}

func (s *Server) dispatch(sc *serverConn, msg protocol.Message) {
	payload, err := protocol.DecodeRequestPayload(msg)
	if err != nil {
		s.respond(sc, protocol.NewErrorResponse(msg.ID, err.Error()))
		return
	}

	var result interface{}
	switch p := payload.(type) {
	case *protocol.ConfigureRequest:
		result = s.handleConfigure(p)
	case *protocol.EnsureSessionRequest:
		result, err = s.handleEnsureSession(sc, p)
	case *protocol.WriteSessionRequest:
		result, err = s.handleWriteSession(p)
	case *protocol.ResizeSessionRequest:
		result, err = s.handleResizeSession(p)
	case *protocol.ReleaseSessionRequest:
		result = s.handleReleaseSession(sc, p)
	case *protocol.DisposeSessionRequest:
		result = s.handleDisposeSession(p)
	case *protocol.ListSessionsRequest:
		result = s.handleListSessions()
	default:
		err = fmt.Errorf("%w: %s", protocol.ErrUnknownCommand, msg.Command)
	}

	if err != nil {
		s.respond(sc, protocol.NewErrorResponse(msg.ID, err.Error()))
		return
	}
	resp, err := protocol.NewResponse(msg.ID, result)
	if err != nil {
		s.respond(sc, protocol.NewErrorResponse(msg.ID, err.Error()))
		return
	}
	s.respond(sc, resp)
}

func (s *Server) handleConfigure(p *protocol.ConfigureRequest) struct{} {
	s.mu.Lock()
	s.storePath = p.StorePath
	s.mu.Unlock()
	s.log.Info("configured", zap.String("storePath", p.StorePath))
	return struct{}{}
}

func (s *Server) handleEnsureSession(sc *serverConn, p *protocol.EnsureSessionRequest) (*protocol.EnsureSessionResult, error) {
	s.ensureMu.Lock()
	defer s.ensureMu.Unlock()

	if sess, ok := s.sessions.getByKey(p.WorkspacePath, p.Slot); ok && !sess.isClosed() {
		pending := sess.attach()
		sc.trackAttach(sess.ID)
		return &protocol.EnsureSessionResult{
			SessionID: sess.ID,
			Existing:  true,
			Pending:   pending,
		}, nil
	}

	sessionID := id.NewSessionID().String()
	sess := &Session{
		ID:            sessionID,
		WorkspacePath: p.WorkspacePath,
		Slot:          p.Slot,
		Command:       p.Command,
		Args:          p.Args,
		StartedAt:     time.Now(),
		attached:      1,
	}
	// Register before spawning so early output chunks find the session.
	s.sessions.add(sess)

	proc, err := s.backend.Spawn(SpawnSpec{
		Command: p.Command,
		Args:    p.Args,
		Dir:     p.WorkspacePath,
		Cols:    p.Cols,
		Rows:    p.Rows,
		Env:     p.Env,
	}, func(chunk []byte) {
		s.onSessionData(sessionID, chunk)
	}, func(status ExitStatus) {
		s.onSessionExit(sessionID, status)
	})
	if err != nil {
		s.sessions.remove(sessionID)
		return nil, fmt.Errorf("failed to start %q in %s: %v (check that the command exists and is executable)",
			p.Command, p.WorkspacePath, err)
	}
	sess.setProcess(proc)
	sc.trackAttach(sessionID)

	s.log.Info("session started",
		zap.String("sessionId", sessionID),
		zap.String("workspace", p.WorkspacePath),
		zap.String("slot", p.Slot),
		zap.String("command", p.Command),
		zap.Int("pid", proc.Pid()))

	return &protocol.EnsureSessionResult{SessionID: sessionID, Existing: false}, nil
}

func (s *Server) handleWriteSession(p *protocol.WriteSessionRequest) (struct{}, error) {
	sess, ok := s.sessions.get(p.SessionID)
	if !ok {
		return struct{}{}, fmt.Errorf("session not found: %s", p.SessionID)
	}
	proc := sess.process()
	if sess.isClosed() || proc == nil {
		return struct{}{}, nil
	}
	if _, err := proc.Write([]byte(p.Data)); err != nil {
		return struct{}{}, fmt.Errorf("failed to write to session %s: %w", p.SessionID, err)
	}
	return struct{}{}, nil
}

func (s *Server) handleResizeSession(p *protocol.ResizeSessionRequest) (struct{}, error) {
	sess, ok := s.sessions.get(p.SessionID)
	if !ok {
		return struct{}{}, fmt.Errorf("session not found: %s", p.SessionID)
	}
	proc := sess.process()
	if sess.isClosed() || proc == nil {
		return struct{}{}, nil
	}
	if err := proc.Resize(p.Cols, p.Rows); err != nil {
		return struct{}{}, fmt.Errorf("failed to resize session %s: %w", p.SessionID, err)
	}
	return struct{}{}, nil
}

// handleReleaseSession is purely advisory: the host never ties process
// lifetime to the subscriber count.
func (s *Server) handleReleaseSession(sc *serverConn, p *protocol.ReleaseSessionRequest) struct{} {
	if sess, ok := s.sessions.get(p.SessionID); ok {
		sess.release()
		sc.untrackAttach(p.SessionID)
	}
	return struct{}{}
}

// handleDisposeSession kills the process and removes the session entirely.
// Idempotent: disposing an unknown id succeeds.
func (s *Server) handleDisposeSession(p *protocol.DisposeSessionRequest) struct{} {
	sess, ok := s.sessions.remove(p.SessionID)
	if !ok {
		return struct{}{}
	}
	sess.markClosed()
	if proc := sess.process(); proc != nil {
		proc.Kill()
	}
	s.log.Info("session disposed", zap.String("sessionId", p.SessionID))
	s.broadcast(protocol.EventSessionDisposed, protocol.SessionDisposedEvent{SessionID: p.SessionID})
	return struct{}{}
}

func (s *Server) handleListSessions() *protocol.ListSessionsResult {
	s.mu.Lock()
	storePath := s.storePath
	s.mu.Unlock()

	sessions := s.sessions.list()
	infos := make([]protocol.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		pid := 0
		if proc := sess.process(); proc != nil {
			pid = proc.Pid()
		}
		infos = append(infos, protocol.SessionInfo{
			SessionID:     sess.ID,
			WorkspacePath: sess.WorkspacePath,
			Slot:          sess.Slot,
			Command:       sess.Command,
			Args:          sess.Args,
			Pid:           pid,
			Attached:      sess.attachedCount(),
			StartedAt:     sess.StartedAt,
		})
	}
	return &protocol.ListSessionsResult{Sessions: infos, StorePath: storePath}
}

// onSessionData buffers output for detached sessions and broadcasts the
// chunk to every connected client.
func (s *Server) onSessionData(sessionID string, chunk []byte) {
	sess, ok := s.sessions.get(sessionID)
	if !ok {
		return
	}
	sess.bufferIfDetached(chunk)
	s.broadcast(protocol.EventSessionData, protocol.SessionDataEvent{
		SessionID: sessionID,
		Data:      string(chunk),
	})
}

// onSessionExit removes the session and reports the exit. A session already
// removed by disposeSession emits nothing here; clients saw session-disposed.
func (s *Server) onSessionExit(sessionID string, status ExitStatus) {
	sess, ok := s.sessions.remove(sessionID)
	if !ok {
		return
	}
	sess.markClosed()
	s.log.Info("session exited",
		zap.String("sessionId", sessionID),
		zap.Intp("exitCode", status.Code),
		zap.Stringp("signal", status.Signal))
	s.broadcast(protocol.EventSessionExit, protocol.SessionExitEvent{
		SessionID: sessionID,
		ExitCode:  status.Code,
		Signal:    status.Signal,
	})
}

// broadcast sends an event frame to every connected client. A client whose
// write fails is dropped; its read loop tears the connection down.
func (s *Server) broadcast(name protocol.EventName, payload interface{}) {
	ev, err := protocol.NewEvent(name, payload)
	if err != nil {
		s.log.Error("failed to build event", zap.Error(err))
		return
	}

	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()

	for _, sc := range conns {
		if err := sc.enc.Encode(ev); err != nil {
			s.log.Debug("dropping client after failed event write", zap.Error(err))
			sc.netConn.Close()
		}
	}
}

func (s *Server) respond(sc *serverConn, msg protocol.Message) {
	if err := sc.enc.Encode(msg); err != nil {
		s.log.Debug("failed to write response", zap.Error(err))
		sc.netConn.Close()
	}
}

func (sc *serverConn) trackAttach(sessionID string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.attached[sessionID]++
}

func (sc *serverConn) untrackAttach(sessionID string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.attached[sessionID] > 1 {
		sc.attached[sessionID]--
	} else {
		delete(sc.attached, sessionID)
	}
}
