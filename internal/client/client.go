package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/TermHost/internal/logging"
	"github.com/GriffinCanCode/TermHost/internal/protocol"
	"github.com/GriffinCanCode/TermHost/internal/shared/paths"
)

var (
	// ErrConnectionClosed rejects requests that were in flight when the
	// socket dropped. The next call reconnects transparently.
	ErrConnectionClosed = errors.New("connection to host closed")

	// ErrHostUnavailable is returned when connect-spawn-retry is exhausted.
	ErrHostUnavailable = errors.New("host unavailable")

	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("client closed")
)

const (
	defaultSpawnAttempts = 6
	defaultSpawnBackoff  = 250 * time.Millisecond
)

// Options configures a Client. Zero values select the environment-driven
// defaults. Dial and SpawnHost are injectable for tests.
type Options struct {
	SocketPath    string
	HostBinary    string
	SpawnAttempts int
	SpawnBackoff  time.Duration

	Dial      func(socketPath string) (net.Conn, error)
	SpawnHost func(binary, socketPath string) error
}

// Client talks to the terminal host over one lazily-established connection.
// All methods are safe for concurrent use; requests may be in flight
// concurrently, correlated by id.
type Client struct {
	log  *logging.Logger
	opts Options

	mu        sync.Mutex
	conn      net.Conn
	enc       *protocol.Encoder
	pending   map[string]chan protocol.Message
	subs      map[int]func(protocol.Message)
	nextSubID int
	connected bool
	closed    bool

	// Events are fanned out on a dedicated goroutine fed by this queue, so
	// a subscriber callback that blocks cannot stall the read loop and the
	// responses it correlates.
	eventMu    sync.Mutex
	eventQueue []protocol.Message
	eventWake  chan struct{}
	closeCh    chan struct{}
}

// New creates a client. It does not connect; the first call does.
func New(opts Options, log *logging.Logger) *Client {
	if log == nil {
		log = logging.NewNop()
	}
	if opts.SocketPath == "" {
		opts.SocketPath = paths.SocketPath()
	}
	if opts.HostBinary == "" {
		opts.HostBinary = defaultHostBinary()
	}
	if opts.SpawnAttempts <= 0 {
		opts.SpawnAttempts = defaultSpawnAttempts
	}
	if opts.SpawnBackoff <= 0 {
		opts.SpawnBackoff = defaultSpawnBackoff
	}
	if opts.Dial == nil {
		opts.Dial = func(socketPath string) (net.Conn, error) {
			return net.DialTimeout("unix", socketPath, time.Second)
		}
	}
	if opts.SpawnHost == nil {
		opts.SpawnHost = spawnHost
	}
	c := &Client{
		log:       log.Named("client"),
		opts:      opts,
		pending:   make(map[string]chan protocol.Message),
		subs:      make(map[int]func(protocol.Message)),
		eventWake: make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
	}
	go c.dispatchEvents()
	return c
}

// Subscribe registers fn for every inbound event frame and returns an
// unsubscribe func. Events are not correlated to requests.
func (c *Client) Subscribe(fn func(protocol.Message)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	subID := c.nextSubID
	c.nextSubID++
	c.subs[subID] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, subID)
	}
}

// Configure points the host at the session store path.
func (c *Client) Configure(ctx context.Context, storePath string) error {
	return c.call(ctx, protocol.CmdConfigure, &protocol.ConfigureRequest{StorePath: storePath}, nil)
}

// EnsureSession creates or reattaches the session for the request's
// (workspacePath, slot) key.
func (c *Client) EnsureSession(ctx context.Context, req protocol.EnsureSessionRequest) (*protocol.EnsureSessionResult, error) {
	var result protocol.EnsureSessionResult
	if err := c.call(ctx, protocol.CmdEnsureSession, &req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Write sends input to a session's PTY.
func (c *Client) Write(ctx context.Context, sessionID, data string) error {
	return c.call(ctx, protocol.CmdWriteSession, &protocol.WriteSessionRequest{
		SessionID: sessionID,
		Data:      data,
	}, nil)
}

// Resize changes a session's PTY dimensions.
func (c *Client) Resize(ctx context.Context, sessionID string, cols, rows int) error {
	return c.call(ctx, protocol.CmdResizeSession, &protocol.ResizeSessionRequest{
		SessionID: sessionID,
		Cols:      cols,
		Rows:      rows,
	}, nil)
}

// Release detaches advisorily; the session keeps running.
func (c *Client) Release(ctx context.Context, sessionID string) error {
	return c.call(ctx, protocol.CmdReleaseSession, &protocol.ReleaseSessionRequest{SessionID: sessionID}, nil)
}

// Dispose kills the session's process and removes it from the host.
func (c *Client) Dispose(ctx context.Context, sessionID string) error {
	return c.call(ctx, protocol.CmdDisposeSession, &protocol.DisposeSessionRequest{SessionID: sessionID}, nil)
}

// ListSessions returns the host's live session snapshot.
func (c *Client) ListSessions(ctx context.Context) (*protocol.ListSessionsResult, error) {
	var result protocol.ListSessionsResult
	if err := c.call(ctx, protocol.CmdListSessions, &protocol.ListSessionsRequest{}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Close tears down the connection and rejects any in-flight requests.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.closeCh)
	if conn != nil {
		conn.Close()
	}
	return nil
}

// call serializes one request, registers a waiter keyed by a fresh
// correlation id, and blocks until the matching response, a connection
// failure, or ctx cancellation.
func (c *Client) call(ctx context.Context, cmd protocol.Command, payload, result interface{}) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}

	corrID := uuid.NewString()
	msg, err := protocol.NewRequest(corrID, cmd, payload)
	if err != nil {
		return err
	}

	ch := make(chan protocol.Message, 1)
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.pending[corrID] = ch
	enc := c.enc
	c.mu.Unlock()

	if err := enc.Encode(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, corrID)
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			if resp.Error == ErrConnectionClosed.Error() {
				return ErrConnectionClosed
			}
			return errors.New(resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", cmd, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, corrID)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// ensureConnected reuses the live socket, or dials, spawning the host and
// retrying with fixed backoff for a bounded number of attempts.
func (c *Client) ensureConnected() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	if c.connected {
		return nil
	}

	conn, err := c.opts.Dial(c.opts.SocketPath)
	if err != nil {
		c.log.Info("host not reachable, spawning",
			zap.String("socket", c.opts.SocketPath),
			zap.String("binary", c.opts.HostBinary))
		if spawnErr := c.opts.SpawnHost(c.opts.HostBinary, c.opts.SocketPath); spawnErr != nil {
			// Another process may have spawned the host first; the retry
			// loop below settles it either way.
			c.log.Warn("host spawn failed", zap.Error(spawnErr))
		}
		for attempt := 0; attempt < c.opts.SpawnAttempts; attempt++ {
			time.Sleep(c.opts.SpawnBackoff)
			conn, err = c.opts.Dial(c.opts.SocketPath)
			if err == nil {
				break
			}
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHostUnavailable, err)
		}
	}

	c.conn = conn
	c.enc = protocol.NewEncoder(conn)
	c.connected = true
	go c.readLoop(conn)
	return nil
}

// readLoop dispatches inbound frames until the connection drops, then
// rejects every pending request and resets to disconnected.
func (c *Client) readLoop(conn net.Conn) {
	dec := protocol.NewDecoder(conn)
	for {
		msg, err := dec.Decode()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) {
				c.log.Warn("skipping malformed frame", zap.Error(err))
				continue
			}
			c.teardown(conn)
			return
		}

		switch msg.Type {
		case protocol.TypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case protocol.TypeEvent:
			c.enqueueEvent(msg)
		}
	}
}

// enqueueEvent hands an event frame to the dispatch goroutine without
// blocking the read loop.
func (c *Client) enqueueEvent(msg protocol.Message) {
	c.eventMu.Lock()
	c.eventQueue = append(c.eventQueue, msg)
	c.eventMu.Unlock()

	select {
	case c.eventWake <- struct{}{}:
	default:
	}
}

// dispatchEvents fans queued events out to subscribers in arrival order.
// Runs for the client's lifetime; a blocking subscriber delays later events
// but never response correlation.
func (c *Client) dispatchEvents() {
	for {
		select {
		case <-c.closeCh:
			return
		case <-c.eventWake:
		}

		for {
			c.eventMu.Lock()
			queue := c.eventQueue
			c.eventQueue = nil
			c.eventMu.Unlock()
			if len(queue) == 0 {
				break
			}

			for _, msg := range queue {
				c.mu.Lock()
				subs := make([]func(protocol.Message), 0, len(c.subs))
				for _, fn := range c.subs {
					subs = append(subs, fn)
				}
				c.mu.Unlock()
				for _, fn := range subs {
					fn(msg)
				}
			}
		}
	}
}

// teardown rejects all pending requests with a connection-closed error and
// returns the client to the disconnected state so the next call reconnects.
func (c *Client) teardown(conn net.Conn) {
	conn.Close()

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.enc = nil
	c.connected = false
	pending := c.pending
	c.pending = make(map[string]chan protocol.Message)
	c.mu.Unlock()

	for corrID, ch := range pending {
		ch <- protocol.NewErrorResponse(corrID, ErrConnectionClosed.Error())
	}
}
