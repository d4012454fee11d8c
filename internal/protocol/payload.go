package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownCommand is returned when a request names a command the host does
// not implement.
var ErrUnknownCommand = errors.New("unknown command")

// ConfigureRequest points the host at the store file used by the embedding
// application. The host records it for diagnostics; the application process
// remains the store's single writer.
type ConfigureRequest struct {
	StorePath string `json:"storePath"`
}

func (r *ConfigureRequest) Validate() error { return nil }

// EnsureSessionRequest creates or reattaches a session keyed by
// (workspacePath, slot).
type EnsureSessionRequest struct {
	WorkspacePath string            `json:"workspacePath"`
	Slot          string            `json:"slot"`
	Command       string            `json:"command"`
	Args          []string          `json:"args,omitempty"`
	Cols          int               `json:"cols,omitempty"`
	Rows          int               `json:"rows,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
}

func (r *EnsureSessionRequest) Validate() error {
	if r.WorkspacePath == "" {
		return errors.New("workspacePath is required")
	}
	if r.Slot == "" {
		return errors.New("slot is required")
	}
	return nil
}

// WriteSessionRequest sends input bytes to a session's PTY.
type WriteSessionRequest struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

func (r *WriteSessionRequest) Validate() error { return requireSessionID(r.SessionID) }

// ResizeSessionRequest changes a session's PTY window size.
type ResizeSessionRequest struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

func (r *ResizeSessionRequest) Validate() error {
	if err := requireSessionID(r.SessionID); err != nil {
		return err
	}
	if r.Cols <= 0 || r.Rows <= 0 {
		return errors.New("cols and rows must be positive")
	}
	return nil
}

// ReleaseSessionRequest is the advisory detach: the caller stops listening,
// the process keeps running.
type ReleaseSessionRequest struct {
	SessionID string `json:"sessionId"`
}

func (r *ReleaseSessionRequest) Validate() error { return requireSessionID(r.SessionID) }

// DisposeSessionRequest kills the PTY process and forgets the session.
type DisposeSessionRequest struct {
	SessionID string `json:"sessionId"`
}

func (r *DisposeSessionRequest) Validate() error { return requireSessionID(r.SessionID) }

// ListSessionsRequest asks for a snapshot of the live session table.
type ListSessionsRequest struct{}

func (r *ListSessionsRequest) Validate() error { return nil }

// EnsureSessionResult reports the session id, whether it already existed, and
// any output produced while no client was attached.
type EnsureSessionResult struct {
	SessionID string `json:"sessionId"`
	Existing  bool   `json:"existing"`
	Pending   string `json:"pending,omitempty"`
}

// SessionInfo is the diagnostic snapshot of one live session.
type SessionInfo struct {
	SessionID     string    `json:"sessionId"`
	WorkspacePath string    `json:"workspacePath"`
	Slot          string    `json:"slot"`
	Command       string    `json:"command"`
	Args          []string  `json:"args,omitempty"`
	Pid           int       `json:"pid"`
	Attached      int       `json:"attached"`
	StartedAt     time.Time `json:"startedAt"`
}

// ListSessionsResult is the listSessions snapshot.
type ListSessionsResult struct {
	Sessions  []SessionInfo `json:"sessions"`
	StorePath string        `json:"storePath,omitempty"`
}

// SessionDataEvent carries a chunk of PTY output.
type SessionDataEvent struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// SessionExitEvent reports that a session's process ended on its own.
type SessionExitEvent struct {
	SessionID string  `json:"sessionId"`
	ExitCode  *int    `json:"exitCode"`
	Signal    *string `json:"signal"`
}

// SessionDisposedEvent reports that a session was torn down by a path other
// than a normal exit.
type SessionDisposedEvent struct {
	SessionID string `json:"sessionId"`
}

// validator is implemented by every request payload.
type validator interface {
	Validate() error
}

// DecodeRequestPayload decodes and validates the payload for a request frame,
// returning the typed struct for the command. Unknown commands and invalid
// payloads fail decoding; callers never see a half-validated payload.
func DecodeRequestPayload(msg Message) (interface{}, error) {
	var payload validator
	switch msg.Command {
	case CmdConfigure:
		payload = &ConfigureRequest{}
	case CmdEnsureSession:
		payload = &EnsureSessionRequest{}
	case CmdWriteSession:
		payload = &WriteSessionRequest{}
	case CmdResizeSession:
		payload = &ResizeSessionRequest{}
	case CmdReleaseSession:
		payload = &ReleaseSessionRequest{}
	case CmdDisposeSession:
		payload = &DisposeSessionRequest{}
	case CmdListSessions:
		payload = &ListSessionsRequest{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, msg.Command)
	}

	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, payload); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", msg.Command, err)
		}
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", msg.Command, err)
	}
	return payload, nil
}

// DecodeEventPayload decodes the payload for an event frame.
func DecodeEventPayload(msg Message) (interface{}, error) {
	var payload interface{}
	switch msg.Event {
	case EventSessionData:
		payload = &SessionDataEvent{}
	case EventSessionExit:
		payload = &SessionExitEvent{}
	case EventSessionDisposed:
		payload = &SessionDisposedEvent{}
	default:
		return nil, fmt.Errorf("unknown event: %s", msg.Event)
	}
	if err := json.Unmarshal(msg.Payload, payload); err != nil {
		return nil, fmt.Errorf("invalid %s event: %w", msg.Event, err)
	}
	return payload, nil
}

func requireSessionID(id string) error {
	if id == "" {
		return errors.New("sessionId is required")
	}
	return nil
}
