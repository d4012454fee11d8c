package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the three frame kinds.
type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
	TypeEvent    MessageType = "event"
)

// Command names accepted by the host.
type Command string

const (
	CmdConfigure      Command = "configure"
	CmdEnsureSession  Command = "ensureSession"
	CmdReleaseSession Command = "releaseSession"
	CmdWriteSession   Command = "writeSession"
	CmdResizeSession  Command = "resizeSession"
	CmdDisposeSession Command = "disposeSession"
	CmdListSessions   Command = "listSessions"
)

// EventName names the unsolicited host events.
type EventName string

const (
	EventSessionData     EventName = "session-data"
	EventSessionExit     EventName = "session-exit"
	EventSessionDisposed EventName = "session-disposed"
)

// Message is the wire envelope for all three frame kinds. Unused fields are
// omitted on the wire; Type makes each frame self-describing.
type Message struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id,omitempty"`
	Command Command         `json:"command,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Error   string          `json:"error,omitempty"`
	Event   EventName       `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// NewRequest builds a request frame with the payload marshaled in place.
func NewRequest(id string, cmd Command, payload interface{}) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s payload: %w", cmd, err)
	}
	return Message{Type: TypeRequest, ID: id, Command: cmd, Payload: raw}, nil
}

// NewResponse builds a successful response frame correlated to a request id.
func NewResponse(id string, result interface{}) (Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return Message{Type: TypeResponse, ID: id, OK: true, Result: raw}, nil
}

// NewErrorResponse builds a failed response frame carrying the host error.
func NewErrorResponse(id string, msg string) Message {
	return Message{Type: TypeResponse, ID: id, OK: false, Error: msg}
}

// NewEvent builds an event frame with the payload marshaled in place.
func NewEvent(name EventName, payload interface{}) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s event: %w", name, err)
	}
	return Message{Type: TypeEvent, Event: name, Payload: raw}, nil
}
