package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages. ID is a client-chosen
// correlation token: replies to a request echo the request's ID so a client
// can pair acknowledgments with in-flight requests.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewReply creates a response message correlated to a client request.
func NewReply(requestID, msgType string, payload any) (*Message, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	msg.ID = requestID
	return msg, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate     = "session.update"
	TypeSessionCreated    = "session.created"
	TypeSessionAttached   = "session.attached"
	TypeSessionEvent      = "session.event"
	TypeSessionTerminated = "session.terminated"
	TypeWorkspaceChanged  = "workspace.changed"
	TypeError             = "error"
)

// Client → Server message types.
const (
	TypeSessionCreate = "session.create"
	TypeSessionAttach = "session.attach"
	TypeSessionInput  = "session.input"
	TypeSessionResize = "session.resize"
	TypeSessionClose  = "session.close"
	TypeSessionList   = "session.list"
)

// Error codes.
const (
	ErrSessionNotFound    = "SESSION_NOT_FOUND"
	ErrUnknownSessionType = "UNKNOWN_SESSION_TYPE"
	ErrInvalidMessage     = "INVALID_MESSAGE"
	ErrMaxSessions        = "MAX_SESSIONS"
	ErrSpawnFailed        = "SPAWN_FAILED"
	ErrInputFailed        = "INPUT_FAILED"
	ErrStorage            = "STORAGE_ERROR"
)

// EventPayload is one durably sequenced unit of session output. Data is
// base64 on the wire regardless of channel so binary PTY chunks and
// structured agent JSON round-trip identically.
type EventPayload struct {
	SessionID string    `json:"sessionId"`
	Seq       int64     `json:"seq"`
	Channel   string    `json:"channel"`
	Type      string    `json:"type"`
	Data      []byte    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Server → Client payloads.

type SessionUpdatePayload struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	WorkspacePath string `json:"workspacePath"`
	Title         string `json:"title"`
	ActivityState string `json:"activityState"`
	Resumed       bool   `json:"resumed,omitempty"`
	CreatedAt     string `json:"createdAt"`
}

type SessionAttachedPayload struct {
	SessionID string         `json:"sessionId"`
	AfterSeq  int64          `json:"afterSeq"`
	Events    []EventPayload `json:"events"`
}

type SessionListPayload struct {
	Sessions []SessionUpdatePayload `json:"sessions"`
}

type SessionTerminatedPayload struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
}

type WorkspaceChangedPayload struct {
	SessionID     string `json:"sessionId"`
	WorkspacePath string `json:"workspacePath"`
	ChangeCount   int    `json:"changeCount"`
}

// ErrorPayload reports a failure. SessionID is set when the error is scoped
// to a single session (input/spawn failures) so the connection stays usable
// for every other session it is attached to.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

// Client → Server payloads.

type SessionCreatePayload struct {
	Type          string            `json:"type"`
	WorkspacePath string            `json:"workspacePath"`
	Title         string            `json:"title,omitempty"`
	Resume        string            `json:"resume,omitempty"`
	Options       map[string]string `json:"options,omitempty"`
}

type SessionAttachPayload struct {
	SessionID string `json:"sessionId"`
	AfterSeq  int64  `json:"afterSeq"`
}

type SessionInputPayload struct {
	SessionID string `json:"sessionId"`
	Data      []byte `json:"data"`
}

type SessionResizePayload struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}
