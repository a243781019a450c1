package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionCreate: true,
	TypeSessionAttach: true,
	TypeSessionInput:  true,
	TypeSessionResize: true,
	TypeSessionClose:  true,
	TypeSessionList:   true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil && msg.Type != TypeSessionList {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeSessionCreate:
		var p SessionCreatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Type == "" {
			return nil, fmt.Errorf("missing required field 'type' in %s payload", msg.Type)
		}
		if p.WorkspacePath == "" {
			return nil, fmt.Errorf("missing required field 'workspacePath' in %s payload", msg.Type)
		}

	case TypeSessionAttach:
		var p SessionAttachPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s payload", msg.Type)
		}
		if p.AfterSeq < 0 {
			return nil, fmt.Errorf("'afterSeq' must not be negative in %s payload", msg.Type)
		}

	case TypeSessionInput:
		var p SessionInputPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s payload", msg.Type)
		}
		if len(p.Data) == 0 {
			return nil, fmt.Errorf("missing required field 'data' in %s payload", msg.Type)
		}

	case TypeSessionResize:
		var p SessionResizePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s payload", msg.Type)
		}
		if p.Cols <= 0 || p.Rows <= 0 {
			return nil, fmt.Errorf("'cols' and 'rows' must be positive in %s payload", msg.Type)
		}

	case TypeSessionClose:
		var p SessionIDPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s payload", msg.Type)
		}
	}

	return &msg, nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}

// NewSessionErrorMessage creates an error message scoped to one session.
func NewSessionErrorMessage(code, message, sessionID string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
	})
}
