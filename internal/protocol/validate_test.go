package protocol

import (
	"encoding/json"
	"testing"
)

func TestValidateClientMessage_InvalidJSON(t *testing.T) {
	_, err := ValidateClientMessage([]byte("{not json"))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestValidateClientMessage_MissingType(t *testing.T) {
	_, err := ValidateClientMessage([]byte(`{"payload":{}}`))
	if err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestValidateClientMessage_UnknownType(t *testing.T) {
	_, err := ValidateClientMessage([]byte(`{"type":"bogus","payload":{}}`))
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestValidateClientMessage_ServerTypeRejected(t *testing.T) {
	// Server→client types must not be accepted from clients.
	_, err := ValidateClientMessage([]byte(`{"type":"session.event","payload":{}}`))
	if err == nil {
		t.Fatal("expected error for server-originated type")
	}
}

func TestValidateClientMessage_MissingPayload(t *testing.T) {
	_, err := ValidateClientMessage([]byte(`{"type":"session.attach"}`))
	if err == nil {
		t.Fatal("expected error for missing payload")
	}
}

func TestValidateClientMessage_ListNeedsNoPayload(t *testing.T) {
	msg, err := ValidateClientMessage([]byte(`{"type":"session.list"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Type != TypeSessionList {
		t.Errorf("expected type %s, got %s", TypeSessionList, msg.Type)
	}
}

func TestValidateClientMessage_PayloadFields(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{
			name:    "valid create",
			raw:     `{"type":"session.create","payload":{"type":"pty","workspacePath":"/tmp"}}`,
			wantErr: false,
		},
		{
			name:    "create missing workspacePath",
			raw:     `{"type":"session.create","payload":{"type":"pty"}}`,
			wantErr: true,
		},
		{
			name:    "create missing type",
			raw:     `{"type":"session.create","payload":{"workspacePath":"/tmp"}}`,
			wantErr: true,
		},
		{
			name:    "valid attach from beginning",
			raw:     `{"type":"session.attach","payload":{"sessionId":"abc","afterSeq":0}}`,
			wantErr: false,
		},
		{
			name:    "valid attach resume",
			raw:     `{"type":"session.attach","payload":{"sessionId":"abc","afterSeq":42}}`,
			wantErr: false,
		},
		{
			name:    "attach negative afterSeq",
			raw:     `{"type":"session.attach","payload":{"sessionId":"abc","afterSeq":-1}}`,
			wantErr: true,
		},
		{
			name:    "attach missing sessionId",
			raw:     `{"type":"session.attach","payload":{"afterSeq":0}}`,
			wantErr: true,
		},
		{
			name:    "valid input",
			raw:     `{"type":"session.input","payload":{"sessionId":"abc","data":"bHM K"}}`,
			wantErr: true, // invalid base64
		},
		{
			name:    "valid input base64",
			raw:     `{"type":"session.input","payload":{"sessionId":"abc","data":"bHMK"}}`,
			wantErr: false,
		},
		{
			name:    "input missing data",
			raw:     `{"type":"session.input","payload":{"sessionId":"abc"}}`,
			wantErr: true,
		},
		{
			name:    "valid resize",
			raw:     `{"type":"session.resize","payload":{"sessionId":"abc","cols":80,"rows":24}}`,
			wantErr: false,
		},
		{
			name:    "resize zero cols",
			raw:     `{"type":"session.resize","payload":{"sessionId":"abc","cols":0,"rows":24}}`,
			wantErr: true,
		},
		{
			name:    "valid close",
			raw:     `{"type":"session.close","payload":{"sessionId":"abc"}}`,
			wantErr: false,
		},
		{
			name:    "close missing sessionId",
			raw:     `{"type":"session.close","payload":{}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateClientMessage([]byte(tt.raw))
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestEventPayload_BinaryRoundTrip(t *testing.T) {
	// PTY output is arbitrary bytes; it must survive the wire encoding intact.
	raw := []byte{0x1b, '[', '3', '1', 'm', 0x00, 0xff, 0xfe, '\r', '\n'}
	in := EventPayload{SessionID: "s1", Seq: 7, Channel: "pty:stdout", Type: "chunk", Data: raw}

	encoded, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out EventPayload
	if err := json.Unmarshal(encoded, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(out.Data) != string(raw) {
		t.Errorf("payload corrupted: %q != %q", out.Data, raw)
	}
}

func TestNewReply_EchoesRequestID(t *testing.T) {
	msg, err := NewReply("req-9", TypeSessionAttached, SessionAttachedPayload{SessionID: "s1"})
	if err != nil {
		t.Fatalf("NewReply: %v", err)
	}
	if msg.ID != "req-9" {
		t.Errorf("expected request ID echoed, got %q", msg.ID)
	}
	if msg.Timestamp.IsZero() {
		t.Error("expected timestamp set")
	}
}
