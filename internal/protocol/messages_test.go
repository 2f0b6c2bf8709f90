package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageUserMessage(t *testing.T) {
	raw := []byte(`{"type":"user_message","text":"kya kar rahe ho?","client_msg_id":"c1"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	um, ok := msg.(UserMessage)
	if !ok {
		t.Fatalf("message type = %T, want UserMessage", msg)
	}
	if um.Text != "kya kar rahe ho?" || um.ClientMsgID != "c1" {
		t.Fatalf("unexpected user message: %+v", um)
	}
}

func TestParseClientMessageRejectsBlankText(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"user_message","text":"   "}`)); err == nil {
		t.Fatalf("expected error for blank text")
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageControl(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"client_control","action":"clear"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.Action != ActionClear {
		t.Fatalf("Action = %q, want %q", control.Action, ActionClear)
	}

	if _, err := ParseClientMessage([]byte(`{"type":"client_control","action":"dance"}`)); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}

func TestParseClientMessageInvalidJSON(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{`)); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}
