package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEventWireShape(t *testing.T) {
	cases := []struct {
		name string
		ev   Event
		want string
	}{
		{"delta", DeltaEvent("casual", "Hey"), `{"style":"casual","delta":"Hey","final":false}`},
		{"final", FinalEvent("casual"), `{"style":"casual","delta":"","final":true}`},
		{"error", ErrorEvent("polite", "boom"), `{"style":"polite","delta":"","final":true,"error":"boom"}`},
		{"done", DoneEvent(), `{"done":true}`},
		{"cancelled", CancelledEvent(), `{"cancelled":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := json.Marshal(tc.ev)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if string(raw) != tc.want {
				t.Fatalf("Marshal() = %s, want %s", raw, tc.want)
			}
		})
	}
}

func TestSessionTerminal(t *testing.T) {
	if DeltaEvent("casual", "x").SessionTerminal() || FinalEvent("casual").SessionTerminal() {
		t.Fatalf("style events must not be session terminal")
	}
	if !DoneEvent().SessionTerminal() || !CancelledEvent().SessionTerminal() {
		t.Fatalf("done/cancelled must be session terminal")
	}
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"style":"social","delta":"yo","final":false}`))
	if err != nil {
		t.Fatalf("ParseEvent() error = %v", err)
	}
	if ev.Style != "social" || ev.Delta != "yo" || ev.Final {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if _, err := ParseEvent([]byte(`{nope`)); err == nil {
		t.Fatalf("ParseEvent() expected error for invalid json")
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"cancel"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.SessionID != "s1" || control.Action != ActionCancel {
		t.Fatalf("unexpected control: %+v", control)
	}
}

func TestParseClientMessageControlWithoutSessionID(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"client_control","action":"cancel"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.SessionID != "" || control.Action != ActionCancel {
		t.Fatalf("unexpected control: %+v", control)
	}
}

func TestParseClientMessageControlRequiresAction(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"client_control","session_id":"s1"}`)); err == nil {
		t.Fatalf("ParseClientMessage() expected error without action")
	}
}
