package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event is one frame pushed to a stream subscriber. Style-level events carry
// Style plus Delta or Error; session-level terminal events carry Done or Cancelled.
type Event struct {
	Style     string `json:"style,omitempty"`
	Delta     string `json:"delta,omitempty"`
	Final     bool   `json:"final,omitempty"`
	Error     string `json:"error,omitempty"`
	Done      bool   `json:"done,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

func DeltaEvent(style, delta string) Event {
	return Event{Style: style, Delta: delta}
}

func FinalEvent(style string) Event {
	return Event{Style: style, Final: true}
}

func ErrorEvent(style, message string) Event {
	return Event{Style: style, Error: message, Final: true}
}

func DoneEvent() Event { return Event{Done: true} }

func CancelledEvent() Event { return Event{Cancelled: true} }

type styleFrame struct {
	Style string `json:"style"`
	Delta string `json:"delta"`
	Final bool   `json:"final"`
	Error string `json:"error,omitempty"`
}

// MarshalJSON always writes delta and final on style events, even when empty
// or false. Session-level events carry only their marker.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Style != "" {
		return json.Marshal(styleFrame{Style: e.Style, Delta: e.Delta, Final: e.Final, Error: e.Error})
	}
	type plain Event
	return json.Marshal(plain(e))
}

// SessionTerminal reports whether no further events follow for the whole session.
func (e Event) SessionTerminal() bool {
	return e.Done || e.Cancelled
}

// ParseEvent decodes one wire event.
func ParseEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("invalid event: %w", err)
	}
	return ev, nil
}

// MessageType identifies client messages accepted on the websocket stream.
type MessageType string

const TypeClientControl MessageType = "client_control"

const ActionCancel = "cancel"

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientControl is a control request from the stream subscriber. SessionID may
// be empty since the connection already names its session.
type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Action    string      `json:"action"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Action == "" {
			return nil, errors.New("invalid client_control: action is required")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
