package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/restyle/internal/protocol"
)

const defaultWriteTimeout = 10 * time.Second

// WSSink writes each event as one JSON text message.
type WSSink struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func NewWSSink(conn *websocket.Conn) *WSSink {
	return &WSSink{conn: conn, writeTimeout: defaultWriteTimeout}
}

func (s *WSSink) Send(ev protocol.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(ev)
}

// Close sends a normal closure frame.
func (s *WSSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (s *WSSink) Transport() string { return "ws" }
