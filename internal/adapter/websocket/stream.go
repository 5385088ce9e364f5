// Package websocket carries live events over a WebSocket, one JSON text frame
// per event.
package websocket

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pscheid92/marketplace/internal/domain"
)

const (
	writeDeadline = 5 * time.Second
	maxReadSize   = 512
)

type frame struct {
	Event domain.EventName `json:"event"`
	Data  json.RawMessage  `json:"data"`
}

// Stream is a live.Stream over a WebSocket connection.
type Stream struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func NewStream(conn *websocket.Conn) *Stream {
	conn.SetReadLimit(maxReadSize)
	return &Stream{conn: conn}
}

func (s *Stream) WriteEvent(event domain.Event) error {
	data, err := event.Data()
	if err != nil {
		return err
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := s.conn.WriteJSON(frame{Event: event.Name(), Data: data}); err != nil {
		return fmt.Errorf("write websocket frame: %w", err)
	}
	return nil
}

// ReadLoop discards client frames until the peer goes away and returns the
// reason. Control frames are handled by the library while it runs.
func (s *Stream) ReadLoop() error {
	for {
		_, r, err := s.conn.NextReader()
		if err != nil {
			return err
		}
		if _, err := io.Copy(io.Discard, r); err != nil {
			return err
		}
	}
}

// Close sends a close frame and closes the connection. Safe to call while a
// write is in progress.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

// IsNormalClose reports whether err from ReadLoop is an ordinary disconnect.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
