// Package sse writes live events as a Server-Sent Events response.
package sse

import (
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/pscheid92/marketplace/internal/domain"
)

var ErrStreamClosed = errors.New("sse stream closed")

// Stream is a live.Stream over an HTTP response. Headers go out with the first
// event, so a handler can still answer with an error status until then.
type Stream struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
	closed  atomic.Bool
}

func NewStream(w http.ResponseWriter) *Stream {
	return &Stream{w: w, rc: http.NewResponseController(w)}
}

func (s *Stream) WriteEvent(event domain.Event) error {
	if s.closed.Load() {
		return ErrStreamClosed
	}

	data, err := event.Data()
	if err != nil {
		return err
	}

	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event.Name(), data); err != nil {
		return fmt.Errorf("write sse event: %w", err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("flush sse event: %w", err)
	}
	return nil
}

// Close makes later writes fail. The response itself ends when the handler
// returns.
func (s *Stream) Close() error {
	s.closed.Store(true)
	return nil
}
