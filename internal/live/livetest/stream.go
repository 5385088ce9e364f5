// Package livetest provides an in-memory live.Stream for tests.
package livetest

import (
	"errors"
	"sync"
	"time"

	"github.com/pscheid92/marketplace/internal/domain"
)

// ErrBroken is returned by a Stream after Break.
var ErrBroken = errors.New("stream broken")

// Stream records written events. It detects concurrent writers, which a live
// connection must never produce.
type Stream struct {
	mu      sync.Mutex
	events  []domain.Event
	writing bool
	broken  bool
	closed  bool
	block   chan struct{}

	overlapped bool
	notify     chan struct{}
}

// NewStream returns an empty recording stream.
func NewStream() *Stream {
	return &Stream{notify: make(chan struct{}, 1024)}
}

// WriteEvent records event, or fails when the stream is broken.
func (s *Stream) WriteEvent(event domain.Event) error {
	s.mu.Lock()
	if s.writing {
		s.overlapped = true
	}
	if s.broken {
		s.mu.Unlock()
		return ErrBroken
	}
	s.writing = true
	block := s.block
	s.mu.Unlock()

	if block != nil {
		<-block
	}

	s.mu.Lock()
	s.events = append(s.events, event)
	s.writing = false
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close marks the stream closed.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Break makes every following write fail, like a reset socket.
func (s *Stream) Break() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broken = true
}

// Block makes writes hang until Unblock is called.
func (s *Stream) Block() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block = make(chan struct{})
}

// Unblock releases writes held by Block.
func (s *Stream) Unblock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.block != nil {
		close(s.block)
		s.block = nil
	}
}

// Overlapped reports whether two writes were ever in flight at the same time.
func (s *Stream) Overlapped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlapped
}

// Writing reports whether a write is currently in flight.
func (s *Stream) Writing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writing
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Events returns a copy of all recorded events.
func (s *Stream) Events() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

// Names returns the recorded event names in write order.
func (s *Stream) Names() []domain.EventName {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]domain.EventName, 0, len(s.events))
	for _, e := range s.events {
		names = append(names, e.Name())
	}
	return names
}

// Invalidations returns the keys of every recorded invalidate event.
func (s *Stream) Invalidations() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]string
	for _, e := range s.events {
		if inv, ok := e.(domain.Invalidate); ok {
			out = append(out, inv.Keys)
		}
	}
	return out
}

// WaitForEvents waits until at least n events were recorded.
func (s *Stream) WaitForEvents(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		count := len(s.events)
		s.mu.Unlock()
		if count >= n {
			return true
		}
		select {
		case <-s.notify:
		case <-deadline:
			return false
		}
	}
}
