package domain

import "encoding/json"

// EventName is the SSE event type written on a live stream.
type EventName string

const (
	EventConnected  EventName = "connected"
	EventHeartbeat  EventName = "heartbeat"
	EventInvalidate EventName = "invalidate"
)

// Event is one of Connected, Heartbeat or Invalidate. The unexported marker keeps
// the set closed: every writer produces one of the three known shapes.
type Event interface {
	Name() EventName
	Data() ([]byte, error)
	isEvent()
}

// Connected acknowledges a freshly registered stream.
type Connected struct{}

func (Connected) Name() EventName { return EventConnected }

func (Connected) Data() ([]byte, error) {
	return []byte(`{"connected":true}`), nil
}

func (Connected) isEvent() {}

// Heartbeat keeps intermediaries from treating the stream as idle.
type Heartbeat struct{}

func (Heartbeat) Name() EventName { return EventHeartbeat }

func (Heartbeat) Data() ([]byte, error) {
	return []byte(`{}`), nil
}

func (Heartbeat) isEvent() {}

// Invalidate tells the client the listed resource keys are stale.
type Invalidate struct {
	Keys []string `json:"keys"`
}

func (Invalidate) Name() EventName { return EventInvalidate }

func (e Invalidate) Data() ([]byte, error) {
	keys := e.Keys
	if keys == nil {
		keys = []string{}
	}
	return json.Marshal(Invalidate{Keys: keys})
}

func (Invalidate) isEvent() {}
