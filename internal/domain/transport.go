package domain

import "context"

// Transport is a shared pub/sub channel between processes. Implementations hold
// separate publish and subscribe connections.
type Transport interface {
	// Publish sends payload to every subscriber, this process included.
	Publish(ctx context.Context, payload []byte) error
	// Subscribe starts receiving payloads. The returned channel is closed when ctx
	// is cancelled or the transport is closed.
	Subscribe(ctx context.Context) (<-chan []byte, error)
	// Close releases both connections.
	Close() error
}
