// Package domain defines the core types and interfaces of the live invalidation bus.
//
// Concept-oriented files (user.go, event.go, invalidation.go, transport.go, errors.go) hold
// shared value types and the contracts adapters implement. No I/O lives here.
package domain
