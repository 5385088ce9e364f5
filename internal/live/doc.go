// Package live owns the per-process registry of live client streams.
//
// A Hub maps user ids to their open connections, enforces global and per-user
// connection caps at admission, and fans invalidation events out to local
// connections. Each connection has a single writer goroutine that also emits the
// periodic heartbeat, so writes to one stream never interleave.
package live
