// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store persists three kinds of state:
//
//   - Sessions: business sessions and their current agent binding
//   - Messages: the chat transcript per business session
//   - Credentials: stored provider API keys used as a provisioning fallback
//
// The SQLite implementation (modernc.org/sqlite, pure Go) creates its schema
// on open and enables WAL mode for concurrent readers.
package store
