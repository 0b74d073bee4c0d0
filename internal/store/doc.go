// Package store provides persistent conversation storage for the gateway using SQLite.
//
// # Architecture
//
// A session is an ordered list of messages, each carrying a role (system, user,
// or assistant) and text content. Sessions are created explicitly or resolved
// on first use via Ensure; an optional system prompt is seeded as the first
// message at creation time and is treated as pinned afterward.
//
// SQLiteStore implements the Store interface. Writes to a single session are
// serialized through a per-session lock so interleaved appends, rollbacks, and
// deletes never corrupt message order. Operations on distinct sessions proceed
// in parallel.
//
// # Data Models
//
//   - Session: id plus created/updated timestamps
//   - Message: role, content, created timestamp
//
// Message order is the insertion order (rowid), which is also the order
// History and PrunedContext return.
//
// # Pruning
//
// PrunedContext projects a bounded inference context from a session: the
// pinned system message (when present) followed by the last limit non-system
// messages. It never mutates stored history.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Deleting a session cascades to its messages.
//
// # Error Handling
//
//   - ErrExists: Create was given an id that is already taken
//   - fault.CodeNotFound: the session does not exist
//   - fault.CodeValidation: rollback or prune arguments are out of range
//   - fault.CodeResourceExhausted: the session ceiling is reached
//
// All methods accept context.Context for cancellation support.
//
// # Retention
//
// SweepExpired removes sessions whose updated_at is older than the given TTL.
// The gateway runs it on a timer when session_ttl is configured; a zero TTL
// disables the sweep.
package store
