// ABOUTME: Store interface and data types for loom-gateway conversation persistence
// ABOUTME: Defines Session, Message and the Store interface the rest of the gateway depends on

package store

import (
	"context"
	"errors"
	"time"
)

// ErrExists is returned when creating a session whose id is already taken.
// Callers racing on resolve-or-create treat it as "someone else won".
var ErrExists = errors.New("session already exists")

// Role identifies a message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a session's ordered history.
type Message struct {
	Role      Role
	Content   string
	CreatedAt time.Time
}

// Session is conversation metadata. Message history lives in its own table
// and is fetched separately.
type Session struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store defines conversation persistence. Every mutating call commits before
// returning success; per-session operations are serialized while different
// sessions proceed independently.
type Store interface {
	// Create persists a new session. An empty id means "generate one"; the
	// created id is returned. A non-empty systemPrompt seeds a leading
	// system message. Fails with ResourceExhausted at the session ceiling
	// and ErrExists when the id is already taken.
	Create(ctx context.Context, id, systemPrompt string) (string, error)

	// Ensure resolves an existing session or creates it, reporting whether
	// a create happened. An empty id always creates with a generated id.
	Ensure(ctx context.Context, id, systemPrompt string) (string, bool, error)

	// Append atomically adds a message to the session's history.
	// Fails with NotFound for an unknown session.
	Append(ctx context.Context, id string, msg Message) error

	// History returns the full ordered message history.
	History(ctx context.Context, id string) ([]Message, error)

	// PrunedContext returns the leading system message (when present) plus
	// the last limit non-system messages, in original order.
	PrunedContext(ctx context.Context, id string, limit int) ([]Message, error)

	// Rollback removes the last count non-system messages. The leading
	// system message is never removed; a count larger than the available
	// non-system messages fails with ValidationError.
	Rollback(ctx context.Context, id string, count int) error

	// Delete removes the session and its messages. Deleting an absent
	// session fails with NotFound and has no side effects, so repeated
	// deletes are safe.
	Delete(ctx context.Context, id string) error

	// ListIDs enumerates session ids. Order is stable within one snapshot.
	ListIDs(ctx context.Context) ([]string, error)

	// GetSession returns session metadata, NotFound when unknown.
	GetSession(ctx context.Context, id string) (*Session, error)

	// Count reports how many sessions exist.
	Count(ctx context.Context) (int, error)

	// SweepExpired deletes sessions idle longer than ttl and reports how
	// many were removed. A ttl of zero or less is a no-op.
	SweepExpired(ctx context.Context, ttl time.Duration) (int, error)

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
