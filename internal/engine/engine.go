// ABOUTME: Engine interface and streaming event types for token generation.
// ABOUTME: Backends emit token events on a channel and finish with one terminal event.

package engine

import (
	"context"

	"github.com/2389/loom-gateway/internal/store"
)

// Request carries everything a backend needs for one generation turn.
// Messages is the already-pruned conversation context, oldest first.
type Request struct {
	Model         string
	Messages      []store.Message
	MaxTokens     int
	Temperature   float64
	TopP          float64
	TopK          int
	RepeatPenalty float64
	Stop          []string
}

// EventType indicates the type of streaming event.
type EventType int

const (
	EventToken EventType = iota
	EventDone
	EventError
)

// Event is one item on a generation stream. A stream yields zero or more
// EventToken events followed by exactly one EventDone or EventError, after
// which the channel is closed.
type Event struct {
	Type EventType
	Text string // token text, set for EventToken
	Err  error  // set for EventError
}

// Engine is a token generation backend.
type Engine interface {
	// Models reports the model names this engine can serve.
	Models() []string

	// Stream starts one generation and returns its event channel.
	// Cancelling ctx stops generation; the backend then stops emitting
	// and closes the channel, with a best-effort terminal error event.
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}
