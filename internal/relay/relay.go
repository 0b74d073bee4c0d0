// ABOUTME: Relay adapts one generation's token stream to the transport shapes.
// ABOUTME: Buffered collection here; SSE and WebSocket adapters in sibling files.

package relay

import (
	"context"

	"github.com/2389/loom-gateway/internal/engine"
	"github.com/2389/loom-gateway/internal/fault"
	"github.com/2389/loom-gateway/internal/generation"
)

// Result is a buffered generation outcome.
type Result struct {
	SessionID string
	Text      string
	Tokens    int
}

// Collect consumes the whole turn and returns it as one payload. On failure
// the partial text gathered so far is returned alongside the error. A caller
// context that ends mid-turn cancels the generation.
func Collect(ctx context.Context, h *generation.Handle) (Result, error) {
	res := Result{SessionID: h.SessionID()}

	for {
		select {
		case <-ctx.Done():
			h.Cancel()
			return res, ctx.Err()

		case ev, ok := <-h.Events():
			if !ok {
				return res, fault.Enginef("generation ended without completing")
			}
			switch ev.Type {
			case engine.EventToken:
				res.Text += ev.Text
				res.Tokens++
			case engine.EventDone:
				return res, nil
			case engine.EventError:
				return res, ev.Err
			}
		}
	}
}
