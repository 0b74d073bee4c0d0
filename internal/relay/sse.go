// ABOUTME: Server-push adapter: one SSE frame per token, flushed immediately.
// ABOUTME: Wire framing matches the original service: raw data chunks, __ERROR__ terminal.

package relay

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/2389/loom-gateway/internal/engine"
	"github.com/2389/loom-gateway/internal/generation"
)

// keepaliveInterval is how often an idle SSE stream emits a comment frame so
// intermediaries do not drop the connection.
var keepaliveInterval = 15 * time.Second

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// ServeSSE forwards the turn to the client as server-sent events, one frame
// per token in engine order. An engine failure becomes a terminal
// "__ERROR__:<message>" frame. A client disconnect cancels the generation.
//
// It reports how many tokens were forwarded and the turn's terminal error:
// nil after a completed turn, the engine failure after an error frame, the
// request context's error after a disconnect. ErrStreamingUnsupported means
// nothing was written at all.
func ServeSSE(w http.ResponseWriter, r *http.Request, h *generation.Handle) (int, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return 0, ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	tokens := 0
	for {
		select {
		case <-ctx.Done():
			// Client went away; the generation settles itself.
			h.Cancel()
			return tokens, ctx.Err()

		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()

		case ev, ok := <-h.Events():
			if !ok {
				return tokens, nil
			}
			switch ev.Type {
			case engine.EventToken:
				writeFrame(w, ev.Text)
				flusher.Flush()
				tokens++
			case engine.EventDone:
				return tokens, nil
			case engine.EventError:
				writeFrame(w, "__ERROR__:"+ev.Err.Error())
				flusher.Flush()
				return tokens, ev.Err
			}
		}
	}
}

// writeFrame emits one SSE event. Newlines inside the payload become
// additional data lines of the same event, which is how multi-line data is
// expressed on this wire.
func writeFrame(w io.Writer, text string) {
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}
