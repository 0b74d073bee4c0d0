// ABOUTME: Full-duplex adapter: one plain text frame per token over a WebSocket.
// ABOUTME: Turn ends with a __DONE__ control frame carrying session id and token count.

package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/loom-gateway/internal/engine"
	"github.com/2389/loom-gateway/internal/generation"
)

// writeWait bounds each outgoing frame write.
const writeWait = 10 * time.Second

// doneFrame is the payload of the __DONE__ control frame.
type doneFrame struct {
	SessionID string `json:"session_id"`
	Tokens    int    `json:"tokens"`
}

// ServeDuplex streams one turn over an established WebSocket connection:
// token text frames in engine order, then a single "__DONE__:<json>" or
// "__ERROR__:<message>" control frame. A failed write means the peer is gone;
// the generation is cancelled and the write error returned.
//
// It reports how many tokens were forwarded and the turn's terminal error:
// nil after the done frame, the engine failure after an error frame.
func ServeDuplex(conn *websocket.Conn, h *generation.Handle) (int, error) {
	tokens := 0

	for ev := range h.Events() {
		switch ev.Type {
		case engine.EventToken:
			if err := writeText(conn, ev.Text); err != nil {
				h.Cancel()
				return tokens, fmt.Errorf("write token frame: %w", err)
			}
			tokens++

		case engine.EventDone:
			payload, err := json.Marshal(doneFrame{SessionID: h.SessionID(), Tokens: tokens})
			if err != nil {
				return tokens, fmt.Errorf("encode done frame: %w", err)
			}
			return tokens, writeText(conn, "__DONE__:"+string(payload))

		case engine.EventError:
			if err := writeText(conn, "__ERROR__:"+ev.Err.Error()); err != nil {
				return tokens, fmt.Errorf("write error frame: %w", err)
			}
			return tokens, ev.Err
		}
	}
	return tokens, nil
}

func writeText(conn *websocket.Conn, text string) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, []byte(text))
}
