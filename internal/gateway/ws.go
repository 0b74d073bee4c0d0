// ABOUTME: WebSocket chat endpoint: one JSON request per turn on a long-lived socket.
// ABOUTME: A read pump detects peer departure and cancels any in-flight turn.

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/loom-gateway/internal/auth"
	"github.com/2389/loom-gateway/internal/fault"
	"github.com/2389/loom-gateway/internal/relay"
)

// socketWriteWait bounds control frame writes outside a relayed turn.
const socketWriteWait = 10 * time.Second

// socketTurn is one decoded request off the socket's read pump. A decode
// failure travels in err so the writer side can report it.
type socketTurn struct {
	req generateRequest
	err error
}

// newUpgrader builds the WebSocket upgrader honoring the configured origins.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
}

// originChecker allows browserless clients, same-origin requests, and any
// origin named in the allow list. A configured "*" admits everyone.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if u.Host == r.Host {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin || a == u.Host {
				return true
			}
		}
		return false
	}
}

// handleChatSocket handles GET /v1/chat/ws.
func (g *Gateway) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its refusal.
		g.logger.Debug("websocket upgrade refused", "error", err)
		return
	}
	defer conn.Close()

	identity, _ := auth.FromContext(r.Context())
	g.serveSocket(r.Context(), conn, identity)
}

// serveSocket runs the per-connection turn loop. The read pump is the only
// reader and this loop the only writer, which is the concurrency contract
// the websocket package requires.
func (g *Gateway) serveSocket(ctx context.Context, conn *websocket.Conn, identity auth.Identity) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	turns := make(chan socketTurn)
	go readSocketTurns(connCtx, cancel, conn, turns)

	for {
		select {
		case <-connCtx.Done():
			return
		case turn, ok := <-turns:
			if !ok {
				return
			}
			g.runSocketTurn(connCtx, conn, identity, turn)
		}
	}
}

// readSocketTurns decodes turn requests until the peer goes away. Its exit
// cancels the connection context, which stops any in-flight generation.
func readSocketTurns(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out chan<- socketTurn) {
	defer cancel()
	defer close(out)

	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		var turn socketTurn
		if err := json.Unmarshal(payload, &turn.req); err != nil {
			turn.err = fault.Validationf("invalid JSON body")
		}

		select {
		case out <- turn:
		case <-ctx.Done():
			return
		}
	}
}

// runSocketTurn serves one generation over the socket. Failures before the
// stream opens become __ERROR__ control frames; the connection survives them.
func (g *Gateway) runSocketTurn(ctx context.Context, conn *websocket.Conn, identity auth.Identity, turn socketTurn) {
	if turn.err != nil {
		g.writeSocketError(conn, turn.err)
		return
	}

	// Each turn charges the window, same as one HTTP request would.
	decision := g.limiter.Allow(identity.String())
	if !decision.Permitted {
		g.metrics.RateLimitedTotal.Inc()
		g.writeSocketError(conn, fault.RateLimited(decision.Remaining, decision.ResetAt))
		return
	}

	h, err := g.generation.Start(ctx, turn.req.params(g.defaultModel()))
	if err != nil {
		g.writeSocketError(conn, err)
		return
	}
	g.announceCreated(h)

	finish := g.meterTurn()
	tokens, turnErr := relay.ServeDuplex(conn, h)
	finish(tokens, turnErr)
	if turnErr != nil {
		g.logger.Debug("socket turn ended with error",
			"session_id", h.SessionID(),
			"error", turnErr)
	}
}

// writeSocketError reports a failed turn on the socket without closing it.
func (g *Gateway) writeSocketError(conn *websocket.Conn, err error) {
	conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	frame := "__ERROR__:" + err.Error()
	if werr := conn.WriteMessage(websocket.TextMessage, []byte(frame)); werr != nil {
		g.logger.Debug("failed to write socket error", "error", werr)
	}
}
