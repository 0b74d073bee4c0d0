// Package gateway orchestrates the loom-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the loom-gateway server.
// It owns the conversation store, the inference engine binding, the
// generation service, the rate limiter, the identity resolver, the session
// event broadcaster, and the HTTP server that exposes all of them.
//
// # HTTP API
//
// Generation endpoints:
//
//	POST /v1/chat/completions      Stream one turn as SSE token frames
//	POST /v1/completions           Buffered JSON turn, or SSE with "stream"
//	GET  /v1/chat/ws               WebSocket; one JSON request per turn
//
// Session management:
//
//	GET    /v1/models                    Servable model names
//	GET    /v1/sessions                  List session ids
//	POST   /v1/sessions                  Create a session
//	GET    /v1/sessions/{id}             Full message history
//	DELETE /v1/sessions/{id}             Remove a session
//	POST   /v1/sessions/{id}/rollback    Drop the last N non-system messages
//	GET    /v1/sessions/{id}/events      SSE tail of session activity
//
// Operational:
//
//	GET /health     Liveness
//	GET /ready      Store ping plus engine model check
//	GET /metrics    Prometheus exposition (when enabled)
//
// # Request Flow
//
// Every /v1 request passes the identity resolver and then the rate limiter;
// a denied request gets 429 with its remaining budget and window reset time
// in both the headers and the error body. Generation requests then validate,
// append the user message, and hand the engine stream to a relay adapter.
// Direct store operations skip generation but not the limiter.
//
// Errors use one body shape everywhere:
//
//	{"error":{"code":"<taxonomy code>","message":"..."}}
//
// with remaining/reset_at added for rate_limited.
//
// # Lifecycle
//
// New wires the components from config. Run listens, starts the session TTL
// sweeper, and blocks until the context is canceled or the server fails;
// request contexts derive from Run's context, so cancellation also reaches
// long-lived streams. Shutdown drains the HTTP server within the configured
// shutdown timeout, then closes the limiter, the broadcaster, and the store.
package gateway
