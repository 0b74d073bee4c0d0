// Package relay carries a generation's event stream to a caller.
//
// Adapters never touch conversation history. Persistence is settled inside
// the generation pipeline before the terminal event is forwarded, so by the
// time an adapter observes EventDone or EventError the store already reflects
// the turn's outcome. Adapters only move bytes.
//
// # Modes
//
// Three delivery modes cover the gateway's surfaces:
//
//   - Collect gathers the whole stream into a single Result for non-streaming
//     JSON responses.
//   - ServeSSE writes one Server-Sent-Events data frame per token, with
//     periodic keepalive comments for idle proxies.
//   - ServeDuplex writes one WebSocket text frame per token and a final
//     __DONE__ control frame with the session id and token count.
//
// All three report the number of tokens forwarded and the turn's terminal
// error, so the caller can meter outcomes without re-reading the stream.
//
// # Disconnects
//
// Every adapter watches its transport: a closed request context or a failed
// frame write cancels the generation through the handle, which stops the
// engine within a token interval. No generation keeps running for a caller
// that is no longer listening.
package relay
