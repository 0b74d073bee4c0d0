// Package generation runs one inference turn end to end.
//
// # Overview
//
// The generation package sits between the HTTP/WebSocket handlers and the
// engine, owning the turn lifecycle: request validation, session resolution,
// history persistence, engine invocation, and settlement.
//
// # Turn Lifecycle
//
// Start drives one turn:
//
//	h, err := svc.Start(ctx, generation.Params{Model: "tiny-test", Prompt: "Hi"})
//
//  1. Validate the prompt (hard length limit) and clamp sampling params
//  2. Resolve the session, or create one seeded with the system prompt
//  3. Append the user message
//  4. Build the pruned context (system message plus the last N messages)
//  5. Invoke the engine, boxed by the configured request timeout
//
// The returned Handle exposes the event stream, the session id, and Cancel.
// The engine is invoked at most once per turn; there are no retries.
//
// # Settlement
//
// History only ever records completed exchanges. When the engine finishes
// cleanly, the accumulated token text is appended as one assistant message.
// When the turn fails (engine error, timeout, or client cancellation) the
// user message appended in step 3 is rolled back out, leaving history exactly
// as it was before the turn began. Partial output still reaches the caller
// through the event stream; it just never reaches the store.
//
// Each lifecycle step also publishes a session event through the configured
// broadcaster: message appends, generation start, and the completed or
// failed settlement. The store settles before the terminal event is
// forwarded, so an observer that sees the turn end sees final history.
//
// Settlement writes run on a fresh context with their own timeout, so a
// client that disconnects at the wrong moment cannot strand a half-written
// turn.
//
// # Cancellation
//
// Handle.Cancel (or the caller's context ending, or the request timeout)
// stops the engine at its next emission point. The event channel always
// closes afterward; callers can range over it without leaking the turn.
package generation
