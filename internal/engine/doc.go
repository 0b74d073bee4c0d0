// Package engine abstracts token generation backends behind a streaming interface.
//
// # Overview
//
// An Engine turns a generation Request into a channel of Events. The channel
// carries zero or more EventToken events and always finishes with exactly one
// terminal event, EventDone or EventError, before closing. Callers cancel by
// cancelling the request context; the backend stops emitting and closes the
// channel.
//
// Two backends ship with the gateway:
//
//   - Mock: in-process, deterministic, scripted. The default for development
//     and the test suite.
//   - Remote: a client for a llama.cpp-compatible completion server. The
//     conversation is rendered to a plain transcript prompt per turn; the
//     server holds no session state.
//
// # Events
//
//	ch, err := eng.Stream(ctx, engine.Request{Model: "tiny-test", Messages: msgs})
//	for ev := range ch {
//	    switch ev.Type {
//	    case engine.EventToken: // ev.Text
//	    case engine.EventDone:  // generation finished cleanly
//	    case engine.EventError: // ev.Err, stream is over
//	    }
//	}
//
// Backends are attempted at most once per turn; there is no retry layer here.
package engine
