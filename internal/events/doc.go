// Package events fans session activity out to in-process watchers.
//
// The store handlers and the generation service publish typed events
// (session created/deleted, messages appended or removed, generation
// started/completed/failed). The gateway's per-session SSE tail subscribes
// here, so a browser can follow a conversation live without polling.
//
// Delivery is best effort. Each subscriber has a 64-event buffer; a
// subscriber that falls behind misses events rather than slowing anyone
// down. Conversation history in the store stays authoritative; this stream
// is for awareness, not replay.
package events
