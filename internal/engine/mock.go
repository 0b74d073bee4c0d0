// ABOUTME: In-process mock engine that streams scripted or echoed tokens.
// ABOUTME: Default backend for development and the unit test suite.

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/loom-gateway/internal/store"
)

// ErrScriptedFailure is the default error a Mock emits when FailAfter triggers.
var ErrScriptedFailure = errors.New("scripted engine failure")

// Mock is a deterministic Engine for development and tests. With no Script it
// echoes the last user message one word at a time, in the spirit of a tiny
// chat model that always has something to say.
type Mock struct {
	ModelList  []string
	Script     []string      // tokens to emit per request; empty means echo mode
	TokenDelay time.Duration // pause before each token
	FailAfter  int           // emit Err after this many tokens; 0 disables
	Err        error         // failure to emit when FailAfter triggers
}

// NewMock creates a Mock serving the given model names.
func NewMock(models ...string) *Mock {
	return &Mock{ModelList: models}
}

// Models reports the configured model names.
func (m *Mock) Models() []string {
	return m.ModelList
}

// Stream emits the script (or an echo of the last user message), honoring
// MaxTokens, TokenDelay, and FailAfter. It never contacts anything.
func (m *Mock) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	script := m.Script
	if len(script) == 0 {
		script = echoScript(req)
	}

	out := make(chan Event, len(script)+1)

	go func() {
		defer close(out)

		emitted := 0
		for _, tok := range script {
			if m.FailAfter > 0 && emitted >= m.FailAfter {
				m.emit(out, Event{Type: EventError, Err: m.failure()})
				return
			}

			if m.TokenDelay > 0 {
				select {
				case <-time.After(m.TokenDelay):
				case <-ctx.Done():
					m.emit(out, Event{Type: EventError, Err: ctx.Err()})
					return
				}
			} else if ctx.Err() != nil {
				m.emit(out, Event{Type: EventError, Err: ctx.Err()})
				return
			}

			out <- Event{Type: EventToken, Text: tok}
			emitted++

			if req.MaxTokens > 0 && emitted >= req.MaxTokens {
				break
			}
		}

		out <- Event{Type: EventDone}
	}()

	return out, nil
}

// emit delivers a terminal event without blocking. The channel is sized for
// the full script, so this only drops when the caller stopped reading after
// cancellation, and the caller watches ctx in that case anyway.
func (m *Mock) emit(out chan<- Event, ev Event) {
	select {
	case out <- ev:
	default:
	}
}

func (m *Mock) failure() error {
	if m.Err != nil {
		return m.Err
	}
	return ErrScriptedFailure
}

// echoScript tokenizes a canned reply to the last user message.
func echoScript(req Request) []string {
	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == store.RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	if last == "" {
		return []string{"Hello", ".", " How", " can", " I", " help", "?"}
	}
	return []string{"Echo", ":", " ", fmt.Sprintf("%q", last)}
}
