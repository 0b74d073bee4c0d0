// ABOUTME: Generation service owns one turn end to end: validate, persist, stream, settle.
// ABOUTME: History gains exactly one user+assistant pair per completed turn and nothing on failure.

package generation

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/2389/loom-gateway/internal/engine"
	"github.com/2389/loom-gateway/internal/events"
	"github.com/2389/loom-gateway/internal/fault"
	"github.com/2389/loom-gateway/internal/store"
)

// settleTimeout bounds the store writes that finish a turn. They run on a
// fresh context so a cancelled request cannot abandon persistence mid-write.
const settleTimeout = 5 * time.Second

// forwardTimeout bounds how long the pipeline waits on a full event channel.
const forwardTimeout = 5 * time.Second

// Options carries the configured bounds the service enforces per turn.
type Options struct {
	MaxPromptLength   int           // hard limit; prompts over it are rejected
	MaxResponseTokens int           // clamp ceiling for Params.MaxTokens
	HistoryWindow     int           // pruned-context message count
	SystemPrompt      string        // seeded into sessions the service creates
	RequestTimeout    time.Duration // boxes each engine call; 0 means unbounded
}

// Params is one generation turn as the caller requested it.
type Params struct {
	SessionID     string // empty means create a fresh session
	Model         string
	Prompt        string
	MaxTokens     int
	Temperature   float64
	TopP          float64
	TopK          int
	RepeatPenalty float64
	Stop          []string
}

// Broadcaster receives session activity notifications. Satisfied by
// *events.Broadcaster.
type Broadcaster interface {
	Publish(ev events.Event)
}

// Service coordinates the store and the engine for generation turns.
type Service struct {
	store       store.Store
	engine      engine.Engine
	opts        Options
	broadcaster Broadcaster
	logger      *slog.Logger
}

// New creates a generation service.
func New(st store.Store, eng engine.Engine, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		engine: eng,
		opts:   opts,
		logger: logger.With("component", "generation"),
	}
}

// SetBroadcaster wires session activity publishing. Wire it before the first
// Start; a nil broadcaster just disables publishing.
func (s *Service) SetBroadcaster(b Broadcaster) { s.broadcaster = b }

func (s *Service) publish(ev events.Event) {
	if s.broadcaster != nil {
		s.broadcaster.Publish(ev)
	}
}

// Handle is one in-flight generation, owned by exactly one caller.
type Handle struct {
	sessionID string
	created   bool
	events    <-chan engine.Event
	cancel    context.CancelFunc
}

// Events returns the turn's event stream. It yields token events followed by
// exactly one terminal Done or Error event, then closes.
func (h *Handle) Events() <-chan engine.Event { return h.events }

// Cancel aborts the turn. The engine stops at its next emission point and no
// assistant message is persisted. Safe to call more than once.
func (h *Handle) Cancel() { h.cancel() }

// SessionID reports the session this turn belongs to.
func (h *Handle) SessionID() string { return h.sessionID }

// Created reports whether Start created the session for this turn.
func (h *Handle) Created() bool { return h.created }

// Start begins one generation turn.
//
// Sequence: validate and clamp params, resolve or create the session, append
// the user message, build the pruned context, invoke the engine. The engine
// is attempted at most once. On any failed turn the user message is rolled
// back out, so history only ever records completed exchanges.
func (s *Service) Start(ctx context.Context, p Params) (*Handle, error) {
	if err := s.validate(&p); err != nil {
		return nil, err
	}

	// 1. Resolve or create the session.
	sessionID, created, err := s.store.Ensure(ctx, p.SessionID, s.opts.SystemPrompt)
	if err != nil {
		return nil, err
	}

	// 2. Record the user message before touching the engine.
	userMsg := store.Message{Role: store.RoleUser, Content: p.Prompt}
	if err := s.store.Append(ctx, sessionID, userMsg); err != nil {
		return nil, err
	}
	s.publish(events.Event{
		Type:      events.TypeMessageAppended,
		SessionID: sessionID,
		Role:      string(store.RoleUser),
		Content:   p.Prompt,
	})

	// 3. Build the context the engine actually sees.
	msgs, err := s.store.PrunedContext(ctx, sessionID, s.opts.HistoryWindow)
	if err != nil {
		s.revertUserMessage(sessionID)
		return nil, err
	}

	// 4. Invoke the engine, boxed by the configured timeout.
	genCtx, cancel := s.turnContext(ctx)
	stream, err := s.engine.Stream(genCtx, engine.Request{
		Model:         p.Model,
		Messages:      msgs,
		MaxTokens:     p.MaxTokens,
		Temperature:   p.Temperature,
		TopP:          p.TopP,
		TopK:          p.TopK,
		RepeatPenalty: p.RepeatPenalty,
		Stop:          p.Stop,
	})
	if err != nil {
		cancel()
		s.revertUserMessage(sessionID)
		return nil, err
	}

	s.logger.Debug("generation started",
		"session_id", sessionID,
		"model", p.Model,
		"created", created)
	s.publish(events.Event{Type: events.TypeGenerationStarted, SessionID: sessionID})

	out := make(chan engine.Event, 16)
	go func() {
		defer cancel()
		s.pipeline(genCtx, sessionID, stream, out)
	}()

	return &Handle{
		sessionID: sessionID,
		created:   created,
		events:    out,
		cancel:    cancel,
	}, nil
}

// validate applies the hard prompt checks and clamps the sampling params.
func (s *Service) validate(p *Params) error {
	if p.Prompt == "" {
		return fault.Validationf("prompt must not be empty")
	}
	if s.opts.MaxPromptLength > 0 && len(p.Prompt) > s.opts.MaxPromptLength {
		return fault.Validationf("prompt exceeds maximum length of %d characters", s.opts.MaxPromptLength)
	}
	if !slices.Contains(s.engine.Models(), p.Model) {
		return fault.Validationf("unknown model %q", p.Model)
	}

	// A zero token budget means "as much as the service allows".
	ceiling := s.opts.MaxResponseTokens
	if p.MaxTokens <= 0 {
		p.MaxTokens = ceiling
	}
	if ceiling > 0 {
		p.MaxTokens = clampInt(p.MaxTokens, 1, ceiling)
	}
	p.Temperature = clampFloat(p.Temperature, 0, 2)
	p.TopP = clampFloat(p.TopP, 0.01, 1)
	p.TopK = clampInt(p.TopK, 0, 1000)
	p.RepeatPenalty = clampFloat(p.RepeatPenalty, 0.5, 2)
	return nil
}

func (s *Service) turnContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.RequestTimeout > 0 {
		return context.WithTimeout(ctx, s.opts.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// pipeline consumes engine events, settles the store, and forwards each event
// to the handle's channel. Exactly one settle path runs per turn: Done
// persists the assistant message, everything else rolls the user message back.
func (s *Service) pipeline(ctx context.Context, sessionID string, in <-chan engine.Event, out chan<- engine.Event) {
	defer close(out)

	var buf strings.Builder
	tokens := 0
	settled := false

	fail := func(cause error) {
		if settled {
			return
		}
		settled = true
		s.revertUserMessage(sessionID)

		msg := "generation did not complete"
		if cause != nil {
			msg = cause.Error()
		}
		s.publish(events.Event{Type: events.TypeGenerationFailed, SessionID: sessionID, Error: msg})
	}

	for ev := range in {
		switch ev.Type {
		case engine.EventToken:
			buf.WriteString(ev.Text)
			tokens++

		case engine.EventDone:
			settled = true
			s.saveAssistant(sessionID, buf.String())
			s.publish(events.Event{Type: events.TypeGenerationCompleted, SessionID: sessionID, Tokens: tokens})

		case engine.EventError:
			fail(ev.Err)
		}

		// Prefer the immediate send: a consumer that is keeping up receives
		// every event, the terminal one after a cancellation included.
		select {
		case out <- ev:
			continue
		default:
		}

		select {
		case out <- ev:
		case <-time.After(forwardTimeout):
			s.logger.Warn("event channel full, dropping event",
				"session_id", sessionID,
				"event", ev.Type)
		case <-ctx.Done():
			fail(ctx.Err())
			// Drain so the engine goroutine can finish.
			go func() {
				for range in {
				}
			}()
			return
		}
	}

	// Channel closed without a terminal event: treat as a failed turn.
	if !settled {
		fail(nil)
	}
}

// saveAssistant persists the completed turn's assistant message. It uses a
// fresh context so late client disconnects cannot interrupt the write.
func (s *Service) saveAssistant(sessionID, content string) {
	if content == "" {
		s.logger.Debug("generation produced no tokens, nothing to persist", "session_id", sessionID)
		return
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	msg := store.Message{Role: store.RoleAssistant, Content: content}
	if err := s.store.Append(saveCtx, sessionID, msg); err != nil {
		s.logger.Error("failed to persist assistant message",
			"error", err,
			"session_id", sessionID)
		return
	}
	s.logger.Debug("assistant message persisted",
		"session_id", sessionID,
		"length", len(content))
	s.publish(events.Event{
		Type:      events.TypeMessageAppended,
		SessionID: sessionID,
		Role:      string(store.RoleAssistant),
		Content:   content,
	})
}

// revertUserMessage removes the user message a failed turn appended, restoring
// the history to its pre-turn value.
func (s *Service) revertUserMessage(sessionID string) {
	saveCtx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	if err := s.store.Rollback(saveCtx, sessionID, 1); err != nil {
		s.logger.Error("failed to revert user message after failed turn",
			"error", err,
			"session_id", sessionID)
		return
	}
	s.logger.Debug("user message reverted after failed turn", "session_id", sessionID)
	s.publish(events.Event{Type: events.TypeMessagesRemoved, SessionID: sessionID, Removed: 1})
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
