// ABOUTME: HTTP API handlers exposing generation, session CRUD, and event tailing.
// ABOUTME: Request bodies keep the engine's original kebab-case wire format.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/2389/loom-gateway/internal/auth"
	"github.com/2389/loom-gateway/internal/events"
	"github.com/2389/loom-gateway/internal/fault"
	"github.com/2389/loom-gateway/internal/generation"
	"github.com/2389/loom-gateway/internal/relay"
	"github.com/2389/loom-gateway/internal/store"
)

// eventKeepaliveInterval paces comment frames on an idle session event tail.
const eventKeepaliveInterval = 15 * time.Second

// controlTimeout bounds the non-streaming session management requests.
const controlTimeout = 15 * time.Second

// Sampling values applied when a request omits the field. An explicit zero
// is honored, which is why the request fields are pointers.
const (
	defaultMaxTokens     = 128
	defaultTemperature   = 0.7
	defaultTopP          = 0.95
	defaultTopK          = 10
	defaultRepeatPenalty = 1.0
)

// generateRequest is the JSON request body for the generation endpoints.
type generateRequest struct {
	ModelName     string   `json:"model-name,omitempty"`
	Prompt        string   `json:"prompt"`
	SessionID     string   `json:"session-id,omitempty"`
	MaxTokens     *int     `json:"max-token,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"top-p,omitempty"`
	TopK          *int     `json:"top-k,omitempty"`
	RepeatPenalty *float64 `json:"repeat-penalty,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	Stream        bool     `json:"stream,omitempty"`
}

// completionResponse is the buffered JSON reply for POST /v1/completions.
type completionResponse struct {
	Text      string `json:"text"`
	Tokens    int    `json:"tokens"`
	SessionID string `json:"session_id"`
}

// modelsResponse is the JSON reply for GET /v1/models.
type modelsResponse struct {
	Models []string `json:"models"`
}

// sessionListResponse is the JSON reply for GET /v1/sessions.
type sessionListResponse struct {
	Sessions []string `json:"sessions"`
}

// createSessionRequest is the JSON request body for POST /v1/sessions.
type createSessionRequest struct {
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// createSessionResponse is the JSON reply for POST /v1/sessions.
type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

// messagePayload is one history entry in a session detail reply.
type messagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// sessionDetailResponse is the JSON reply for GET /v1/sessions/{id}.
type sessionDetailResponse struct {
	SessionID string           `json:"session_id"`
	Messages  []messagePayload `json:"messages"`
}

// rollbackRequest is the JSON request body for POST /v1/sessions/{id}/rollback.
type rollbackRequest struct {
	Count int `json:"count"`
}

// rollbackResponse is the JSON reply for a rollback.
type rollbackResponse struct {
	SessionID string `json:"session_id"`
	Removed   int    `json:"removed"`
}

// errorDetail is the error object every failing endpoint returns.
// Remaining is a pointer so a zero budget still appears on the wire.
type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Remaining *int   `json:"remaining,omitempty"`
	ResetAt   string `json:"reset_at,omitempty"`
}

// errorBody wraps errorDetail under the "error" key.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// routes builds the gateway's HTTP handler tree.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(g.observeRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: g.config.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders: []string{"X-Session-Id", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:         300,
	}))

	r.Get("/health", g.handleHealth)
	r.Get("/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		r.Method(http.MethodGet, g.config.Metrics.Path, g.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(g.resolver))
		r.Use(g.enforceRateLimit)

		// Streaming endpoints run without a request timeout; each turn is
		// bounded by the engine's request_timeout instead.
		r.Post("/chat/completions", g.handleChatCompletions)
		r.Get("/chat/ws", g.handleChatSocket)
		r.Post("/completions", g.handleCompletions)
		r.Get("/sessions/{id}/events", g.handleSessionEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(controlTimeout))
			r.Get("/models", g.handleListModels)
			r.Get("/sessions", g.handleListSessions)
			r.Post("/sessions", g.handleCreateSession)
			r.Get("/sessions/{id}", g.handleGetSession)
			r.Delete("/sessions/{id}", g.handleDeleteSession)
			r.Post("/sessions/{id}/rollback", g.handleRollback)
		})
	})

	return r
}

// handleChatCompletions handles POST /v1/chat/completions.
// The whole turn streams back as SSE; the session id travels in the
// X-Session-Id header since the body carries raw token frames.
func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	req, err := decodeGenerateRequest(r.Body)
	if err != nil {
		g.writeFault(w, err)
		return
	}
	g.serveStreamingTurn(w, r, req)
}

// handleCompletions handles POST /v1/completions. The stream flag picks
// between a buffered JSON reply and the SSE framing of the chat endpoint.
func (g *Gateway) handleCompletions(w http.ResponseWriter, r *http.Request) {
	req, err := decodeGenerateRequest(r.Body)
	if err != nil {
		g.writeFault(w, err)
		return
	}

	if req.Stream {
		g.serveStreamingTurn(w, r, req)
		return
	}

	h, err := g.generation.Start(r.Context(), req.params(g.defaultModel()))
	if err != nil {
		g.writeFault(w, err)
		return
	}
	g.announceCreated(h)

	finish := g.meterTurn()
	res, err := relay.Collect(r.Context(), h)
	finish(res.Tokens, err)
	if err != nil {
		g.writeFault(w, coerceTurnError(err))
		return
	}

	g.writeJSON(w, http.StatusOK, completionResponse{
		Text:      res.Text,
		Tokens:    res.Tokens,
		SessionID: res.SessionID,
	})
}

// serveStreamingTurn starts a generation and relays it as SSE.
func (g *Gateway) serveStreamingTurn(w http.ResponseWriter, r *http.Request, req *generateRequest) {
	h, err := g.generation.Start(r.Context(), req.params(g.defaultModel()))
	if err != nil {
		g.writeFault(w, err)
		return
	}
	g.announceCreated(h)

	w.Header().Set("X-Session-Id", h.SessionID())

	finish := g.meterTurn()
	tokens, streamErr := relay.ServeSSE(w, r, h)
	finish(tokens, streamErr)

	if errors.Is(streamErr, relay.ErrStreamingUnsupported) {
		h.Cancel()
		g.writeFault(w, streamErr)
		return
	}
	if streamErr != nil {
		g.logger.Debug("stream ended with error",
			"session_id", h.SessionID(),
			"error", streamErr)
	}
}

// handleListModels handles GET /v1/models.
func (g *Gateway) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := g.engine.Models()
	if models == nil {
		models = []string{}
	}
	g.writeJSON(w, http.StatusOK, modelsResponse{Models: models})
}

// handleListSessions handles GET /v1/sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := g.store.ListIDs(r.Context())
	if err != nil {
		g.writeFault(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	g.writeJSON(w, http.StatusOK, sessionListResponse{Sessions: ids})
}

// handleCreateSession handles POST /v1/sessions. An empty body is allowed;
// the configured system prompt is used unless the request provides one.
func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		g.writeFault(w, fault.Validationf("invalid JSON body"))
		return
	}

	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = g.config.Engine.SystemPrompt
	}

	id, err := g.store.Create(r.Context(), "", systemPrompt)
	if err != nil {
		g.writeFault(w, err)
		return
	}
	g.broadcaster.Publish(events.Event{Type: events.TypeSessionCreated, SessionID: id})

	g.writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: id})
}

// handleGetSession handles GET /v1/sessions/{id}.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	history, err := g.store.History(r.Context(), id)
	if err != nil {
		g.writeFault(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, sessionDetailResponse{
		SessionID: id,
		Messages:  historyPayload(history),
	})
}

// handleDeleteSession handles DELETE /v1/sessions/{id}.
func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := g.store.Delete(r.Context(), id); err != nil {
		g.writeFault(w, err)
		return
	}
	g.broadcaster.Publish(events.Event{Type: events.TypeSessionDeleted, SessionID: id})

	w.WriteHeader(http.StatusNoContent)
}

// handleRollback handles POST /v1/sessions/{id}/rollback.
func (g *Gateway) handleRollback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeFault(w, fault.Validationf("invalid JSON body"))
		return
	}

	if err := g.store.Rollback(r.Context(), id, req.Count); err != nil {
		g.writeFault(w, err)
		return
	}
	g.broadcaster.Publish(events.Event{
		Type:      events.TypeMessagesRemoved,
		SessionID: id,
		Removed:   req.Count,
	})

	g.writeJSON(w, http.StatusOK, rollbackResponse{SessionID: id, Removed: req.Count})
}

// handleSessionEvents handles GET /v1/sessions/{id}/events: an SSE tail of
// the session's activity, one typed frame per event, until the client leaves.
func (g *Gateway) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := g.store.GetSession(r.Context(), id); err != nil {
		g.writeFault(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.writeFault(w, relay.ErrStreamingUnsupported)
		return
	}

	// Subscribe before the headers go out, so a client that has seen the
	// response start cannot race its next request past the subscription.
	ch, subID := g.broadcaster.Subscribe(r.Context(), id)
	defer g.broadcaster.Unsubscribe(id, subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	keepalive := time.NewTicker(eventKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()

		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				g.logger.Error("failed to marshal event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\n", ev.Type)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// decodeGenerateRequest parses a generation request body.
func decodeGenerateRequest(body io.Reader) (*generateRequest, error) {
	var req generateRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return nil, fault.Validationf("invalid JSON body")
	}
	return &req, nil
}

// params converts the wire request into generation parameters, filling in
// the default model and the sampling defaults for omitted fields.
func (req *generateRequest) params(defaultModel string) generation.Params {
	model := req.ModelName
	if model == "" {
		model = defaultModel
	}
	return generation.Params{
		SessionID:     req.SessionID,
		Model:         model,
		Prompt:        req.Prompt,
		MaxTokens:     intOr(req.MaxTokens, defaultMaxTokens),
		Temperature:   floatOr(req.Temperature, defaultTemperature),
		TopP:          floatOr(req.TopP, defaultTopP),
		TopK:          intOr(req.TopK, defaultTopK),
		RepeatPenalty: floatOr(req.RepeatPenalty, defaultRepeatPenalty),
		Stop:          req.Stop,
	}
}

func intOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}

func floatOr(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}

// defaultModel is the model used when a request names none.
func (g *Gateway) defaultModel() string {
	models := g.engine.Models()
	if len(models) == 0 {
		return ""
	}
	return models[0]
}

// announceCreated publishes the session-created event for sessions the turn
// itself brought into existence.
func (g *Gateway) announceCreated(h *generation.Handle) {
	if h.Created() {
		g.broadcaster.Publish(events.Event{
			Type:      events.TypeSessionCreated,
			SessionID: h.SessionID(),
		})
	}
}

// coerceTurnError lifts an untyped terminal stream error into the taxonomy
// so a buffered caller gets the right status code.
func coerceTurnError(err error) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe
	}
	if fault.IsCancelled(err) {
		return fault.Cancelled(err.Error())
	}
	return fault.Engine(err)
}

// writeJSON writes a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// writeFault renders err on the error contract. Taxonomy errors map through
// their code; anything untyped is an internal fault and stays opaque.
func (g *Gateway) writeFault(w http.ResponseWriter, err error) {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		g.logger.Error("internal error", "error", err)
		g.writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{
			Code:    "internal",
			Message: "internal server error",
		}})
		return
	}

	detail := errorDetail{Code: string(fe.Code), Message: fe.Error()}
	if fe.Code == fault.CodeRateLimited {
		remaining := fe.Remaining
		detail.Remaining = &remaining
		detail.ResetAt = fe.ResetAt.UTC().Format(time.RFC3339)
	}
	g.writeJSON(w, fault.HTTPStatus(fe), errorBody{Error: detail})
}

// historyPayload converts store messages for the wire.
func historyPayload(history []store.Message) []messagePayload {
	messages := make([]messagePayload, len(history))
	for i, msg := range history {
		messages[i] = messagePayload{Role: string(msg.Role), Content: msg.Content}
	}
	return messages
}
