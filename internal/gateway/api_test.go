// ABOUTME: HTTP API tests driven through the full router with a scripted mock engine.
// ABOUTME: Covers streaming framing, session CRUD, rate limiting, and failure rollback.

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom-gateway/internal/config"
	"github.com/2389/loom-gateway/internal/engine"
	"github.com/2389/loom-gateway/internal/events"
)

// newTestGateway builds a gateway on a throwaway store. The returned mock is
// the gateway's own engine, so tests can script it directly.
func newTestGateway(t *testing.T, mutate ...func(*config.Config)) (*Gateway, *engine.Mock) {
	t.Helper()
	t.Setenv("LOOM_DB_PATH", "")

	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Store.Path = filepath.Join(t.TempDir(), "gateway.db")
	cfg.Engine.RequestTimeout = 5 * time.Second
	cfg.Server.ShutdownTimeout = time.Second
	cfg.RateLimit.Window = time.Minute
	cfg.RateLimit.SweepInterval = time.Minute
	cfg.Limits.SessionTTL = 0
	for _, m := range mutate {
		m(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := New(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { gw.Shutdown(context.Background()) })

	mock, ok := gw.engine.(*engine.Mock)
	require.True(t, ok, "test gateway must run the mock backend")
	mock.Script = []string{"Hi", " there", "!"}
	return gw, mock
}

// newTestServer serves the gateway's routes over a real listener.
func newTestServer(t *testing.T, mutate ...func(*config.Config)) (*httptest.Server, *Gateway, *engine.Mock) {
	t.Helper()
	gw, mock := newTestGateway(t, mutate...)
	srv := httptest.NewServer(gw.routes())
	t.Cleanup(srv.Close)
	return srv, gw, mock
}

func postJSON(t *testing.T, url string, payload string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestChatCompletions_StreamsTokenFrames(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/chat/completions", `{"prompt":"hello"}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Session-Id"))
	assert.Equal(t, "data: Hi\n\ndata:  there\n\ndata: !\n\n", readAll(t, resp))
}

func TestChatCompletions_InvalidJSON(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/chat/completions", `{"prompt":`)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[errorBody](t, resp)
	assert.Equal(t, "validation", body.Error.Code)
	assert.Equal(t, "invalid JSON body", body.Error.Message)
}

func TestChatCompletions_EmptyPrompt(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/chat/completions", `{"prompt":""}`)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[errorBody](t, resp)
	assert.Equal(t, "validation", body.Error.Code)
	assert.Equal(t, "prompt must not be empty", body.Error.Message)
}

func TestChatCompletions_UnknownModel(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/chat/completions", `{"prompt":"hi","model-name":"gpt-42"}`)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[errorBody](t, resp)
	assert.Equal(t, "validation", body.Error.Code)
	assert.Contains(t, body.Error.Message, "gpt-42")
}

func TestChatCompletions_EngineFailureMidStream(t *testing.T) {
	srv, gw, mock := newTestServer(t)
	mock.FailAfter = 1

	resp := postJSON(t, srv.URL+"/v1/chat/completions", `{"prompt":"hello"}`)
	sessionID := resp.Header.Get("X-Session-Id")

	// Headers were already sent when the engine died, so the failure rides
	// in-band as a terminal frame.
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "data: Hi\n\ndata: __ERROR__:scripted engine failure\n\n", readAll(t, resp))

	// The failed turn left no trace: the user message was rolled back.
	history, err := gw.store.History(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestChatCompletions_SessionContinuity(t *testing.T) {
	srv, gw, _ := newTestServer(t)

	first := postJSON(t, srv.URL+"/v1/chat/completions", `{"prompt":"one"}`)
	sessionID := first.Header.Get("X-Session-Id")
	require.NotEmpty(t, sessionID)
	readAll(t, first)

	second := postJSON(t, srv.URL+"/v1/chat/completions",
		fmt.Sprintf(`{"prompt":"two","session-id":%q}`, sessionID))
	assert.Equal(t, sessionID, second.Header.Get("X-Session-Id"))
	readAll(t, second)

	history, err := gw.store.History(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "one", history[0].Content)
	assert.Equal(t, "Hi there!", history[1].Content)
	assert.Equal(t, "two", history[2].Content)
}

func TestChatCompletions_ClientChosenSessionID(t *testing.T) {
	srv, gw, _ := newTestServer(t)

	// A session id the server has never seen is adopted, get-or-create style.
	resp := postJSON(t, srv.URL+"/v1/chat/completions", `{"prompt":"hi","session-id":"cli-7"}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cli-7", resp.Header.Get("X-Session-Id"))
	readAll(t, resp)

	history, err := gw.store.History(context.Background(), "cli-7")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestCompletions_BufferedResponse(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/completions", `{"prompt":"hello"}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	body := decodeBody[completionResponse](t, resp)
	assert.Equal(t, "Hi there!", body.Text)
	assert.Equal(t, 3, body.Tokens)
	assert.NotEmpty(t, body.SessionID)
}

func TestCompletions_StreamFlagSwitchesToSSE(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/completions", `{"prompt":"hello","stream":true}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "data: Hi\n\ndata:  there\n\ndata: !\n\n", readAll(t, resp))
}

func TestCompletions_EngineFailureMapsToBadGateway(t *testing.T) {
	srv, gw, mock := newTestServer(t)
	mock.FailAfter = 2

	resp := postJSON(t, srv.URL+"/v1/completions", `{"prompt":"hello"}`)

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body := decodeBody[errorBody](t, resp)
	assert.Equal(t, "engine_failure", body.Error.Code)

	ids, err := gw.store.ListIDs(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 1)
	history, err := gw.store.History(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestListModels(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[modelsResponse](t, resp)
	assert.Equal(t, []string{"tiny-test"}, body.Models)
}

func TestSessionLifecycle(t *testing.T) {
	srv, _, _ := newTestServer(t)

	created := postJSON(t, srv.URL+"/v1/sessions", `{}`)
	require.Equal(t, http.StatusCreated, created.StatusCode)
	id := decodeBody[createSessionResponse](t, created).SessionID
	require.NotEmpty(t, id)

	listed, err := http.Get(srv.URL + "/v1/sessions")
	require.NoError(t, err)
	assert.Contains(t, decodeBody[sessionListResponse](t, listed).Sessions, id)

	fetched, err := http.Get(srv.URL + "/v1/sessions/" + id)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, fetched.StatusCode)
	detail := decodeBody[sessionDetailResponse](t, fetched)
	assert.Equal(t, id, detail.SessionID)
	assert.Empty(t, detail.Messages)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/sessions/"+id, nil)
	require.NoError(t, err)
	deleted, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	deleted.Body.Close()
	assert.Equal(t, http.StatusNoContent, deleted.StatusCode)

	gone, err := http.Get(srv.URL + "/v1/sessions/" + id)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)
	assert.Equal(t, "not_found", decodeBody[errorBody](t, gone).Error.Code)

	again, err := http.DefaultClient.Do(req.Clone(context.Background()))
	require.NoError(t, err)
	again.Body.Close()
	assert.Equal(t, http.StatusNotFound, again.StatusCode)
}

func TestCreateSession_CustomSystemPrompt(t *testing.T) {
	srv, _, _ := newTestServer(t)

	created := postJSON(t, srv.URL+"/v1/sessions", `{"system_prompt":"You are terse."}`)
	id := decodeBody[createSessionResponse](t, created).SessionID

	fetched, err := http.Get(srv.URL + "/v1/sessions/" + id)
	require.NoError(t, err)
	detail := decodeBody[sessionDetailResponse](t, fetched)
	require.Len(t, detail.Messages, 1)
	assert.Equal(t, "system", detail.Messages[0].Role)
	assert.Equal(t, "You are terse.", detail.Messages[0].Content)
}

func TestRollback(t *testing.T) {
	srv, _, _ := newTestServer(t)

	turn := postJSON(t, srv.URL+"/v1/completions", `{"prompt":"hello"}`)
	id := decodeBody[completionResponse](t, turn).SessionID

	rolled := postJSON(t, srv.URL+"/v1/sessions/"+id+"/rollback", `{"count":1}`)
	assert.Equal(t, http.StatusOK, rolled.StatusCode)
	body := decodeBody[rollbackResponse](t, rolled)
	assert.Equal(t, 1, body.Removed)

	fetched, err := http.Get(srv.URL + "/v1/sessions/" + id)
	require.NoError(t, err)
	detail := decodeBody[sessionDetailResponse](t, fetched)
	require.Len(t, detail.Messages, 1)
	assert.Equal(t, "user", detail.Messages[0].Role)
}

func TestRollback_CountValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	turn := postJSON(t, srv.URL+"/v1/completions", `{"prompt":"hello"}`)
	id := decodeBody[completionResponse](t, turn).SessionID

	tooMany := postJSON(t, srv.URL+"/v1/sessions/"+id+"/rollback", `{"count":10}`)
	assert.Equal(t, http.StatusBadRequest, tooMany.StatusCode)
	assert.Equal(t, "validation", decodeBody[errorBody](t, tooMany).Error.Code)

	zero := postJSON(t, srv.URL+"/v1/sessions/"+id+"/rollback", `{"count":0}`)
	assert.Equal(t, http.StatusBadRequest, zero.StatusCode)
}

func TestRateLimit_BudgetHeadersAndRefusal(t *testing.T) {
	srv, _, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit.Quota = 3
	})

	for _, want := range []string{"2", "1", "0"} {
		resp, err := http.Get(srv.URL + "/v1/models")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, want, resp.Header.Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))
	}

	refused, err := http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, refused.StatusCode)
	body := decodeBody[errorBody](t, refused)
	assert.Equal(t, "rate_limited", body.Error.Code)
	assert.Equal(t, "rate limit exceeded", body.Error.Message)
	require.NotNil(t, body.Error.Remaining)
	assert.Equal(t, 0, *body.Error.Remaining)
	assert.NotEmpty(t, body.Error.ResetAt)
}

func TestSessionEvents_TailsTurnActivity(t *testing.T) {
	srv, _, _ := newTestServer(t)

	created := postJSON(t, srv.URL+"/v1/sessions", `{}`)
	id := decodeBody[createSessionResponse](t, created).SessionID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/sessions/"+id+"/events", nil)
	require.NoError(t, err)
	tail, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer tail.Body.Close()
	require.Equal(t, "text/event-stream", tail.Header.Get("Content-Type"))

	turn := postJSON(t, srv.URL+"/v1/completions", fmt.Sprintf(`{"prompt":"hello","session-id":%q}`, id))
	require.Equal(t, http.StatusOK, turn.StatusCode)
	turn.Body.Close()

	got := readEvents(t, tail.Body, 4)
	assert.Equal(t, events.TypeMessageAppended, got[0].Type)
	assert.Equal(t, "user", got[0].Role)
	assert.Equal(t, "hello", got[0].Content)
	assert.Equal(t, events.TypeGenerationStarted, got[1].Type)
	assert.Equal(t, events.TypeMessageAppended, got[2].Type)
	assert.Equal(t, "assistant", got[2].Role)
	assert.Equal(t, "Hi there!", got[2].Content)
	assert.Equal(t, events.TypeGenerationCompleted, got[3].Type)
	assert.Equal(t, 3, got[3].Tokens)
}

func TestSessionEvents_UnknownSession(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/sessions/ghost/events")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decodeBody[errorBody](t, resp).Error.Code)
}

// readEvents collects typed frames off an event tail until n have arrived.
// Keepalive comments and the event-name lines are skipped; the data payload
// carries the type anyway.
func readEvents(t *testing.T, body io.Reader, n int) []events.Event {
	t.Helper()

	var got []events.Event
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev events.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		got = append(got, ev)
		if len(got) == n {
			return got
		}
	}
	t.Fatalf("event stream ended after %d of %d events: %v", len(got), n, scanner.Err())
	return nil
}

func TestClientDisconnect_RestoresHistory(t *testing.T) {
	srv, gw, mock := newTestServer(t)
	mock.Script = []string{"a", "b", "c", "d", "e"}
	mock.TokenDelay = 25 * time.Millisecond

	created := postJSON(t, srv.URL+"/v1/sessions", `{"system_prompt":"stay concise"}`)
	id := decodeBody[createSessionResponse](t, created).SessionID

	ctx, cancel := context.WithCancel(context.Background())
	payload := fmt.Sprintf(`{"prompt":"count to five","session-id":%q}`, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/v1/chat/completions",
		strings.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// Walk away after two tokens.
	reader := bufio.NewReader(resp.Body)
	for seen := 0; seen < 2; {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			seen++
		}
	}
	cancel()

	// The abandoned turn settles by rolling the user message back, leaving
	// only the system prompt.
	assert.Eventually(t, func() bool {
		history, err := gw.store.History(context.Background(), id)
		return err == nil && len(history) == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestConfiguredAPIKeys(t *testing.T) {
	srv, _, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.APIKeys = []config.APIKeyConfig{{Name: "ci", Key: "sekrit"}}
	})

	anon, err := http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)
	anon.Body.Close()
	assert.Equal(t, http.StatusOK, anon.StatusCode, "no credential stays anonymous")

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/models", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "wrong")
	refused, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	refused.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, refused.StatusCode)

	req.Header.Set("X-API-Key", "sekrit")
	accepted, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	accepted.Body.Close()
	assert.Equal(t, http.StatusOK, accepted.StatusCode)
}

func TestHealthAndReady(t *testing.T) {
	srv, _, _ := newTestServer(t)

	health, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, health.StatusCode)
	assert.Equal(t, "ok", decodeBody[map[string]string](t, health)["status"])

	ready, err := http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, ready.StatusCode)
	assert.Equal(t, "ready", decodeBody[map[string]string](t, ready)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	warm, err := http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)
	warm.Body.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readAll(t, resp), "loom_requests_total")
}

func TestMetricsEndpoint_Disabled(t *testing.T) {
	srv, _, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Metrics.Enabled = false
	})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSamplingDefaults_OmittedFieldsFilled(t *testing.T) {
	var req generateRequest
	require.NoError(t, json.Unmarshal([]byte(`{"prompt":"hi"}`), &req))
	p := req.params("tiny-test")

	assert.Equal(t, 128, p.MaxTokens)
	assert.Equal(t, 0.7, p.Temperature)
	assert.Equal(t, 0.95, p.TopP)
	assert.Equal(t, 10, p.TopK)
	assert.Equal(t, 1.0, p.RepeatPenalty)
	assert.Equal(t, "tiny-test", p.Model)
}

func TestSamplingDefaults_ExplicitZeroSurvives(t *testing.T) {
	var req generateRequest
	require.NoError(t, json.Unmarshal([]byte(`{"prompt":"hi","temperature":0,"top-k":0}`), &req))
	p := req.params("tiny-test")

	assert.Equal(t, 0.0, p.Temperature, "explicit zero means greedy sampling")
	assert.Equal(t, 0, p.TopK)
	assert.Equal(t, 128, p.MaxTokens, "omitted fields still default")
}
