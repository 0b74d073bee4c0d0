// ABOUTME: HTTP client for a llama.cpp-compatible completion server.
// ABOUTME: Posts /completion with stream=true and relays SSE chunks as token events.

package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/loom-gateway/internal/fault"
	"github.com/2389/loom-gateway/internal/store"
)

// Remote streams tokens from a llama.cpp-compatible server. The gateway owns
// the conversation; the server only sees a rendered prompt per turn.
type Remote struct {
	endpoint string
	models   []string
	client   *http.Client
	logger   *slog.Logger
}

// NewRemote creates a Remote engine for the given endpoint. The timeout bounds
// the whole request including streaming; zero means no limit beyond ctx.
func NewRemote(endpoint string, models []string, timeout time.Duration) *Remote {
	return &Remote{
		endpoint: strings.TrimRight(endpoint, "/"),
		models:   models,
		client:   &http.Client{Timeout: timeout},
		logger:   slog.Default().With("component", "engine"),
	}
}

// Models reports the configured model names.
func (r *Remote) Models() []string {
	return r.models
}

// completionRequest is the llama.cpp /completion request body.
type completionRequest struct {
	Prompt        string   `json:"prompt"`
	NPredict      int      `json:"n_predict"`
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"top_p"`
	TopK          int      `json:"top_k"`
	RepeatPenalty float64  `json:"repeat_penalty"`
	Stop          []string `json:"stop,omitempty"`
	Stream        bool     `json:"stream"`
	CachePrompt   bool     `json:"cache_prompt"`
}

// completionChunk is one streamed SSE payload from the server.
type completionChunk struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

// Stream opens the upstream completion and converts its SSE chunks into
// events. Upstream failures before the first byte surface as an error return;
// failures mid-stream arrive as a terminal EventError.
func (r *Remote) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	payload := completionRequest{
		Prompt:        renderPrompt(req.Messages),
		NPredict:      req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		RepeatPenalty: req.RepeatPenalty,
		Stop:          req.Stop,
		Stream:        true,
		CachePrompt:   true,
	}

	body, err := r.open(ctx, payload)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 16)
	go r.consume(ctx, body, out)
	return out, nil
}

func (r *Remote) open(ctx context.Context, payload completionRequest) (io.ReadCloser, error) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return nil, fault.Enginef("encode completion request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/completion", buf)
	if err != nil {
		return nil, fault.Engine(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fault.Engine(fmt.Errorf("completion request: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fault.Enginef("completion server: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return resp.Body, nil
}

// consume reads SSE lines from the upstream body until stop or failure.
func (r *Remote) consume(ctx context.Context, body io.ReadCloser, out chan<- Event) {
	defer body.Close()
	defer close(out)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var chunk completionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			r.logger.Warn("malformed completion chunk", "error", err)
			r.deliver(ctx, out, Event{Type: EventError, Err: fault.Enginef("malformed completion chunk: %v", err)})
			return
		}

		if chunk.Content != "" {
			if !r.deliver(ctx, out, Event{Type: EventToken, Text: chunk.Content}) {
				return
			}
		}
		if chunk.Stop {
			r.deliver(ctx, out, Event{Type: EventDone})
			return
		}
	}

	// Body ended without a stop chunk: cancellation aborts the read, anything
	// else is the upstream hanging up mid-generation.
	if ctx.Err() != nil {
		r.deliver(ctx, out, Event{Type: EventError, Err: ctx.Err()})
		return
	}
	if err := scanner.Err(); err != nil {
		r.deliver(ctx, out, Event{Type: EventError, Err: fault.Engine(fmt.Errorf("read completion stream: %w", err))})
		return
	}
	r.deliver(ctx, out, Event{Type: EventError, Err: fault.Enginef("completion stream ended without stop")})
}

// deliver sends an event unless the consumer is gone.
func (r *Remote) deliver(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// renderPrompt flattens the conversation into the plain chat transcript
// format small completion models are tuned for.
func renderPrompt(msgs []store.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("assistant: ")
	return b.String()
}
