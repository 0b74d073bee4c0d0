// ABOUTME: Minimal fake completion server for local development and E2E testing.
// ABOUTME: Usage: fake-engine [-addr 127.0.0.1:8080] [-delay 20ms] [-fail-after N]

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"
)

// completionRequest mirrors the llama.cpp /completion body the gateway posts.
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

// completionChunk is one streamed SSE payload.
type completionChunk struct {
	Content         string `json:"content"`
	Stop            bool   `json:"stop"`
	TokensPredicted int    `json:"tokens_predicted,omitempty"`
}

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "listen address")
	delay := flag.Duration("delay", 20*time.Millisecond, "delay between streamed tokens")
	failAfter := flag.Int("fail-after", 0, "drop the stream after N tokens (0 = never)")
	flag.Parse()

	if err := run(*addr, *delay, *failAfter); err != nil {
		log.Fatal(err)
	}
}

func run(addr string, delay time.Duration, failAfter int) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/completion", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handleCompletion(w, r, delay, failAfter)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"ok"}`)
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	fmt.Fprintf(os.Stderr, "fake-engine listening on %s\n", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func handleCompletion(w http.ResponseWriter, r *http.Request, delay time.Duration, failAfter int) {
	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	reply := completionText(req.Prompt)
	for _, s := range req.Stop {
		if s == "" {
			continue
		}
		if i := strings.Index(reply, s); i >= 0 {
			reply = reply[:i]
		}
	}

	tokens := tokenize(reply)
	if req.NPredict > 0 && len(tokens) > req.NPredict {
		tokens = tokens[:req.NPredict]
	}

	log.Printf("completion request: n_predict=%d temperature=%.2f tokens=%d", req.NPredict, req.Temperature, len(tokens))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	for i, tok := range tokens {
		if failAfter > 0 && i >= failAfter {
			// Hang up without a stop chunk so clients exercise their
			// mid-stream failure handling.
			log.Printf("dropping stream after %d tokens", i)
			return
		}
		writeChunk(w, completionChunk{Content: tok})
		flusher.Flush()
		if delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(delay):
			}
		}
	}

	writeChunk(w, completionChunk{Stop: true, TokensPredicted: len(tokens)})
	flusher.Flush()
}

func writeChunk(w http.ResponseWriter, chunk completionChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		log.Printf("marshal chunk error: %v", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// completionText fabricates a reply from the last user line of the rendered
// prompt, so conversations look vaguely coherent in manual testing.
func completionText(prompt string) string {
	input := lastUserLine(prompt)
	if input == "" {
		return "Hello! I am a fake completion server. Send a prompt and I will echo it back."
	}
	return fmt.Sprintf("You said: %s. That is noted. This reply comes from the fake engine, streamed one token at a time.", input)
}

func lastUserLine(prompt string) string {
	var last string
	for _, line := range strings.Split(prompt, "\n") {
		if rest, ok := strings.CutPrefix(line, "user: "); ok {
			last = strings.TrimSpace(rest)
		}
	}
	return last
}

// tokenize splits text into word-sized chunks, each carrying its leading
// space, which is roughly how completion servers emit tokens.
func tokenize(text string) []string {
	words := strings.Fields(text)
	tokens := make([]string, 0, len(words))
	for i, word := range words {
		if i == 0 {
			tokens = append(tokens, word)
			continue
		}
		tokens = append(tokens, " "+word)
	}
	return tokens
}
