// ABOUTME: Gateway middleware: per-identity rate limiting and request metrics.
// ABOUTME: Runs inside chi's stack after the identity resolver has done its work.

package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/loom-gateway/internal/auth"
	"github.com/2389/loom-gateway/internal/fault"
	"github.com/2389/loom-gateway/internal/metrics"
)

// enforceRateLimit charges each request against its identity's sliding
// window. Runs after the identity middleware, so every request carries an
// identity by then. The budget headers are set on allowed and denied
// responses alike.
func (g *Gateway) enforceRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.FromContext(r.Context())
		decision := g.limiter.Allow(id.String())

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", decision.ResetAt.UTC().Format(time.RFC3339))

		if !decision.Permitted {
			g.metrics.RateLimitedTotal.Inc()
			g.writeFault(w, fault.RateLimited(decision.Remaining, decision.ResetAt))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// observeRequests records one counter sample per served request, labeled by
// the chi route pattern and response status.
func (g *Gateway) observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// A zero status means the connection was hijacked (the websocket
		// upgrade writes its own 101), which never reaches the recorder.
		if ww.Status() == 0 {
			return
		}

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		g.metrics.ObserveRequest(route, ww.Status())
	})
}

// meterTurn opens a generation turn in the registry and returns the closer
// that records its outcome.
func (g *Gateway) meterTurn() func(tokens int, err error) {
	start := time.Now()
	g.metrics.ActiveGenerations.Inc()

	return func(tokens int, err error) {
		g.metrics.TokensEmitted.Add(float64(tokens))
		g.metrics.GenerationFinished(turnOutcome(err), time.Since(start))
	}
}

// turnOutcome classifies a turn's terminal error for the outcome label.
func turnOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case fault.IsCancelled(err):
		return metrics.OutcomeCancelled
	default:
		return metrics.OutcomeError
	}
}
