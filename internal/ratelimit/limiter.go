// ABOUTME: Sliding-window rate limiter keyed by caller identity.
// ABOUTME: Per-identity windows with quota overrides and background eviction of idle identities.

package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// staleWindows is how many full windows an identity must stay idle before
// its record is evicted.
const staleWindows = 3

// Decision is the outcome of one Allow call.
type Decision struct {
	Permitted bool
	Remaining int
	ResetAt   time.Time
}

// window tracks request timestamps for one identity.
type window struct {
	mu         sync.Mutex
	timestamps []time.Time
	quota      int  // per-identity override; valid only when override is true
	override   bool // survives sweeps
	gone       bool // set when evicted so racing callers re-resolve
}

// Limiter is a sliding-window rate limiter. Identities are fully independent;
// calls for the same identity are serialized on that identity's window so no
// update is lost under concurrency. Allow never blocks on I/O and never fails.
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*window

	quota  int           // default per-identity quota
	period time.Duration // sliding window length

	now    func() time.Time
	done   chan struct{}
	closed bool
	logger *slog.Logger
}

// New creates a limiter with the given default quota per window. A background
// goroutine evicts identities that have been idle for several windows; Close
// stops it.
func New(quota int, period, sweepInterval time.Duration) *Limiter {
	l := &Limiter{
		windows: make(map[string]*window),
		quota:   quota,
		period:  period,
		now:     time.Now,
		done:    make(chan struct{}),
		logger:  slog.Default().With("component", "ratelimit"),
	}
	if sweepInterval <= 0 {
		sweepInterval = period
	}
	go l.sweepLoop(sweepInterval)
	return l
}

// Allow records a request for identity and decides whether it fits the quota.
// Every call is counted, permitted or not; the decision compares the count of
// requests inside the trailing window against the identity's quota.
func (l *Limiter) Allow(identity string) Decision {
	for {
		w := l.window(identity)
		w.mu.Lock()
		if w.gone {
			// Evicted between lookup and lock; resolve a fresh record.
			w.mu.Unlock()
			continue
		}

		now := l.now()
		cutoff := now.Add(-l.period)

		// Drop timestamps that slid out of the window. They are ordered,
		// so find the first survivor and cut once.
		keep := 0
		for keep < len(w.timestamps) && !w.timestamps[keep].After(cutoff) {
			keep++
		}
		if keep > 0 {
			w.timestamps = append(w.timestamps[:0], w.timestamps[keep:]...)
		}

		w.timestamps = append(w.timestamps, now)

		quota := l.quota
		if w.override {
			quota = w.quota
		}

		count := len(w.timestamps)
		resetAt := w.timestamps[0].Add(l.period)
		remaining := quota - count
		if remaining < 0 {
			remaining = 0
		}

		d := Decision{
			Permitted: count <= quota,
			Remaining: remaining,
			ResetAt:   resetAt,
		}
		w.mu.Unlock()
		return d
	}
}

// SetQuota installs a per-identity quota override. Overridden identities are
// never evicted by the sweep.
func (l *Limiter) SetQuota(identity string, quota int) {
	w := l.window(identity)
	w.mu.Lock()
	w.quota = quota
	w.override = true
	w.mu.Unlock()
}

// window returns the record for identity, creating it if needed.
func (l *Limiter) window(identity string) *window {
	l.mu.RLock()
	w, ok := l.windows[identity]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[identity]; ok {
		return w
	}
	w = &window{}
	l.windows[identity] = w
	return w
}

// Sweep evicts identities whose last request is older than several windows.
// Returns the number of identities removed.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-time.Duration(staleWindows) * l.period)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for id, w := range l.windows {
		w.mu.Lock()
		idle := len(w.timestamps) == 0 || !w.timestamps[len(w.timestamps)-1].After(cutoff)
		if idle && !w.override {
			w.gone = true
			delete(l.windows, id)
			evicted++
		}
		w.mu.Unlock()
	}
	return evicted
}

// sweepLoop runs in a background goroutine, periodically evicting stale identities.
func (l *Limiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("evicted stale identities", "count", n)
			}
		case <-l.done:
			return
		}
	}
}

// Close stops the background sweep goroutine. It is safe to call multiple times.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		close(l.done)
		l.closed = true
	}
}
