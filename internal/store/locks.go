// ABOUTME: Per-session mutexes so concurrent writers to one session serialize
// ABOUTME: Refcounted map of locks; idle entries are removed on release

package store

import "sync"

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// sessionLocks hands out one mutex per session id. Locks are refcounted and
// dropped from the map when the last holder releases, so the map only holds
// entries for sessions with writers in flight.
type sessionLocks struct {
	mu sync.Mutex
	m  map[string]*sessionLock
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{m: make(map[string]*sessionLock)}
}

// lock acquires the mutex for id and returns its release func.
func (l *sessionLocks) lock(id string) func() {
	l.mu.Lock()
	sl, ok := l.m[id]
	if !ok {
		sl = &sessionLock{}
		l.m[id] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()

	return func() {
		sl.mu.Unlock()

		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
