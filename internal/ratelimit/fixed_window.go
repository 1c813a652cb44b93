// Package ratelimit provides a simple in-memory fixed-window rate limiter
// keyed by client identity. State is volatile: limits reset when the process
// restarts, which is acceptable for best-effort abuse throttling.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// window is the counter for one client. The mutex serializes the
// read-modify-write of count; a plain read-then-write would let concurrent
// requests for the same client slip past the limit.
type window struct {
	mu    sync.Mutex
	start time.Time
	count int
}

// Store maintains per-client fixed windows sharing the same limit and length.
type Store struct {
	mu      sync.RWMutex
	clients map[string]*window
	limit   int
	length  time.Duration
	now     func() time.Time
}

// NewStore creates a Store admitting up to limit requests per window.
func NewStore(limit int, length time.Duration) *Store {
	return &Store{
		clients: make(map[string]*window),
		limit:   limit,
		length:  length,
		now:     time.Now,
	}
}

// Limit returns the configured per-window request limit.
func (s *Store) Limit() int { return s.limit }

// Admit records a request attempt for clientID and decides whether to allow
// it. A window older than its length is replaced outright, never decayed.
// Rejections do not increment the counter.
func (s *Store) Admit(clientID string) Decision {
	w := s.get(clientID)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := s.now()
	if w.start.IsZero() || now.Sub(w.start) > s.length {
		w.start = now
		w.count = 1
		return Decision{Allowed: true, Remaining: s.limit - 1, ResetAt: now.Add(s.length)}
	}

	resetAt := w.start.Add(s.length)
	if w.count >= s.limit {
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}

	w.count++
	return Decision{Allowed: true, Remaining: s.limit - w.count, ResetAt: resetAt}
}

// get returns the window for clientID, creating it if needed.
func (s *Store) get(clientID string) *window {
	// Fast path — window already exists.
	s.mu.RLock()
	w, ok := s.clients[clientID]
	s.mu.RUnlock()
	if ok {
		return w
	}

	// Slow path — create it.
	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check after acquiring write lock.
	if w, ok = s.clients[clientID]; ok {
		return w
	}
	w = &window{}
	s.clients[clientID] = w
	return w
}
