// Package ratelimit caps requests per minute for each caller of the
// completion endpoint. Callers are keyed by a fingerprint of the credential
// they present, falling back to their address.
// Supports both in-memory (single instance) and Redis (distributed) backends.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter returns whether the request is allowed, the remaining quota
// and when the window resets. A limit of zero or less disables limiting.
type RateLimiter interface {
	Allow(ctx context.Context, clientID string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

// InMemoryRateLimiter uses fixed one-minute windows per client.
type InMemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		windows: make(map[string]*window),
	}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, clientID string, limit int) (bool, int, time.Time, error) {
	now := time.Now()
	if limit <= 0 {
		return true, 0, now, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.windows[clientID]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(time.Minute)}
		r.windows[clientID] = w
		r.evictExpired(now)
	}

	if w.count >= limit {
		return false, 0, w.resetAt, nil
	}

	w.count++
	return true, limit - w.count, w.resetAt, nil
}

// evictExpired drops stale windows so one-off clients do not accumulate.
func (r *InMemoryRateLimiter) evictExpired(now time.Time) {
	for id, w := range r.windows {
		if now.After(w.resetAt) {
			delete(r.windows, id)
		}
	}
}
