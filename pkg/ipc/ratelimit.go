package ipc

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/launcherd/launcherd/pkg/policytypes"
)

// rateLimitBurst and rateLimitPerSec bound how many commands a single
// peer connection may issue in a burst and how quickly that allowance
// refills, so one misbehaving client cannot starve the engine's mutex
// for every other peer.
const (
	rateLimitBurst   = 30
	rateLimitPerSec  = 30
)

// RateLimiter tracks one token bucket per connected ClientId. Grounded on
// the per-key lazy-limiter pattern, generalized from IP keys to ClientId
// keys since peers here are identified by a generated connection ID
// rather than a source address.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[policytypes.ClientId]*rate.Limiter
}

// NewRateLimiter constructs an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{limiters: make(map[policytypes.ClientId]*rate.Limiter)}
}

func (r *RateLimiter) getOrCreate(client policytypes.ClientId) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	limiter, ok := r.limiters[client]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(rateLimitPerSec), rateLimitBurst)
		r.limiters[client] = limiter
	}
	return limiter
}

// Allow reports whether client may issue one more command right now,
// consuming a token if so.
func (r *RateLimiter) Allow(client policytypes.ClientId) bool {
	return r.getOrCreate(client).Allow()
}

// Forget drops client's bucket, called when its connection closes so the
// map does not grow unbounded across a long-lived daemon's lifetime.
func (r *RateLimiter) Forget(client policytypes.ClientId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.limiters, client)
}
