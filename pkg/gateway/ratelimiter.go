package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// Rate limiter defaults
const (
	DefaultRequestsPerSecond = 5.0
	DefaultBurst             = 10
	DefaultMaxConcurrent     = 4
)

// ClientRateLimiter combines a token bucket with a cap on concurrent
// requests for one client.
type ClientRateLimiter struct {
	limiter *rate.Limiter

	mu                 sync.Mutex
	maxConcurrent      int
	concurrentRequests int
}

// NewClientRateLimiter creates a rate limiter with default limits
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(DefaultRequestsPerSecond, DefaultBurst, DefaultMaxConcurrent)
}

// NewClientRateLimiterWithLimits creates a rate limiter with custom limits.
// A non-positive rps disables the token bucket.
func NewClientRateLimiterWithLimits(rps float64, burst, maxConcurrent int) *ClientRateLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	return &ClientRateLimiter{
		limiter:       rate.NewLimiter(limit, burst),
		maxConcurrent: maxConcurrent,
	}
}

// CheckRequestAllowed checks if a request is allowed under rate limits.
// An allowed request consumes a token.
func (r *ClientRateLimiter) CheckRequestAllowed() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests >= r.maxConcurrent {
		return false, "too many concurrent requests"
	}
	if !r.limiter.Allow() {
		return false, "rate limit exceeded"
	}
	return true, ""
}

// RecordRequestStart records the start of a request
func (r *ClientRateLimiter) RecordRequestStart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.concurrentRequests++
}

// RecordRequestEnd records the end of a request
func (r *ClientRateLimiter) RecordRequestEnd() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests > 0 {
		r.concurrentRequests--
	}
}

// Concurrent returns the number of requests in flight
func (r *ClientRateLimiter) Concurrent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.concurrentRequests
}
