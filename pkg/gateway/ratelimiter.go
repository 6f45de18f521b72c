package gateway

import (
	"sync"
	"time"
)

const (
	defaultRequestsPerMinute = 60
	defaultMaxConcurrent     = 10

	reasonTooManyConcurrent = "too many concurrent requests"
	reasonRateLimited       = "rate limit exceeded"
)

// ClientRateLimiter implements sliding window rate limiting per client
type ClientRateLimiter struct {
	mu                 sync.Mutex
	requestsPerMinute  int
	maxConcurrent      int
	requests           []time.Time
	concurrentRequests int
	now                func() time.Time
}

// NewClientRateLimiter creates a new rate limiter with default limits
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(defaultRequestsPerMinute, defaultMaxConcurrent)
}

// NewClientRateLimiterWithLimits creates a rate limiter with custom limits.
// Non-positive values fall back to the defaults.
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = defaultRequestsPerMinute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		now:               time.Now,
	}
}

// CheckRequestAllowed checks if a request is allowed under rate limits
func (r *ClientRateLimiter) CheckRequestAllowed() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests >= r.maxConcurrent {
		return false, reasonTooManyConcurrent
	}
	r.prune()
	if len(r.requests) >= r.requestsPerMinute {
		return false, reasonRateLimited
	}
	return true, ""
}

// Acquire checks the limits and records the request start in one step.
// Callers must call RecordRequestEnd when the request finishes.
func (r *ClientRateLimiter) Acquire() *RPCError {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests >= r.maxConcurrent {
		return &RPCError{Code: TooManyConcurrent, Message: reasonTooManyConcurrent}
	}
	r.prune()
	if len(r.requests) >= r.requestsPerMinute {
		return &RPCError{Code: RateLimitExceeded, Message: reasonRateLimited}
	}
	r.requests = append(r.requests, r.now())
	r.concurrentRequests++
	return nil
}

// RecordRequestStart records the start of a request
func (r *ClientRateLimiter) RecordRequestStart() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests = append(r.requests, r.now())
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

// UpdateLimits updates the rate limits
func (r *ClientRateLimiter) UpdateLimits(requestsPerMinute, maxConcurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requestsPerMinute = requestsPerMinute
	r.maxConcurrent = maxConcurrent
}

// GetStats returns current rate limiter statistics
func (r *ClientRateLimiter) GetStats() (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune()
	return len(r.requests), r.concurrentRequests
}

// prune drops requests older than the one-minute window. Callers hold mu.
func (r *ClientRateLimiter) prune() {
	cutoff := r.now().Add(-time.Minute)
	keep := r.requests[:0]
	for _, t := range r.requests {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	r.requests = keep
}
