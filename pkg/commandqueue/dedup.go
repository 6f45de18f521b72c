package commandqueue

import (
	"context"
	"errors"
	"sync"
	"time"
)

type dedupEntry struct {
	result taskResult
	at     time.Time
}

// flight is one request in progress. done closes once result is set.
type flight struct {
	done   chan struct{}
	result taskResult
}

// dedupCache remembers results by request key for ttl and tracks the
// requests still running so duplicates can wait for them.
type dedupCache struct {
	mu       sync.Mutex
	entries  map[string]dedupEntry
	inflight map[string]*flight
	ttl      time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func newDedupCache(ctx context.Context, ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	dc := &dedupCache{
		entries:  make(map[string]dedupEntry),
		inflight: make(map[string]*flight),
		ttl:      ttl,
		now:      time.Now,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go dc.sweep(ctx)
	return dc
}

// Begin returns the flight for key. The caller owns it, and must call
// Finish, when owner is true; otherwise it waits on f.done.
func (dc *dedupCache) Begin(key string) (f *flight, owner bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if e, ok := dc.entries[key]; ok && dc.now().Sub(e.at) <= dc.ttl {
		f = &flight{done: make(chan struct{}), result: e.result}
		close(f.done)
		return f, false
	}
	if f, ok := dc.inflight[key]; ok {
		return f, false
	}
	f = &flight{done: make(chan struct{})}
	dc.inflight[key] = f
	return f, true
}

// Finish publishes the owner's result to waiters and caches it.
func (dc *dedupCache) Finish(key string, f *flight, result taskResult) {
	dc.mu.Lock()
	delete(dc.inflight, key)
	if cacheable(result.err) {
		dc.entries[key] = dedupEntry{result: result, at: dc.now()}
	}
	dc.mu.Unlock()

	f.result = result
	close(f.done)
}

// Get returns an unexpired cached result.
func (dc *dedupCache) Get(key string) (taskResult, bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	e, ok := dc.entries[key]
	if !ok || dc.now().Sub(e.at) > dc.ttl {
		return taskResult{}, false
	}
	return e.result, true
}

// Set caches result for key. Results of tasks that never ran are skipped
// so the request can be retried.
func (dc *dedupCache) Set(key string, result taskResult) {
	if !cacheable(result.err) {
		return
	}
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.entries[key] = dedupEntry{result: result, at: dc.now()}
}

func cacheable(err error) bool {
	return !errors.Is(err, ErrLaneCleared) && !errors.Is(err, ErrQueueClosed)
}

// Stop ends the sweeper.
func (dc *dedupCache) Stop() {
	dc.cancel()
}

func (dc *dedupCache) sweep(ctx context.Context) {
	defer close(dc.done)

	interval := dc.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dc.evictExpired()
		}
	}
}

func (dc *dedupCache) evictExpired() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	now := dc.now()
	for key, e := range dc.entries {
		if now.Sub(e.at) > dc.ttl {
			delete(dc.entries, key)
		}
	}
}

// Size returns the number of cached results.
func (dc *dedupCache) Size() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.entries)
}

// Clear drops every cached result.
func (dc *dedupCache) Clear() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.entries = make(map[string]dedupEntry)
}
