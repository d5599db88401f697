package executor

import (
	"context"
	"sync"
	"time"
)

// resultCache provides in-process idempotency for execution: it caches
// completed results and tracks in-flight executions so concurrent callers
// for the same reference share one side effect. Cross-process safety comes
// from the ledger's conditional update, not from this cache.
type resultCache struct {
	mu       sync.Mutex
	results  map[string]*Result
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{
		results:  make(map[string]*Result),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

type cacheStatus int

const (
	// statusNotFound means no cached result and no in-flight execution; the
	// caller now holds the in-flight marker and must Complete or Fail it.
	statusNotFound cacheStatus = iota
	statusCached
	statusInFlight
)

// checkAndMark atomically checks the cache and, when the key is cold, marks
// it in-flight on behalf of the caller.
func (c *resultCache) checkAndMark(key string) (cacheStatus, *Result, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, exists := c.expiry[key]; exists {
		if time.Now().Before(expiry) {
			if result, ok := c.results[key]; ok {
				return statusCached, result, nil
			}
		}
		delete(c.results, key)
		delete(c.expiry, key)
	}

	if done, exists := c.inFlight[key]; exists {
		return statusInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return statusNotFound, nil, done
}

// waitForResult blocks until the in-flight execution completes or the
// context ends. A nil result means the execution failed without caching.
func (c *resultCache) waitForResult(ctx context.Context, key string, done chan struct{}) (*Result, error) {
	select {
	case <-done:
		return c.get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *resultCache) get(key string) *Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, exists := c.expiry[key]
	if !exists {
		return nil
	}
	if time.Now().After(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return nil
	}
	return c.results[key]
}

// complete caches the result, releases the in-flight marker and wakes
// waiters.
func (c *resultCache) complete(key string, result *Result, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[key] = result
	c.expiry[key] = time.Now().Add(c.ttl)
	delete(c.inFlight, key)
	close(done)

	now := time.Now()
	for k, exp := range c.expiry {
		if now.After(exp) {
			delete(c.results, k)
			delete(c.expiry, k)
		}
	}
}

// fail releases the in-flight marker without caching, so waiters re-read the
// ledger for the outcome.
func (c *resultCache) fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	close(done)
}
