package agent

import (
	"encoding/json"
	"sync"
	"time"
)

// resultTTL keeps cached results past the controller's reconciliation
// interval so a retried task id finds its answer.
const resultTTL = 10 * time.Minute

// taskCache makes agent methods idempotent by task id: a successful
// result is returned verbatim on re-execution instead of repeating the
// side effect. The cache is in-memory only; after an agent restart the
// controller's reconciliation re-queries entity state and converges.
type taskCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	result   json.RawMessage
	storedAt time.Time
}

func newTaskCache() *taskCache {
	return &taskCache{entries: make(map[string]cacheEntry)}
}

// Get returns the cached success result for a task id.
func (c *taskCache) Get(taskID string) (json.RawMessage, bool) {
	if taskID == "" {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[taskID]
	if !ok {
		return nil, false
	}
	if time.Since(e.storedAt) > resultTTL {
		delete(c.entries, taskID)
		return nil, false
	}
	return e.result, true
}

// Put stores a success result. Failures are never cached: a retry must
// re-execute.
func (c *taskCache) Put(taskID string, result interface{}) {
	if taskID == "" {
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[taskID] = cacheEntry{result: raw, storedAt: time.Now()}

	// Opportunistic pruning keeps the table bounded without a ticker.
	if len(c.entries) > 1024 {
		cutoff := time.Now().Add(-resultTTL)
		for id, e := range c.entries {
			if e.storedAt.Before(cutoff) {
				delete(c.entries, id)
			}
		}
	}
}
