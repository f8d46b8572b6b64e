package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskCacheHit(t *testing.T) {
	c := newTaskCache()
	c.Put("task-1", map[string]string{"uuid": "abc"})

	raw, ok := c.Get("task-1")
	require.True(t, ok)
	assert.JSONEq(t, `{"uuid":"abc"}`, string(raw))
}

func TestTaskCacheMiss(t *testing.T) {
	c := newTaskCache()
	_, ok := c.Get("never-stored")
	assert.False(t, ok)
}

func TestTaskCacheIgnoresEmptyID(t *testing.T) {
	c := newTaskCache()
	c.Put("", "anything")
	_, ok := c.Get("")
	assert.False(t, ok)
}

func TestTaskCacheExpiry(t *testing.T) {
	c := newTaskCache()
	c.Put("task-1", "result")
	c.entries["task-1"] = cacheEntry{
		result:   c.entries["task-1"].result,
		storedAt: time.Now().Add(-resultTTL - time.Minute),
	}
	_, ok := c.Get("task-1")
	assert.False(t, ok)
}
