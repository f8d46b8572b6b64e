package service

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := newKeyedMutex()

	var mu sync.Mutex
	var order []int

	unlock := km.Lock("vm:a")
	done := make(chan struct{})
	go func() {
		u := km.Lock("vm:a")
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		u()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	unlock()

	<-done
	assert.Equal(t, []int{1, 2}, order)
}

func TestKeyedMutexDistinctKeysConcurrent(t *testing.T) {
	km := newKeyedMutex()

	unlockA := km.Lock("vm:a")
	defer unlockA()

	acquired := make(chan struct{})
	go func() {
		u := km.Lock("vm:b")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("distinct key blocked")
	}
}

func TestKeyedMutexCleansUp(t *testing.T) {
	km := newKeyedMutex()
	unlock := km.Lock("vm:x")
	unlock()

	km.mu.Lock()
	defer km.mu.Unlock()
	assert.Empty(t, km.locks)
}
