package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudpasture.io/corral/internal/pkg/logger"
)

func TestMain(m *testing.M) {
	_ = logger.Init("error", "console")
	m.Run()
}

func TestSubmitRunsTask(t *testing.T) {
	pools, err := NewPools(context.Background(), DefaultPoolConfig())
	require.NoError(t, err)
	defer pools.Shutdown()

	done := make(chan struct{})
	err = pools.General.Submit(context.Background(), func(ctx context.Context) {
		close(done)
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
}

func TestSubmitCancelledContext(t *testing.T) {
	pools, err := NewPools(context.Background(), DefaultPoolConfig())
	require.NoError(t, err)
	defer pools.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	err = pools.General.Submit(ctx, func(ctx context.Context) {
		ran.Store(true)
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran.Load())
}

func TestSubmitDetachedSurvivesCallerCancel(t *testing.T) {
	pools, err := NewPools(context.Background(), DefaultPoolConfig())
	require.NoError(t, err)
	defer pools.Shutdown()

	done := make(chan struct{})
	require.NoError(t, pools.SubmitDetached("driver", func(ctx context.Context) {
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("detached task never ran")
	}
}

func TestPanicRecovery(t *testing.T) {
	pools, err := NewPools(context.Background(), DefaultPoolConfig())
	require.NoError(t, err)
	defer pools.Shutdown()

	require.NoError(t, pools.General.Submit(context.Background(), func(ctx context.Context) {
		panic("boom")
	}))

	// A panicking task must not poison the pool.
	done := make(chan struct{})
	require.NoError(t, pools.General.Submit(context.Background(), func(ctx context.Context) {
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool unusable after panic")
	}
}

func TestMetricsShape(t *testing.T) {
	pools, err := NewPools(context.Background(), DefaultPoolConfig())
	require.NoError(t, err)
	defer pools.Shutdown()

	m := pools.Metrics()
	assert.Contains(t, m, "general")
	assert.Contains(t, m, "driver")
}
