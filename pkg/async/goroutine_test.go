package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clinicguard/pkg/observability"
)

func TestSafeGo(t *testing.T) {
	logger := observability.NewNopLogger()

	t.Run("runs the task", func(t *testing.T) {
		done := make(chan struct{})
		SafeGo(context.Background(), logger, time.Second, "test task", func(ctx context.Context) error {
			close(done)
			return nil
		})

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("task did not run")
		}
	})

	t.Run("timeout cancels the task context", func(t *testing.T) {
		cancelled := make(chan struct{})
		SafeGo(context.Background(), logger, 20*time.Millisecond, "slow task", func(ctx context.Context) error {
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		})

		select {
		case <-cancelled:
		case <-time.After(time.Second):
			t.Fatal("task context was not cancelled")
		}
	})

	t.Run("recovers panics", func(t *testing.T) {
		reached := atomic.Bool{}
		SafeGo(context.Background(), logger, time.Second, "panicking task", func(ctx context.Context) error {
			reached.Store(true)
			panic("boom")
		})

		assert.Eventually(t, reached.Load, time.Second, 5*time.Millisecond)
	})
}

func TestWorkerPool_RunsAllTasks(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 3, "test pool", time.Second, WithLogger(observability.NewNopLogger()))

	var executed atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			executed.Add(1)
			return nil
		}))
	}

	require.NoError(t, pool.Shutdown(2*time.Second))
	assert.Equal(t, int32(20), executed.Load())
}

func TestWorkerPool_ReportsErrors(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, "error pool", time.Second)

	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		return errors.New("task failed")
	}))
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		panic("task panicked")
	}))
	require.NoError(t, pool.Shutdown(time.Second))

	var errs []error
	for len(errs) < 2 {
		select {
		case err := <-pool.Errors():
			errs = append(errs, err)
		case <-time.After(time.Second):
			t.Fatalf("expected 2 errors, got %d", len(errs))
		}
	}
	assert.EqualError(t, errs[0], "task failed")
	assert.Contains(t, errs[1].Error(), "panic: task panicked")
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, "closed pool", time.Second)
	require.NoError(t, pool.Shutdown(time.Second))

	err := pool.Submit(func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.False(t, pool.TrySubmit(func(ctx context.Context) error { return nil }))

	// Shutdown is idempotent.
	assert.NoError(t, pool.Shutdown(time.Second))
}

func TestWorkerPool_TrySubmitFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewWorkerPool(context.Background(), 1, "full pool", time.Second, WithQueueSize(1))

	// One task occupies the worker, one fills the buffer.
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		<-block
		return nil
	}))
	assert.Eventually(t, func() bool {
		return pool.TrySubmit(func(ctx context.Context) error { return nil })
	}, time.Second, 5*time.Millisecond)
	assert.False(t, pool.TrySubmit(func(ctx context.Context) error { return nil }))

	close(block)
	require.NoError(t, pool.Shutdown(time.Second))
}

func TestBatch(t *testing.T) {
	t.Run("processes every item", func(t *testing.T) {
		items := []int{1, 2, 3, 4, 5, 6, 7, 8}
		var sum atomic.Int64

		errs := Batch(context.Background(), items, 3, "sum", time.Second, func(ctx context.Context, item int) error {
			sum.Add(int64(item))
			return nil
		})

		assert.Empty(t, errs)
		assert.Equal(t, int64(36), sum.Load())
	})

	t.Run("collects every error", func(t *testing.T) {
		items := make([]int, 50)
		errs := Batch(context.Background(), items, 2, "fail", time.Second, func(ctx context.Context, item int) error {
			return errors.New("nope")
		})
		assert.Len(t, errs, 50)
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Nil(t, Batch(context.Background(), []string{}, 2, "empty", time.Second, func(ctx context.Context, s string) error {
			return errors.New("never called")
		}))
	})
}
