package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsAllTasks(t *testing.T) {
	pool := NewPool(context.Background(), Config{Workers: 4})

	var ran int64
	for i := 0; i < 20; i++ {
		pool.Submit(i, func(ctx context.Context) error {
			atomic.AddInt64(&ran, 1)
			return nil
		})
	}

	results := pool.Wait()
	assert.Equal(t, int64(20), ran)
	assert.Len(t, results, 20)
	for _, r := range results {
		assert.NoError(t, r.Error)
	}
}

func TestPoolReportsErrorsByIndex(t *testing.T) {
	pool := NewPool(context.Background(), Config{Workers: 2})

	boom := errors.New("boom")
	pool.Submit(0, func(ctx context.Context) error { return nil })
	pool.Submit(1, func(ctx context.Context) error { return boom })

	results := pool.Wait()
	require.Len(t, results, 2)

	byIndex := make(map[int]error, 2)
	for _, r := range results {
		byIndex[r.Index] = r.Error
	}
	assert.NoError(t, byIndex[0])
	assert.ErrorIs(t, byIndex[1], boom)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := NewPool(context.Background(), Config{Workers: 2})

	var active, peak int64
	for i := 0; i < 10; i++ {
		pool.Submit(i, func(ctx context.Context) error {
			n := atomic.AddInt64(&active, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&active, -1)
			return nil
		})
	}
	pool.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
	}, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryExhaustsBudget(t *testing.T) {
	boom := errors.New("persistent")
	attempts := 0
	err := Retry(context.Background(), RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
	}, func() error {
		attempts++
		return boom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, attempts)
}

func TestRetryHonorsRetryablePredicate(t *testing.T) {
	final := errors.New("final")
	attempts := 0
	err := Retry(context.Background(), RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Retryable:    func(err error) bool { return !errors.Is(err, final) },
	}, func() error {
		attempts++
		return final
	})

	assert.ErrorIs(t, err, final)
	assert.Equal(t, 1, attempts)
}

func TestRetryCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Hour,
	}, func() error {
		return errors.New("transient")
	})

	assert.ErrorIs(t, err, context.Canceled)
}
