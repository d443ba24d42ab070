package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPoolRunsEveryJob(t *testing.T) {
	p := NewPool[int](4)

	var sum atomic.Int64
	var cleaned atomic.Int32
	for i := 1; i <= 100; i++ {
		err := p.Submit(Job[int]{
			Payload: i,
			Fn: func(_ context.Context, n int) error {
				sum.Add(int64(n))
				return nil
			},
			CleanupFunc: func() { cleaned.Add(1) },
		})
		require.NoError(t, err)
	}
	p.Stop()

	assert.Equal(t, int64(5050), sum.Load())
	assert.Equal(t, int32(100), cleaned.Load())
	assert.Zero(t, p.ActiveWorkers())
}

func TestPoolRespectsLimit(t *testing.T) {
	const limit = 3
	p := NewPool[int](limit)

	var running, peak atomic.Int32
	var mu sync.Mutex
	for i := 0; i < 30; i++ {
		require.NoError(t, p.Submit(Job[int]{
			Payload: i,
			Fn: func(context.Context, int) error {
				n := running.Add(1)
				mu.Lock()
				if n > peak.Load() {
					peak.Store(n)
				}
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				running.Add(-1)
				return nil
			},
		}))
	}
	p.Stop()

	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Positive(t, peak.Load())
}

func TestSubmitAfterStop(t *testing.T) {
	p := NewPool[string](2)
	p.Stop()
	p.Stop()

	err := p.Submit(Job[string]{Payload: "late", Fn: func(context.Context, string) error { return nil }})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestJobErrorDoesNotStopPool(t *testing.T) {
	p := NewPool[int](2)

	var ok atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(Job[int]{
			Payload: i,
			Fn: func(_ context.Context, n int) error {
				if n%2 == 0 {
					return errors.New("even")
				}
				ok.Add(1)
				return nil
			},
		}))
	}
	p.Stop()
	assert.Equal(t, int32(5), ok.Load())
}

func TestDefaultLimit(t *testing.T) {
	p := NewPool[int](0)
	defer p.Stop()
	assert.Equal(t, TotalMaxWorkers, p.MaxWorkers())
}
