package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitWaitReturnsOwnResult(t *testing.T) {
	pool, err := New(Config{Workers: 4, QueueSize: 8}, func(ctx context.Context, task *Task) *Result {
		n := task.Payload.(int)
		time.Sleep(time.Duration(n%3) * time.Millisecond)
		return &Result{TaskID: task.ID, Success: true, Data: n * n}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := pool.SubmitWait(context.Background(), &Task{ID: fmt.Sprint(n), Payload: n})
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, fmt.Sprint(n), res.TaskID)
			assert.Equal(t, n*n, res.Data)
		}(i)
	}
	wg.Wait()

	stats := pool.Stats()
	assert.Equal(t, int64(50), stats.TasksSubmitted)
	assert.Equal(t, int64(50), stats.TasksCompleted)
}

func TestRetriesUntilSuccess(t *testing.T) {
	var calls int32
	pool, err := New(Config{Workers: 1, MaxRetries: 3, RetryDelay: time.Millisecond}, func(ctx context.Context, task *Task) *Result {
		if atomic.AddInt32(&calls, 1) < 3 {
			return &Result{TaskID: task.ID, Error: errors.New("transient")}
		}
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	res, err := pool.SubmitWait(context.Background(), &Task{ID: "t1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, int64(2), pool.Stats().TasksRetried)
}

func TestNonRetryableFailsFast(t *testing.T) {
	permanent := errors.New("permanent")
	var calls int32
	pool, err := New(Config{
		Workers:    1,
		MaxRetries: 5,
		RetryDelay: time.Millisecond,
		Retryable:  func(err error) bool { return !errors.Is(err, permanent) },
	}, func(ctx context.Context, task *Task) *Result {
		atomic.AddInt32(&calls, 1)
		return &Result{TaskID: task.ID, Error: permanent}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	res, err := pool.SubmitWait(context.Background(), &Task{ID: "t1"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Error, permanent)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSubmitAfterStop(t *testing.T) {
	pool, err := New(DefaultConfig(), func(ctx context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	require.NoError(t, pool.Stop())

	assert.ErrorIs(t, pool.Submit(&Task{ID: "late"}), ErrPoolClosed)
	_, err = pool.SubmitWait(context.Background(), &Task{ID: "late"})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestNewRequiresWorkerFunc(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil)
	assert.Error(t, err)
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	pool, err := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) *Result {
		<-release
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	require.NoError(t, err)

	// workers not started yet, so the single slot stays taken
	require.NoError(t, pool.Submit(&Task{ID: "a"}))
	assert.ErrorIs(t, pool.Submit(&Task{ID: "b"}), ErrQueueFull)
	assert.False(t, pool.IsHealthy())

	close(release)
	pool.Start()
	require.NoError(t, pool.Stop())
	assert.Equal(t, int64(1), pool.Stats().TasksCompleted)
	assert.True(t, pool.IsHealthy())
}
