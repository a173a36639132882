package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAllTasksRun(t *testing.T) {
	p, err := New(4, 8, zap.NewNop())
	require.NoError(t, err)
	defer p.Close()

	var counter atomic.Int64
	for i := 0; i < 8; i++ {
		require.NoError(t, p.Submit(func() {
			time.Sleep(time.Millisecond)
			counter.Add(1)
		}, time.Second))
	}

	assert.Eventually(t, func() bool { return counter.Load() == 8 },
		500*time.Millisecond, 5*time.Millisecond)
}

func TestSubmitTimesOutWhenQueueFull(t *testing.T) {
	p, err := New(2, 4, zap.NewNop())
	require.NoError(t, err)

	release := make(chan struct{})
	var started atomic.Int64
	var finished atomic.Int64
	long := func() {
		started.Add(1)
		<-release
		finished.Add(1)
	}

	for i := 0; i < 6; i++ {
		require.NoError(t, p.Submit(long, time.Second))
	}
	require.Eventually(t, func() bool { return started.Load() == 2 },
		time.Second, time.Millisecond)

	begin := time.Now()
	err = p.Submit(long, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.GreaterOrEqual(t, time.Since(begin), 10*time.Millisecond)
	assert.ErrorIs(t, p.Submit(long, 0), ErrQueueFull)
	assert.EqualValues(t, 2, p.Stats().Rejected)

	close(release)
	p.Close()
	assert.EqualValues(t, 6, finished.Load())
}

func TestSubmitBlocksUntilSpaceFrees(t *testing.T) {
	p, err := New(1, 1, zap.NewNop())
	require.NoError(t, err)
	defer p.Close()

	release := make(chan struct{})
	require.NoError(t, p.Submit(func() { <-release }, time.Second))
	require.NoError(t, p.Submit(func() {}, time.Second))

	go func() {
		time.Sleep(30 * time.Millisecond)
		close(release)
	}()
	assert.NoError(t, p.Submit(func() {}, time.Second))
}

func TestCloseDrainsExactlyOnce(t *testing.T) {
	p, err := New(3, 64, zap.NewNop())
	require.NoError(t, err)

	var mu sync.Mutex
	runs := make(map[int]int)
	for i := 0; i < 64; i++ {
		i := i
		require.NoError(t, p.Submit(func() {
			time.Sleep(100 * time.Microsecond)
			mu.Lock()
			runs[i]++
			mu.Unlock()
		}, -1))
	}
	p.Close()

	require.Len(t, runs, 64)
	for i, n := range runs {
		assert.Equal(t, 1, n, "task %d", i)
	}
	assert.ErrorIs(t, p.Submit(func() {}, 0), ErrPoolClosed)
	p.Close()
}

func TestPanickingTaskDoesNotKillWorker(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	p, err := New(1, 4, zap.New(core))
	require.NoError(t, err)

	done := make(chan struct{})
	require.NoError(t, p.Submit(func() { panic("boom") }, time.Second))
	require.NoError(t, p.Submit(func() { close(done) }, time.Second))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive the panic")
	}
	p.Close()

	assert.EqualValues(t, 1, p.Stats().Panicked)
	assert.EqualValues(t, 2, p.Stats().Completed)
	require.Equal(t, 1, logs.FilterMessage("task panicked").Len())
}

func TestInvalidQueueSize(t *testing.T) {
	_, err := New(1, 0, nil)
	assert.Error(t, err)
}
