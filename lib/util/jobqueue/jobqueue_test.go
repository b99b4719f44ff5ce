package jobqueue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsJobs(t *testing.T) {
	q := New(2, 16)
	q.Start(context.Background())
	defer q.Stop()

	var n atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Submit("count", func(context.Context) { n.Add(1) }))
	}
	assert.Eventually(t, func() bool { return n.Load() == 10 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return q.Completed() == 10 }, time.Second, 5*time.Millisecond)
}

func TestQueueFull(t *testing.T) {
	q := New(1, 1)
	q.Start(context.Background())
	defer q.Stop()

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, q.Submit("block", func(context.Context) {
		close(started)
		<-block
	}))
	<-started
	require.NoError(t, q.Submit("queued", func(context.Context) {}))
	assert.ErrorIs(t, q.Submit("overflow", func(context.Context) {}), ErrQueueFull)
	assert.Equal(t, 1, q.Pending())
	close(block)
}

func TestQueueStopped(t *testing.T) {
	q := New(1, 1)
	assert.ErrorIs(t, q.Submit("early", func(context.Context) {}), ErrStopped)

	q.Start(context.Background())
	q.Stop()
	assert.ErrorIs(t, q.Submit("late", func(context.Context) {}), ErrStopped)
}

func TestQueueStopCancelsJobs(t *testing.T) {
	q := New(1, 4)
	q.Start(context.Background())

	cancelled := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, q.Submit("wait", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}))
	<-started
	q.Stop()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("job context was not cancelled on Stop")
	}
}

func TestQueueSurvivesPanic(t *testing.T) {
	q := New(1, 4)
	q.Start(context.Background())
	defer q.Stop()

	done := make(chan struct{})
	require.NoError(t, q.Submit("panic", func(context.Context) { panic("boom") }))
	require.NoError(t, q.Submit("after", func(context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after a panicking job")
	}
}

func TestQueueLagIdleIsZero(t *testing.T) {
	q := New(1, 4)
	assert.Zero(t, q.Lag())
}
