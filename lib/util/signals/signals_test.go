//go:build !windows

package signals

import (
	"context"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSet(t *testing.T) *Set {
	t.Helper()
	s := New()
	t.Cleanup(s.Stop)
	return s
}

func TestReloadHandlersRunInOrder(t *testing.T) {
	s := newTestSet(t)
	var (
		mu    sync.Mutex
		order []int
	)
	for i := 0; i < 3; i++ {
		i := i
		s.OnReload(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	s.OnReload(nil)

	assert.False(t, s.dispatch(syscall.SIGHUP))
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestInterruptRunsShutdownFirst(t *testing.T) {
	s := newTestSet(t)
	var seq []string
	s.OnInterrupt(func() { seq = append(seq, "interrupt") })
	s.BeforeShutdown(func() { seq = append(seq, "withdraw") })

	assert.True(t, s.dispatch(syscall.SIGTERM))
	assert.Equal(t, []string{"withdraw", "interrupt"}, seq)
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	s := newTestSet(t)
	var calls atomic.Int32
	s.OnReload(func() { panic("boom") })
	s.OnReload(func() { calls.Add(1) })

	assert.NotPanics(t, func() { s.dispatch(syscall.SIGHUP) })
	assert.Equal(t, int32(1), calls.Load())
}

func TestShutdownTimeout(t *testing.T) {
	s := newTestSet(t)
	s.SetShutdownTimeout(20 * time.Millisecond)
	release := make(chan struct{})
	defer close(release)
	s.BeforeShutdown(func() { <-release })

	var interrupted atomic.Bool
	s.OnInterrupt(func() { interrupted.Store(true) })

	start := time.Now()
	assert.False(t, s.Shutdown())
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, interrupted.Load(), "interrupt handlers run after the timeout")
}

func TestSetShutdownTimeoutDefault(t *testing.T) {
	s := newTestSet(t)
	s.SetShutdownTimeout(-time.Second)
	assert.Equal(t, DefaultShutdownTimeout, s.timeout)
}

func TestRunEndsOnInterrupt(t *testing.T) {
	s := newTestSet(t)
	var reloads atomic.Int32
	s.OnReload(func() { reloads.Add(1) })

	done := make(chan bool, 1)
	go func() { done <- s.Run(context.Background()) }()

	s.ch <- syscall.SIGHUP
	s.ch <- syscall.SIGINT
	select {
	case interrupted := <-done:
		assert.True(t, interrupted)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, int32(1), reloads.Load())
}

func TestRunEndsOnContext(t *testing.T) {
	s := newTestSet(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, s.Run(ctx))
}

func TestStopEndsRun(t *testing.T) {
	s := New()
	done := make(chan bool, 1)
	go func() { done <- s.Run(context.Background()) }()

	s.Stop()
	s.Stop()
	select {
	case interrupted := <-done:
		require.False(t, interrupted)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
