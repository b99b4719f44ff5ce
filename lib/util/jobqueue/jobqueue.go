// Package jobqueue runs small asynchronous jobs (next-hop lookups, deferred
// reply handling) off the callers' goroutines and reports how long jobs
// wait before they start.
package jobqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/logger"
	"golang.org/x/sync/errgroup"
)

var log = logger.GetGoI2PLogger()

// ErrQueueFull is returned by Submit when the queue cannot take another job.
var ErrQueueFull = errors.New("jobqueue: queue full")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("jobqueue: stopped")

// Job is a unit of asynchronous work. ctx is cancelled when the queue stops.
type Job func(ctx context.Context)

type queued struct {
	name     string
	job      Job
	enqueued time.Time
}

// lagAlpha is the EWMA weight of each observed wait.
const lagAlpha = 0.25

// Queue is a bounded FIFO drained by a fixed number of workers.
type Queue struct {
	workers int
	jobs    chan queued

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool

	pending atomic.Int64
	lagNs   atomic.Int64
	ran     atomic.Uint64
}

// New creates a queue with the given worker count and capacity.
func New(workers, capacity int) *Queue {
	if workers < 1 {
		workers = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		workers: workers,
		jobs:    make(chan queued, capacity),
	}
}

// Start launches the workers. Calling Start on a running queue is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		q.group.Go(func() error {
			q.work(ctx)
			return nil
		})
	}
	q.running = true

	log.WithFields(logger.Fields{
		"at":      "Queue.Start",
		"workers": q.workers,
	}).Debug("job queue started")
}

// Stop cancels running jobs and waits for the workers to exit. Jobs still
// queued are discarded.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	cancel, group := q.cancel, q.group
	q.mu.Unlock()

	cancel()
	_ = group.Wait()
	for {
		select {
		case <-q.jobs:
			q.pending.Add(-1)
		default:
			q.lagNs.Store(0)
			return
		}
	}
}

// Submit enqueues job without blocking.
func (q *Queue) Submit(name string, job Job) error {
	q.mu.Lock()
	running := q.running
	q.mu.Unlock()
	if !running {
		return ErrStopped
	}
	select {
	case q.jobs <- queued{name: name, job: job, enqueued: time.Now()}:
		q.pending.Add(1)
		return nil
	default:
		log.WithFields(logger.Fields{
			"at":   "Queue.Submit",
			"job":  name,
			"size": cap(q.jobs),
		}).Warn("job queue full, dropping job")
		return ErrQueueFull
	}
}

// Lag returns the smoothed wait of recently started jobs, or zero when
// nothing is queued.
func (q *Queue) Lag() time.Duration {
	if q.pending.Load() <= 0 {
		return 0
	}
	return time.Duration(q.lagNs.Load())
}

// Pending returns the number of queued jobs that have not started.
func (q *Queue) Pending() int {
	return int(q.pending.Load())
}

// Completed returns the number of jobs that ran to completion.
func (q *Queue) Completed() uint64 {
	return q.ran.Load()
}

func (q *Queue) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-q.jobs:
			q.pending.Add(-1)
			q.observeLag(time.Since(j.enqueued))
			q.run(ctx, j)
		}
	}
}

func (q *Queue) observeLag(wait time.Duration) {
	for {
		old := q.lagNs.Load()
		next := int64(float64(old)*(1-lagAlpha) + float64(wait)*lagAlpha)
		if q.lagNs.CompareAndSwap(old, next) {
			return
		}
	}
}

func (q *Queue) run(ctx context.Context, j queued) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{
				"at":    "Queue.run",
				"job":   j.name,
				"panic": r,
			}).Error("job panicked")
		}
	}()
	j.job(ctx)
	q.ran.Add(1)
}
