package tunnel

import (
	"context"
	"sync"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/config"
	"github.com/go-i2p/tunnelbuild/lib/util/time/monotonic"
	"github.com/google/btree"
)

type expirationPhase uint8

const (
	// phaseRetire takes the circuit out of its pool's inventory.
	phaseRetire expirationPhase = iota + 1
	// phaseRemove takes the circuit out of the dispatcher.
	phaseRemove
)

type expirationEntry struct {
	at    time.Time
	seq   uint64
	plan  *CircuitPlan
	phase expirationPhase
}

func expirationLess(a, b expirationEntry) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.seq < b.seq
}

// ExpirationQueue expires owned circuits in two phases. Phase one runs
// EarlyExpire before the circuit's expiration and stops new traffic from
// choosing it; phase two runs ClockSkewAllowance after expiration and
// stops routing it.
type ExpirationQueue struct {
	cfg        config.ExpirationDefaults
	dispatcher Dispatcher
	publisher  LeaseSetPublisher
	clock      monotonic.Source

	mu   sync.Mutex
	tree *btree.BTreeG[expirationEntry]
	seq  uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExpirationQueue creates an empty queue. publisher may be nil.
func NewExpirationQueue(cfg config.ExpirationDefaults, dispatcher Dispatcher, publisher LeaseSetPublisher, clock monotonic.Source) *ExpirationQueue {
	return &ExpirationQueue{
		cfg:        cfg,
		dispatcher: dispatcher,
		publisher:  publisher,
		clock:      clock,
		tree:       btree.NewG(8, expirationLess),
	}
}

func (q *ExpirationQueue) push(at time.Time, plan *CircuitPlan, phase expirationPhase) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.tree.ReplaceOrInsert(expirationEntry{at: at, seq: q.seq, plan: plan, phase: phase})
}

// Schedule queues phase one for an active circuit.
func (q *ExpirationQueue) Schedule(plan *CircuitPlan) {
	q.push(plan.Expiration.Add(-q.cfg.EarlyExpire), plan, phaseRetire)
}

// ExpireNow queues phase one to run on the next tick.
func (q *ExpirationQueue) ExpireNow(plan *CircuitPlan) {
	q.push(q.clock.Now(), plan, phaseRetire)
}

// Republish hands owner's lease set to the publisher, if there is one.
func (q *ExpirationQueue) Republish(owner common.Hash) error {
	if q.publisher == nil {
		return nil
	}
	return q.publisher.Republish(owner)
}

// Len returns the number of queued entries.
func (q *ExpirationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Len()
}

func (q *ExpirationQueue) popDue(now time.Time) []expirationEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []expirationEntry
	for {
		e, ok := q.tree.Min()
		if !ok || e.at.After(now) {
			return due
		}
		q.tree.DeleteMin()
		due = append(due, e)
	}
}

// Tick runs every phase that is due at now and returns how many circuits
// finished phase one and phase two.
func (q *ExpirationQueue) Tick(now time.Time) (retired, removed int) {
	for _, e := range q.popDue(now) {
		switch e.phase {
		case phaseRetire:
			if q.retire(e.plan, now) {
				retired++
			}
		case phaseRemove:
			if e.plan.Transition(PlanExpiring, PlanExpired) {
				q.dispatcher.RemoveCircuit(e.plan)
				removed++
			}
		}
	}
	return retired, removed
}

func (q *ExpirationQueue) retire(plan *CircuitPlan, now time.Time) bool {
	if plan.State() != PlanActive {
		return false
	}
	if plan.Pool != nil && !plan.Pool.TryRemove(plan) {
		q.push(now, plan, phaseRetire)
		return false
	}

	if plan.Direction == Inbound && plan.Owner != nil && q.publisher != nil {
		if err := q.publisher.Republish(*plan.Owner); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"at":        "ExpirationQueue.retire",
				"phase":     "tunnel_build",
				"reason":    "lease set republish failed",
				"tunnel_id": plan.ID(),
			}).Warn("retrying tunnel expiration on next tick")
			q.push(now, plan, phaseRetire)
			return false
		}
	}

	if !plan.Transition(PlanActive, PlanExpiring) {
		return false
	}
	remove := plan.Expiration.Add(q.cfg.ClockSkewAllowance)
	if remove.Before(now) {
		remove = now
	}
	q.push(remove, plan, phaseRemove)

	log.WithFields(logger.Fields{
		"at":        "ExpirationQueue.retire",
		"phase":     "tunnel_build",
		"reason":    "early expiration",
		"tunnel_id": plan.ID(),
		"direction": plan.Direction.String(),
	}).Debug("tunnel removed from pool")
	return true
}

// Start ticks every TickInterval until ctx is cancelled or Stop is called.
func (q *ExpirationQueue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.Tick(q.clock.Now())
			}
		}
	}()
}

// Stop stops the ticking goroutine.
func (q *ExpirationQueue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}
