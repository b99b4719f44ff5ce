package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/config"
	"github.com/go-i2p/tunnelbuild/lib/util/time/monotonic"
)

// TestResult contains the results of a tunnel test.
type TestResult struct {
	TunnelID TunnelID
	Success  bool
	Latency  time.Duration
	Error    error
	TestedAt time.Time
}

// Tester validates tunnel health by probing every active circuit.
// Circuits failing TestFailures consecutive probes are expired early.
type Tester struct {
	pools       func() []*Pool
	prober      Prober
	expiration  *ExpirationQueue
	clock       monotonic.Source
	interval    time.Duration
	timeout     time.Duration
	maxFailures int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTester creates a tester over the pools returned by pools.
func NewTester(cfg config.PoolDefaults, pools func() []*Pool, prober Prober, expiration *ExpirationQueue, clock monotonic.Source) *Tester {
	return &Tester{
		pools:       pools,
		prober:      prober,
		expiration:  expiration,
		clock:       clock,
		interval:    cfg.TestInterval,
		timeout:     cfg.TestTimeout,
		maxFailures: cfg.TestFailures,
	}
}

// TestTunnel probes one circuit and applies the result.
func (t *Tester) TestTunnel(ctx context.Context, plan *CircuitPlan) TestResult {
	result := TestResult{
		TunnelID: plan.ID(),
		TestedAt: t.clock.Now(),
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	start := time.Now()
	err := t.prober.Probe(ctx, plan)
	result.Latency = time.Since(start)
	result.Success = err == nil
	result.Error = err

	if result.Success {
		plan.RecordTestSuccess()
		return result
	}

	failures := plan.RecordTestFailure()
	log.WithFields(logger.Fields{
		"at":        "Tester.TestTunnel",
		"phase":     "tunnel_test",
		"tunnel_id": plan.ID(),
		"failures":  failures,
		"error":     err,
	}).Debug("tunnel test failed")
	if failures >= t.maxFailures {
		log.WithFields(logger.Fields{
			"at":        "Tester.TestTunnel",
			"phase":     "tunnel_test",
			"reason":    "consecutive test failures",
			"tunnel_id": plan.ID(),
			"failures":  failures,
		}).Warn("expiring failing tunnel early")
		t.expiration.ExpireNow(plan)
	}
	return result
}

// TestAll tests every active multi-hop circuit concurrently. The results
// are returned in no particular order.
func (t *Tester) TestAll(ctx context.Context) []TestResult {
	var plans []*CircuitPlan
	for _, p := range t.pools() {
		for _, c := range p.Active() {
			if !c.IsZeroHop() && c.State() == PlanActive {
				plans = append(plans, c)
			}
		}
	}
	if len(plans) == 0 {
		return nil
	}

	resultCh := make(chan TestResult, len(plans))
	var wg sync.WaitGroup
	for _, c := range plans {
		wg.Add(1)
		go func(c *CircuitPlan) {
			defer wg.Done()
			resultCh <- t.TestTunnel(ctx, c)
		}(c)
	}
	wg.Wait()
	close(resultCh)

	results := make([]TestResult, 0, len(plans))
	for r := range resultCh {
		results = append(results, r)
	}
	return results
}

// Start tests every TestInterval until ctx is cancelled or Stop is called.
func (t *Tester) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.TestAll(ctx)
			}
		}
	}()
}

// Stop stops the periodic tests.
func (t *Tester) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}
