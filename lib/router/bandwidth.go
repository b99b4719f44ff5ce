package router

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/tunnelbuild/lib/build"
	"github.com/go-i2p/tunnelbuild/lib/util/time/monotonic"
)

// ByteCounter returns cumulative bytes sent and received.
type ByteCounter func() (sent, received uint64)

type bandwidthSample struct {
	at       time.Time
	sent     uint64
	received uint64
}

// BandwidthTracker turns cumulative byte counters into rolling rates. It
// keeps one sample per interval and averages the most recent window.
type BandwidthTracker struct {
	counter  ByteCounter
	clock    monotonic.Source
	interval time.Duration
	window   time.Duration

	mu      sync.Mutex
	samples []bandwidthSample
	last    bandwidthSample
	primed  bool

	// bytes per second
	inbound  atomic.Uint64
	outbound atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBandwidthTracker samples counter once per second and averages the
// last fifteen seconds.
func NewBandwidthTracker(counter ByteCounter, clock monotonic.Source) *BandwidthTracker {
	return &BandwidthTracker{
		counter:  counter,
		clock:    clock,
		interval: time.Second,
		window:   15 * time.Second,
	}
}

// Start samples until ctx is done or Stop is called.
func (bt *BandwidthTracker) Start(ctx context.Context) {
	bt.mu.Lock()
	if bt.cancel != nil {
		bt.mu.Unlock()
		return
	}
	ctx, bt.cancel = context.WithCancel(ctx)
	bt.mu.Unlock()

	bt.Sample()
	bt.wg.Add(1)
	go func() {
		defer bt.wg.Done()
		ticker := time.NewTicker(bt.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				bt.Sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends sampling.
func (bt *BandwidthTracker) Stop() {
	bt.mu.Lock()
	cancel := bt.cancel
	bt.cancel = nil
	bt.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	bt.wg.Wait()
}

// Sample reads the counters and updates the rates. The first call only
// records a baseline.
func (bt *BandwidthTracker) Sample() {
	now := bt.clock.Now()
	sent, received := bt.counter()

	bt.mu.Lock()
	defer bt.mu.Unlock()
	if !bt.primed {
		bt.last = bandwidthSample{at: now, sent: sent, received: received}
		bt.primed = true
		return
	}
	elapsed := now.Sub(bt.last.at)
	if elapsed <= 0 {
		return
	}
	// counters that went backwards were reset
	delta := bandwidthSample{at: now}
	if sent >= bt.last.sent {
		delta.sent = sent - bt.last.sent
	}
	if received >= bt.last.received {
		delta.received = received - bt.last.received
	}
	bt.last = bandwidthSample{at: now, sent: sent, received: received}

	bt.samples = append(bt.samples, delta)
	for len(bt.samples) > 0 && now.Sub(bt.samples[0].at) >= bt.window {
		bt.samples = bt.samples[1:]
	}

	var totalSent, totalReceived uint64
	for _, s := range bt.samples {
		totalSent += s.sent
		totalReceived += s.received
	}
	span := uint64(bt.interval.Seconds() * float64(len(bt.samples)))
	if span == 0 {
		span = 1
	}
	bt.outbound.Store(totalSent / span)
	bt.inbound.Store(totalReceived / span)
}

// Rates returns the averaged inbound and outbound rates in bytes per second.
func (bt *BandwidthTracker) Rates() (inbound, outbound uint64) {
	return bt.inbound.Load(), bt.outbound.Load()
}

// Busiest returns the larger of the two rates.
func (bt *BandwidthTracker) Busiest() uint64 {
	in, out := bt.Rates()
	if in > out {
		return in
	}
	return out
}

// allocator reports bandwidth already promised to transit hops.
type allocator interface {
	AllocatedKBps() int
}

// TransitBudget is the transit share not yet promised to participating
// tunnels.
type TransitBudget struct {
	ShareKBps int
	Allocated allocator
}

var _ build.Bandwidth = (*TransitBudget)(nil)

func (b *TransitBudget) AvailableKBps() int {
	free := b.ShareKBps - b.Allocated.AllocatedKBps()
	if free < 0 {
		return 0
	}
	return free
}

// OutboundBudget is the outbound limit less the measured outbound rate.
// The executor sizes its concurrency from it.
type OutboundBudget struct {
	LimitKBps int
	Tracker   *BandwidthTracker
}

var _ build.Bandwidth = (*OutboundBudget)(nil)

func (b *OutboundBudget) AvailableKBps() int {
	_, out := b.Tracker.Rates()
	free := b.LimitKBps - int(out/1024)
	if free < 0 {
		return 0
	}
	return free
}
