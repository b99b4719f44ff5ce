package tunnel

import (
	"sync"
	"time"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/util/time/monotonic"
)

// rateWindow is the span the global limiter sums over.
const rateWindow = time.Second

type rateBucket struct {
	epoch int64
	count int
}

// BuildRateLimiter caps the rate of inbound build messages across all
// peers. The last second is split into buckets; calls landing in a stale
// bucket clear it first.
type BuildRateLimiter struct {
	mu      sync.Mutex
	buckets []rateBucket
	width   time.Duration
	soft    int
	hard    int

	clock  monotonic.Source
	random func() float64
}

// NewBuildRateLimiter creates a limiter with the given bucket count and
// soft/hard ceilings in messages per second.
func NewBuildRateLimiter(buckets, soft, hard int, clock monotonic.Source) *BuildRateLimiter {
	if buckets < 1 {
		buckets = 1
	}
	if hard < soft {
		hard = soft
	}
	l := &BuildRateLimiter{
		buckets: make([]rateBucket, buckets),
		width:   rateWindow / time.Duration(buckets),
		soft:    soft,
		hard:    hard,
		clock:   clock,
		random:  rand.Float64,
	}
	for i := range l.buckets {
		l.buckets[i].epoch = -1
	}
	return l
}

// SetRandom replaces the source of drop decisions.
func (l *BuildRateLimiter) SetRandom(f func() float64) {
	l.mu.Lock()
	l.random = f
	l.mu.Unlock()
}

// RecordGlobal classifies one inbound build message. Only Accept and Drop
// are returned; dropped messages are not counted.
func (l *BuildRateLimiter) RecordGlobal() Classification {
	epoch := l.clock.Now().UnixNano() / int64(l.width)
	n := int64(len(l.buckets))

	l.mu.Lock()
	defer l.mu.Unlock()

	slot := &l.buckets[epoch%n]
	if slot.epoch != epoch {
		slot.epoch = epoch
		slot.count = 0
	}

	sum := 0
	for i := range l.buckets {
		b := &l.buckets[i]
		if age := epoch - b.epoch; age >= 0 && age < n {
			sum += b.count
		}
	}

	if sum >= l.hard {
		log.WithFields(logger.Fields{
			"at":     "BuildRateLimiter.RecordGlobal",
			"phase":  "tunnel_build",
			"reason": "hard_ceiling",
			"rate":   sum,
		}).Debug("dropping build message over global ceiling")
		return Drop
	}
	if sum >= l.soft && l.hard > l.soft {
		p := float64(sum-l.soft) / float64(l.hard-l.soft)
		if l.random() < p {
			return Drop
		}
	}
	slot.count++
	return Accept
}

// Rate returns the number of messages counted over the current window.
func (l *BuildRateLimiter) Rate() int {
	epoch := l.clock.Now().UnixNano() / int64(l.width)
	n := int64(len(l.buckets))

	l.mu.Lock()
	defer l.mu.Unlock()
	sum := 0
	for i := range l.buckets {
		b := &l.buckets[i]
		if age := epoch - b.epoch; age >= 0 && age < n {
			sum += b.count
		}
	}
	return sum
}
