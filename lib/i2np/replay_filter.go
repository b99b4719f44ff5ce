package i2np

import (
	"math"
	"sync"
	"time"

	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/config"
	"github.com/go-i2p/tunnelbuild/lib/util/time/monotonic"
	"github.com/samber/oops"
	"github.com/shirou/gopsutil/mem"
	"github.com/yawning/bloom"
)

// ReplayFilter remembers request records already processed. It keeps two
// generations of bloom filter: lookups consult both, inserts go to the
// current one, and the previous generation is discarded on rotation so
// entries decay after one to two rotation periods.
type ReplayFilter struct {
	mu        sync.Mutex
	current   *bloom.Filter
	previous  *bloom.Filter
	bits      int
	fp        float64
	rotation  time.Duration
	rotatedAt time.Time
	clock     monotonic.Source
}

// NewReplayFilter sizes a filter from the memory currently available.
func NewReplayFilter(cfg config.CodecDefaults, clock monotonic.Source) (*ReplayFilter, error) {
	var available uint64
	if vm, err := mem.VirtualMemory(); err == nil {
		available = vm.Available
	} else {
		log.WithError(err).Warn("could not read available memory, using the smallest replay filter")
	}
	return newReplayFilter(cfg, filterBits(available, cfg), clock)
}

func newReplayFilter(cfg config.CodecDefaults, bits int, clock monotonic.Source) (*ReplayFilter, error) {
	f := &ReplayFilter{
		bits:     bits,
		fp:       cfg.ReplayFalsePositive,
		rotation: cfg.ReplayRotation,
		clock:    clock,
	}
	cur, err := f.newGeneration()
	if err != nil {
		return nil, err
	}
	f.current = cur
	f.rotatedAt = clock.Now()

	log.WithFields(logger.Fields{
		"at":          "i2np.NewReplayFilter",
		"bits_log2":   bits,
		"max_entries": cur.MaxEntries(),
		"rotation":    f.rotation,
	}).Debug("replay filter created")
	return f, nil
}

// filterBits returns log2 of the filter size in bits for the given amount of
// available memory, clamped to the configured bounds.
func filterBits(available uint64, cfg config.CodecDefaults) int {
	budget := float64(available) * cfg.ReplayMemoryFraction * 8
	bits := cfg.ReplayMinBits
	if budget >= 2 {
		bits = int(math.Floor(math.Log2(budget)))
	}
	if bits < cfg.ReplayMinBits {
		bits = cfg.ReplayMinBits
	}
	if bits > cfg.ReplayMaxBits {
		bits = cfg.ReplayMaxBits
	}
	return bits
}

func (f *ReplayFilter) newGeneration() (*bloom.Filter, error) {
	b, err := bloom.New(randReader{}, f.bits, f.fp)
	if err != nil {
		return nil, oops.Wrapf(err, "replay filter of 2^%d bits", f.bits)
	}
	return b, nil
}

// IsReplay records key and reports whether it had been seen before.
func (f *ReplayFilter) IsReplay(key []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.maybeRotateLocked()
	if f.previous != nil && f.previous.Test(key) {
		return true
	}
	return f.current.TestAndSet(key)
}

func (f *ReplayFilter) maybeRotateLocked() {
	now := f.clock.Now()
	full := f.current.Entries() >= f.current.MaxEntries()
	if !full && now.Sub(f.rotatedAt) < f.rotation {
		return
	}
	next, err := f.newGeneration()
	if err != nil {
		log.WithError(err).Error("replay filter rotation failed")
		return
	}
	f.previous, f.current = f.current, next
	f.rotatedAt = now

	reason := "period_elapsed"
	if full {
		reason = "saturated"
	}
	log.WithFields(logger.Fields{
		"at":     "(ReplayFilter) rotate",
		"reason": reason,
	}).Debug("replay filter rotated")
}

// Entries returns the number of keys in the current generation.
func (f *ReplayFilter) Entries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current.Entries()
}
