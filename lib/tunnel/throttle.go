package tunnel

import (
	"sync"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/config"
	"github.com/go-i2p/tunnelbuild/lib/util/time/monotonic"
)

// Classification is a throttle's advice for one request.
type Classification uint8

const (
	Accept Classification = iota
	Reject
	Drop
)

func (c Classification) String() string {
	switch c {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	default:
		return "drop"
	}
}

// PeerTier selects the drop ceiling multiplier for a peer.
type PeerTier uint8

const (
	// TierStandard is any peer not classified otherwise.
	TierStandard PeerTier = iota
	// TierLow covers unreachable and low-bandwidth peers.
	TierLow
	// TierHigh covers high-bandwidth peers.
	TierHigh
)

// ThrottleDeps are the collaborators a per-peer throttle needs.
type ThrottleDeps struct {
	Clock monotonic.Source
	// Load returns the current participating tunnel count.
	Load         func() int
	Tiers        TierSource
	Banlist      Banlist
	Disconnector Disconnector
}

// peerThrottle counts events per peer over a fixed period and classifies
// each new event against a load-dependent limit.
type peerThrottle struct {
	name        string
	counter     config.CounterDefaults
	multipliers [3]float64
	period      time.Duration
	banDuration time.Duration
	deps        ThrottleDeps

	mu        sync.Mutex
	counts    map[common.Hash]*int
	escalated map[common.Hash]struct{}
	lastReset time.Time
}

func newPeerThrottle(name string, counter config.CounterDefaults, cfg config.ThrottleDefaults, lifetime time.Duration, deps ThrottleDeps) *peerThrottle {
	period := lifetime
	if counter.ResetFraction > 0 {
		period = lifetime / time.Duration(counter.ResetFraction)
	}
	t := &peerThrottle{
		name:        name,
		counter:     counter,
		period:      period,
		banDuration: cfg.BanDuration,
		deps:        deps,
		counts:      make(map[common.Hash]*int),
		escalated:   make(map[common.Hash]struct{}),
		lastReset:   deps.Clock.Now(),
	}
	t.multipliers[TierStandard] = cfg.DefaultMultiplier
	t.multipliers[TierLow] = cfg.LowTierMultiplier
	t.multipliers[TierHigh] = cfg.HighTierMultiplier
	return t
}

// Limit is the accept limit for the current load.
func (t *peerThrottle) Limit() int {
	participating := 0
	if t.deps.Load != nil {
		participating = t.deps.Load()
	}
	limit := participating * t.counter.PercentLimit / 100
	if limit < t.counter.MinLimit {
		limit = t.counter.MinLimit
	}
	if limit > t.counter.MaxLimit {
		limit = t.counter.MaxLimit
	}
	return limit
}

func (t *peerThrottle) tier(peer common.Hash) PeerTier {
	if t.deps.Tiers == nil {
		return TierStandard
	}
	tier := t.deps.Tiers.Tier(peer)
	if int(tier) >= len(t.multipliers) {
		return TierStandard
	}
	return tier
}

// RecordAndClassify counts one event from peer and classifies it.
func (t *peerThrottle) RecordAndClassify(peer common.Hash) Classification {
	limit := t.Limit()
	ceiling := int(float64(limit) * t.multipliers[t.tier(peer)])
	now := t.deps.Clock.Now()

	t.mu.Lock()
	if now.Sub(t.lastReset) >= t.period {
		t.counts = make(map[common.Hash]*int)
		t.escalated = make(map[common.Hash]struct{})
		t.lastReset = now
	}
	count, ok := t.counts[peer]
	if !ok {
		count = new(int)
		t.counts[peer] = count
	}
	*count++
	n := *count

	class := Accept
	escalate := false
	switch {
	case n <= limit:
	case n <= ceiling:
		class = Reject
	default:
		class = Drop
		if _, done := t.escalated[peer]; !done {
			t.escalated[peer] = struct{}{}
			escalate = true
		}
	}
	t.mu.Unlock()

	if escalate {
		t.escalate(peer, n, limit, ceiling)
	}
	return class
}

func (t *peerThrottle) escalate(peer common.Hash, count, limit, ceiling int) {
	log.WithFields(logger.Fields{
		"at":       "peerThrottle.escalate",
		"phase":    "tunnel_build",
		"reason":   "peer_over_drop_ceiling",
		"throttle": t.name,
		"peer":     ShortHash(peer),
		"count":    count,
		"limit":    limit,
		"ceiling":  ceiling,
		"ban":      t.banDuration,
	}).Warn("banning peer for excessive tunnel build traffic")

	if t.deps.Banlist != nil {
		t.deps.Banlist.Ban(peer, "excessive tunnel "+t.name, t.banDuration)
	}
	if t.deps.Disconnector != nil {
		t.deps.Disconnector.ForceDisconnect(peer)
	}
}

// Count returns the events counted for peer in the current period.
func (t *peerThrottle) Count(peer common.Hash) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.counts[peer]; ok {
		return *c
	}
	return 0
}

// RequestThrottler limits how many build requests a previous hop may send.
type RequestThrottler struct {
	*peerThrottle
}

// NewRequestThrottler resets every lifetime / Request.ResetFraction.
func NewRequestThrottler(cfg config.ThrottleDefaults, lifetime time.Duration, deps ThrottleDeps) *RequestThrottler {
	return &RequestThrottler{newPeerThrottle("requests", cfg.Request, cfg, lifetime, deps)}
}

// ParticipatingThrottler limits how many circuits may name one router as
// their next hop.
type ParticipatingThrottler struct {
	*peerThrottle
}

// NewParticipatingThrottler resets every lifetime / Participating.ResetFraction.
func NewParticipatingThrottler(cfg config.ThrottleDefaults, lifetime time.Duration, deps ThrottleDeps) *ParticipatingThrottler {
	return &ParticipatingThrottler{newPeerThrottle("participation", cfg.Participating, cfg, lifetime, deps)}
}
