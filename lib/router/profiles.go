package router

import (
	"sync"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/build"
	"github.com/go-i2p/tunnelbuild/lib/tunnel"
	"github.com/go-i2p/tunnelbuild/lib/util/time/monotonic"
)

// PeerStats is what we know about how a peer answers build requests.
type PeerStats struct {
	Accepts  int
	Rejects  [4]int // indexed by build.RejectCategory
	Timeouts int

	ConsecutiveFailures int
	LastAccept          time.Time
	LastFailure         time.Time
	LastSeen            time.Time
	AvgRTT              time.Duration
}

// Attempts is the number of requests the peer answered or ignored.
func (s PeerStats) Attempts() int {
	n := s.Accepts + s.Timeouts
	for _, r := range s.Rejects {
		n += r
	}
	return n
}

// Profiles keeps per-peer build statistics. Peers that keep failing are
// hidden from peer selection.
type Profiles struct {
	clock monotonic.Source

	mu    sync.RWMutex
	stats map[common.Hash]*PeerStats
}

var (
	_ build.Profiles   = (*Profiles)(nil)
	_ tunnel.PeerHealth = (*Profiles)(nil)
)

// NewProfiles creates an empty profile store.
func NewProfiles(clock monotonic.Source) *Profiles {
	return &Profiles{
		clock: clock,
		stats: make(map[common.Hash]*PeerStats),
	}
}

func (p *Profiles) entryLocked(peer common.Hash) *PeerStats {
	s, ok := p.stats[peer]
	if !ok {
		s = &PeerStats{}
		p.stats[peer] = s
	}
	s.LastSeen = p.clock.Now()
	return s
}

// RecordAccept notes that peer agreed to join a circuit.
func (p *Profiles) RecordAccept(peer common.Hash, rtt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.entryLocked(peer)
	s.Accepts++
	s.ConsecutiveFailures = 0
	s.LastAccept = s.LastSeen
	if s.AvgRTT == 0 {
		s.AvgRTT = rtt
	} else {
		s.AvgRTT = (s.AvgRTT + rtt) / 2
	}
}

// RecordReject notes a refusal. Only bandwidth and critical refusals
// count towards the failure streak.
func (p *Profiles) RecordReject(peer common.Hash, category build.RejectCategory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.entryLocked(peer)
	if int(category) < len(s.Rejects) {
		s.Rejects[category]++
	}
	if category >= build.RejectBandwidth {
		s.ConsecutiveFailures++
		s.LastFailure = s.LastSeen
	}
}

// RecordTimeout notes that peer never answered.
func (p *Profiles) RecordTimeout(peer common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.entryLocked(peer)
	s.Timeouts++
	s.ConsecutiveFailures++
	s.LastFailure = s.LastSeen

	log.WithFields(logger.Fields{
		"at":                   "(Profiles) RecordTimeout",
		"phase":                "tunnel_build",
		"peer":                 tunnel.ShortHash(peer),
		"consecutive_failures": s.ConsecutiveFailures,
	}).Debug("peer did not answer build request")
}

// Stats returns a copy of peer's statistics.
func (p *Profiles) Stats(peer common.Hash) (PeerStats, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.stats[peer]
	if !ok {
		return PeerStats{}, false
	}
	return *s, true
}

// SuccessRate is accepts over attempts, or -1 without data.
func (p *Profiles) SuccessRate(peer common.Hash) float64 {
	s, ok := p.Stats(peer)
	if !ok || s.Attempts() == 0 {
		return -1
	}
	return float64(s.Accepts) / float64(s.Attempts())
}

// IsLikelyStale reports a peer with three failures in a row, or one that
// accepted under a quarter of at least five requests.
func (p *Profiles) IsLikelyStale(peer common.Hash) bool {
	s, ok := p.Stats(peer)
	if !ok {
		return false
	}
	if s.ConsecutiveFailures >= 3 {
		return true
	}
	n := s.Attempts()
	return n >= 5 && float64(s.Accepts)/float64(n) < 0.25
}

// Prune forgets peers not seen within maxAge.
func (p *Profiles) Prune(maxAge time.Duration) int {
	cutoff := p.clock.Now().Add(-maxAge)
	p.mu.Lock()
	defer p.mu.Unlock()
	pruned := 0
	for peer, s := range p.stats {
		if s.LastSeen.Before(cutoff) {
			delete(p.stats, peer)
			pruned++
		}
	}
	if pruned > 0 {
		log.WithFields(logger.Fields{
			"at":        "(Profiles) Prune",
			"pruned":    pruned,
			"remaining": len(p.stats),
		}).Debug("pruned peer profiles")
	}
	return pruned
}

// Len returns the number of profiled peers.
func (p *Profiles) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.stats)
}
