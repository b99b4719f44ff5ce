package tunnel

import (
	"fmt"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
)

// DefaultPeerSelector picks hops uniformly at random from the routers a
// PeerSource knows, skipping the local router and banned peers. With a
// PeerHealth set it prefers peers that are not likely stale, as long as
// enough of them remain for the hops wanted.
type DefaultPeerSelector struct {
	source  PeerSource
	banlist Banlist
	health  PeerHealth
	self    common.Hash
}

// NewDefaultPeerSelector creates a selector over source. banlist may be
// nil. Returns an error if source is nil.
func NewDefaultPeerSelector(source PeerSource, banlist Banlist, self common.Hash) (*DefaultPeerSelector, error) {
	if source == nil {
		log.WithFields(logger.Fields{
			"at":     "NewDefaultPeerSelector",
			"reason": "nil_peer_source",
		}).Error("peer source is nil")
		return nil, fmt.Errorf("peer source cannot be nil")
	}
	return &DefaultPeerSelector{source: source, banlist: banlist, self: self}, nil
}

// SetHealth makes the selector prefer peers health does not report as
// likely stale. Nil turns the preference off.
func (s *DefaultPeerSelector) SetHealth(health PeerHealth) {
	s.health = health
}

// SelectHops returns settings.Length distinct peers.
func (s *DefaultPeerSelector) SelectHops(settings PoolSettings) ([]common.Hash, error) {
	count := settings.Length
	if count <= 0 {
		return nil, fmt.Errorf("count must be > 0")
	}

	known := s.source.KnownPeers()
	candidates := make([]common.Hash, 0, len(known))
	seen := make(map[common.Hash]struct{}, len(known))
	for _, h := range known {
		if h == s.self || h.IsZero() {
			continue
		}
		if s.banlist != nil && s.banlist.IsBanned(h) {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		candidates = append(candidates, h)
	}

	if len(candidates) < count {
		log.WithFields(logger.Fields{
			"at":        "(DefaultPeerSelector) SelectHops",
			"reason":    "insufficient_peers",
			"wanted":    count,
			"available": len(candidates),
		}).Debug("not enough peers for tunnel")
		return nil, fmt.Errorf("need %d peers, have %d", count, len(candidates))
	}

	candidates = s.preferFresh(candidates, count)

	// partial Fisher-Yates
	for i := 0; i < count; i++ {
		j := i + rand.Intn(len(candidates)-i)
		candidates[i], candidates[j] = candidates[j], candidates[i]
	}
	return candidates[:count], nil
}

// preferFresh drops likely stale peers from candidates unless fewer than
// count would remain.
func (s *DefaultPeerSelector) preferFresh(candidates []common.Hash, count int) []common.Hash {
	if s.health == nil {
		return candidates
	}
	fresh := make([]common.Hash, 0, len(candidates))
	for _, h := range candidates {
		if !s.health.IsLikelyStale(h) {
			fresh = append(fresh, h)
		}
	}
	if len(fresh) < count {
		log.WithFields(logger.Fields{
			"at":     "(DefaultPeerSelector) SelectHops",
			"reason": "too_few_fresh_peers",
			"wanted": count,
			"fresh":  len(fresh),
		}).Debug("including stale peers")
		return candidates
	}
	return fresh
}
