package router

import (
	"sync"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/tunnel"
	"github.com/go-i2p/tunnelbuild/lib/util/time/monotonic"
)

type ban struct {
	reason string
	until  time.Time
}

// Banlist holds peers we refuse to work with until their ban runs out.
type Banlist struct {
	clock monotonic.Source

	mu   sync.RWMutex
	bans map[common.Hash]ban
}

var _ tunnel.Banlist = (*Banlist)(nil)

func NewBanlist(clock monotonic.Source) *Banlist {
	return &Banlist{clock: clock, bans: make(map[common.Hash]ban)}
}

// Ban bans peer for d. A longer existing ban is kept.
func (b *Banlist) Ban(peer common.Hash, reason string, d time.Duration) {
	until := b.clock.Now().Add(d)
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.bans[peer]; ok && old.until.After(until) {
		return
	}
	b.bans[peer] = ban{reason: reason, until: until}

	log.WithFields(logger.Fields{
		"at":       "(Banlist) Ban",
		"phase":    "tunnel_build",
		"peer":     tunnel.ShortHash(peer),
		"reason":   reason,
		"duration": d,
	}).Warn("peer banned")
}

func (b *Banlist) IsBanned(peer common.Hash) bool {
	_, ok := b.Reason(peer)
	return ok
}

// Reason returns why peer is banned.
func (b *Banlist) Reason(peer common.Hash) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.bans[peer]
	if !ok || !e.until.After(b.clock.Now()) {
		return "", false
	}
	return e.reason, true
}

// Prune drops bans that ran out.
func (b *Banlist) Prune() int {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for peer, e := range b.bans {
		if !e.until.After(now) {
			delete(b.bans, peer)
			n++
		}
	}
	return n
}

// Len counts bans, expired ones included until the next Prune.
func (b *Banlist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bans)
}
