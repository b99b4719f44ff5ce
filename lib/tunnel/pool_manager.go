package tunnel

import (
	"errors"
	"sync"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/config"
	"github.com/go-i2p/tunnelbuild/lib/util/time/monotonic"
)

// ErrDuplicateClient is returned by AddClient for an owner that already
// has pools.
var ErrDuplicateClient = errors.New("tunnel: client pools already exist")

type clientPools struct {
	inbound  *Pool
	outbound *Pool
}

// PoolManager owns the exploratory pools and one inbound/outbound pair
// per client, and turns finished builds into routable circuits.
type PoolManager struct {
	cfg        config.PoolDefaults
	hopKBps    int
	self       common.Hash
	selector   PeerSelector
	dispatcher Dispatcher
	expiration *ExpirationQueue
	clock      monotonic.Source

	mu             sync.RWMutex
	exploratoryIn  *Pool
	exploratoryOut *Pool
	clients        map[common.Hash]*clientPools
}

// NewPoolManager creates the manager and its two exploratory pools.
func NewPoolManager(cfg config.PoolDefaults, hopKBps int, self common.Hash, selector PeerSelector, dispatcher Dispatcher, expiration *ExpirationQueue, clock monotonic.Source) (*PoolManager, error) {
	pm := &PoolManager{
		cfg:        cfg,
		hopKBps:    hopKBps,
		self:       self,
		selector:   selector,
		dispatcher: dispatcher,
		expiration: expiration,
		clock:      clock,
		clients:    make(map[common.Hash]*clientPools),
	}
	var err error
	if pm.exploratoryIn, err = pm.newPool(Inbound, nil); err != nil {
		return nil, err
	}
	if pm.exploratoryOut, err = pm.newPool(Outbound, nil); err != nil {
		return nil, err
	}
	return pm, nil
}

func (pm *PoolManager) newPool(dir Direction, owner *common.Hash) (*Pool, error) {
	settings, err := SettingsFromConfig(pm.cfg, pm.hopKBps, dir, pm.self, owner)
	if err != nil {
		return nil, err
	}
	p := NewPool(settings, pm.selector, pm.clock)
	p.sink = pm
	p.replies = pm
	return p, nil
}

// AddClient creates the inbound and outbound pools of a client.
func (pm *PoolManager) AddClient(owner common.Hash) (inbound, outbound *Pool, err error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, exists := pm.clients[owner]; exists {
		return nil, nil, ErrDuplicateClient
	}
	o := owner
	if inbound, err = pm.newPool(Inbound, &o); err != nil {
		return nil, nil, err
	}
	if outbound, err = pm.newPool(Outbound, &o); err != nil {
		return nil, nil, err
	}
	pm.clients[owner] = &clientPools{inbound: inbound, outbound: outbound}

	log.WithFields(logger.Fields{
		"at":     "PoolManager.AddClient",
		"phase":  "tunnel_build",
		"reason": "client pools created",
		"owner":  ShortHash(owner),
	}).Debug("added client pools")
	return inbound, outbound, nil
}

// RemoveClient drops a client's pools and expires their circuits.
func (pm *PoolManager) RemoveClient(owner common.Hash) bool {
	pm.mu.Lock()
	cp, exists := pm.clients[owner]
	delete(pm.clients, owner)
	pm.mu.Unlock()
	if !exists {
		return false
	}
	for _, p := range []*Pool{cp.inbound, cp.outbound} {
		for _, c := range p.Active() {
			pm.expiration.ExpireNow(c)
		}
	}
	return true
}

// Exploratory returns the exploratory pool for dir.
func (pm *PoolManager) Exploratory(dir Direction) *Pool {
	if dir == Inbound {
		return pm.exploratoryIn
	}
	return pm.exploratoryOut
}

// Client returns a client's pool for dir, or nil.
func (pm *PoolManager) Client(owner common.Hash, dir Direction) *Pool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	cp, ok := pm.clients[owner]
	if !ok {
		return nil
	}
	if dir == Inbound {
		return cp.inbound
	}
	return cp.outbound
}

// Pools lists every pool, exploratory first.
func (pm *PoolManager) Pools() []*Pool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	pools := []*Pool{pm.exploratoryIn, pm.exploratoryOut}
	for _, cp := range pm.clients {
		pools = append(pools, cp.inbound, cp.outbound)
	}
	return pools
}

// activate registers our end of plan with the dispatcher and schedules
// its expiration.
func (pm *PoolManager) activate(plan *CircuitPlan) bool {
	if !pm.dispatcher.AddCircuit(plan) {
		log.WithFields(logger.Fields{
			"at":        "PoolManager.activate",
			"phase":     "tunnel_build",
			"reason":    "local tunnel id already routed",
			"tunnel_id": plan.ID(),
		}).Warn("could not activate tunnel")
		return false
	}
	pm.expiration.Schedule(plan)
	return true
}

// announce republishes the lease set of a client whose inbound pool
// gained a circuit.
func (pm *PoolManager) announce(plan *CircuitPlan) {
	if plan.Direction != Inbound || plan.Owner == nil {
		return
	}
	if err := pm.expiration.Republish(*plan.Owner); err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"at":        "PoolManager.announce",
			"phase":     "tunnel_build",
			"tunnel_id": plan.ID(),
		}).Warn("lease set republish failed")
	}
}

// replyRoute picks the inbound circuit an outbound build's reply comes
// back through: the paired inbound pool, then the exploratory one. Either
// may fall back to a zero-hop circuit if its settings allow it.
func (pm *PoolManager) replyRoute(p *Pool) (common.Hash, TunnelID, error) {
	var candidates []*Pool
	if owner := p.settings.Owner; owner != nil {
		if in := pm.Client(*owner, Inbound); in != nil {
			candidates = append(candidates, in)
		}
	}
	candidates = append(candidates, pm.exploratoryIn)

	for _, in := range candidates {
		if c, err := in.SelectTunnel(); err == nil && c.ID() != 0 {
			return c.Gateway(), c.ID(), nil
		}
	}
	log.WithFields(logger.Fields{
		"at":     "(PoolManager) replyRoute",
		"phase":  "tunnel_build",
		"reason": "no inbound circuit",
		"pool":   p.String(),
	}).Debug("deferring outbound build")
	return common.Hash{}, 0, ErrNoReplyTunnel
}
