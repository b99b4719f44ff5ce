package tunnel

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/config"
	"github.com/go-i2p/tunnelbuild/lib/util/time/monotonic"
)

var (
	// ErrNoPeers is returned by ConfigureNewTunnel when the selector could
	// not supply enough hops.
	ErrNoPeers = errors.New("tunnel: not enough peers to build a circuit")
	// ErrNoUsableTunnel is returned by SelectTunnel when the pool has no
	// active circuit and may not fall back to a zero-hop one.
	ErrNoUsableTunnel = errors.New("tunnel: no usable circuit")
	// ErrNoReplyTunnel is returned by ConfigureNewTunnel for outbound
	// circuits when no inbound circuit can carry the build reply.
	ErrNoReplyTunnel = errors.New("tunnel: no inbound circuit for the build reply")
)

// PoolSettings configures one pool.
type PoolSettings struct {
	Direction Direction
	// Owner is the client destination, nil for exploratory pools.
	Owner *common.Hash
	// Self is the local router identity.
	Self common.Hash

	// Length is the number of remote hops.
	Length         int
	LengthVariance int
	Quantity       int
	Backup         int
	AllowZeroHop   bool

	Lifetime         time.Duration
	DefaultBuildTime time.Duration
	Urgency          float64
	MinSuccessRate   float64
	SuccessAlpha     float64
	MaxBuildsPerPool int

	Format  RecordFormat
	HopKBps int
}

// SettingsFromConfig derives pool settings from the configured defaults.
func SettingsFromConfig(cfg config.PoolDefaults, hopKBps int, dir Direction, self common.Hash, owner *common.Hash) (PoolSettings, error) {
	format, err := ParseRecordFormat(cfg.Format)
	if err != nil {
		return PoolSettings{}, err
	}
	return PoolSettings{
		Direction:        dir,
		Owner:            owner,
		Self:             self,
		Length:           cfg.Length,
		LengthVariance:   cfg.LengthVariance,
		Quantity:         cfg.Quantity,
		Backup:           cfg.Backup,
		AllowZeroHop:     cfg.ExploratoryZeroHop && owner == nil,
		Lifetime:         cfg.TunnelLifetime,
		DefaultBuildTime: cfg.DefaultBuildTime,
		Urgency:          cfg.Urgency,
		MinSuccessRate:   cfg.MinSuccessRate,
		SuccessAlpha:     cfg.SuccessAlpha,
		MaxBuildsPerPool: cfg.MaxBuildsPerPool,
		Format:           format,
		HopKBps:          hopKBps,
	}, nil
}

// IsExploratory reports whether the pool serves no client.
func (s PoolSettings) IsExploratory() bool {
	return s.Owner == nil
}

// activator is notified when a circuit of a pool becomes active.
type activator interface {
	activate(plan *CircuitPlan) bool
	// announce runs once plan is part of the pool's active set.
	announce(plan *CircuitPlan)
}

// replyRouter provides the gateway and tunnel an outbound build's reply
// is routed through.
type replyRouter interface {
	replyRoute(p *Pool) (common.Hash, TunnelID, error)
}

// Pool keeps a number of circuits of one purpose and direction alive.
type Pool struct {
	settings PoolSettings
	selector PeerSelector
	clock    monotonic.Source

	sink    activator
	replies replyRouter

	mutex          sync.Mutex
	active         []*CircuitPlan
	inProgress     int
	successRate    float64
	avgBuildTime   time.Duration
	selectionIndex int
	builds         uint64
	failures       uint64
}

// NewPool creates an empty pool.
func NewPool(settings PoolSettings, selector PeerSelector, clock monotonic.Source) *Pool {
	return &Pool{
		settings:     settings,
		selector:     selector,
		clock:        clock,
		successRate:  1,
		avgBuildTime: settings.DefaultBuildTime,
	}
}

// Settings returns the pool configuration.
func (p *Pool) Settings() PoolSettings {
	return p.settings
}

func (p *Pool) String() string {
	kind := "exploratory"
	if p.settings.Owner != nil {
		kind = "client:" + ShortHash(*p.settings.Owner)
	}
	return fmt.Sprintf("%s/%s", kind, p.settings.Direction)
}

// CountHowManyToBuild returns how many new build attempts the pool wants
// right now.
func (p *Pool) CountHowManyToBuild(now time.Time) int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	wanted := p.settings.Quantity + p.settings.Backup
	urgent := time.Duration(float64(p.avgBuildTime) * p.settings.Urgency)
	soon := 2 * p.avgBuildTime

	usable, replacements := 0, 0
	for _, c := range p.active {
		// zero-hop fallbacks never satisfy a pool that wants real hops
		if c.IsZeroHop() && p.settings.Length > 0 {
			continue
		}
		if !c.ExpiresWithin(now, urgent) {
			usable++
		}
		if c.ExpiresWithin(now, soon) {
			replacements++
		}
	}

	shortfall := wanted - usable + replacements - p.inProgress
	if shortfall <= 0 {
		return 0
	}

	rate := math.Max(p.successRate, p.settings.MinSuccessRate)
	if rate <= 0 {
		rate = 1
	}
	n := int(math.Ceil(float64(shortfall) / rate))
	if limit := p.settings.MaxBuildsPerPool - p.inProgress; n > limit {
		n = limit
	}
	if n < 0 {
		n = 0
	}
	return n
}

// ConfigureNewTunnel prepares a plan for a new build attempt. It returns
// ErrNoPeers when not enough hops are available. A pool of length zero
// yields a zero-hop plan.
func (p *Pool) ConfigureNewTunnel(now time.Time) (*CircuitPlan, error) {
	length := p.settings.Length
	if v := p.settings.LengthVariance; v > 0 {
		length += rand.Intn(2*v+1) - v
	}
	if length < 0 {
		length = 0
	}
	if length > MaxHops-1 {
		length = MaxHops - 1
	}
	if length == 0 {
		return p.ConfigureZeroHop(now)
	}

	s := p.settings
	s.Length = length
	peers, err := p.selector.SelectHops(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPeers, err)
	}
	if len(peers) < length {
		return nil, fmt.Errorf("%w: wanted %d, got %d", ErrNoPeers, length, len(peers))
	}

	// selectors return endpoint first
	remote := make([]common.Hash, length)
	for i := 0; i < length; i++ {
		remote[i] = peers[length-1-i]
	}

	var order []common.Hash
	if p.settings.Direction == Inbound {
		order = append(remote, p.settings.Self)
	} else {
		order = append([]common.Hash{p.settings.Self}, remote...)
	}

	plan, err := p.newPlan(now, order)
	if err != nil {
		return nil, err
	}

	log.WithFields(logger.Fields{
		"at":        "(Pool) ConfigureNewTunnel",
		"phase":     "tunnel_build",
		"reason":    "new build attempt planned",
		"pool":      p.String(),
		"hop_count": plan.Length(),
		"reply_id":  plan.ReplyMessageID,
	}).Debug("configured new tunnel")
	return plan, nil
}

// ConfigureZeroHop prepares a circuit consisting of the local router only.
func (p *Pool) ConfigureZeroHop(now time.Time) (*CircuitPlan, error) {
	return p.newPlan(now, []common.Hash{p.settings.Self})
}

func (p *Pool) newPlan(now time.Time, peers []common.Hash) (*CircuitPlan, error) {
	plan := &CircuitPlan{
		Hops:        make([]Hop, len(peers)),
		Direction:   p.settings.Direction,
		Owner:       p.settings.Owner,
		CreatedAt:   now,
		Expiration:  now.Add(p.settings.Lifetime),
		Format:      p.settings.Format,
		RecordCount: RecordCountFor(len(peers)),
		Pool:        p,
	}

	for i := range plan.Hops {
		h := &plan.Hops[i]
		h.Peer = peers[i]
		id, err := NewTunnelID()
		if err != nil {
			return nil, err
		}
		h.ReceiveID = id
		if h.SendMessageID, err = NewMessageID(); err != nil {
			return nil, err
		}
		for _, key := range [][]byte{h.LayerKey[:], h.IVKey[:], h.ReplyKey[:], h.ReplyIV[:]} {
			if _, err := rand.Read(key); err != nil {
				return nil, fmt.Errorf("tunnel: key generation: %w", err)
			}
		}
		h.Bandwidth = BandwidthHint{RequestedKBps: p.settings.HopKBps}
	}
	for i := 0; i < len(plan.Hops)-1; i++ {
		plan.Hops[i].SendID = plan.Hops[i+1].ReceiveID
		plan.Hops[i].NextPeer = plan.Hops[i+1].Peer
	}

	if plan.IsZeroHop() {
		plan.Hops[0].SendID = plan.Hops[0].ReceiveID
		return plan, nil
	}

	if plan.Direction == Outbound {
		gw, tid := p.settings.Self, plan.Hops[0].ReceiveID
		if p.replies != nil {
			var err error
			if gw, tid, err = p.replies.replyRoute(p); err != nil {
				return nil, err
			}
		}
		plan.ReplyGateway, plan.ReplyTunnel = gw, tid
		last := &plan.Hops[len(plan.Hops)-1]
		last.NextPeer, last.SendID = gw, tid
	}

	replyID, err := NewMessageID()
	if err != nil {
		return nil, err
	}
	plan.SetReplyMessageID(replyID)
	return plan, nil
}

// ReplyHop is the hop whose forwarded message is the build reply: the
// outbound endpoint, or the hop before the local router for inbound
// circuits.
func (p *CircuitPlan) ReplyHop() int {
	if p.Direction == Inbound {
		return len(p.Hops) - 2
	}
	return len(p.Hops) - 1
}

// SetReplyMessageID changes the build attempt token and the message id
// the reply hop forwards with.
func (p *CircuitPlan) SetReplyMessageID(id uint32) {
	p.ReplyMessageID = id
	if i := p.ReplyHop(); i >= 0 && i < len(p.Hops) {
		p.Hops[i].SendMessageID = id
	}
}

// BuildStarted counts an attempt as in progress.
func (p *Pool) BuildStarted(plan *CircuitPlan) {
	plan.SetState(PlanBuilding)
	p.mutex.Lock()
	p.inProgress++
	p.builds++
	p.mutex.Unlock()
}

// BuildComplete activates a circuit whose every hop accepted. It returns
// false if the circuit could not be made routable.
func (p *Pool) BuildComplete(plan *CircuitPlan, buildTime time.Duration) bool {
	if p.sink != nil && !p.sink.activate(plan) {
		p.BuildFailed(plan)
		return false
	}
	plan.SetState(PlanActive)

	p.mutex.Lock()
	p.decrementInProgressLocked()
	p.active = append(p.active, plan)
	p.observeLocked(1)
	if buildTime > 0 {
		a := p.settings.SuccessAlpha
		p.avgBuildTime = time.Duration(float64(p.avgBuildTime)*(1-a) + float64(buildTime)*a)
	}
	activeCount := len(p.active)
	p.mutex.Unlock()

	log.WithFields(logger.Fields{
		"at":           "(Pool) BuildComplete",
		"phase":        "tunnel_build",
		"reason":       "all hops accepted",
		"pool":         p.String(),
		"tunnel_id":    plan.ID(),
		"build_time":   buildTime,
		"active_count": activeCount,
	}).Debug("added tunnel to pool")
	if p.sink != nil {
		p.sink.announce(plan)
	}
	return true
}

// BuildFailed records a failed or timed out attempt.
func (p *Pool) BuildFailed(plan *CircuitPlan) {
	plan.SetState(PlanFailed)

	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.decrementInProgressLocked()
	p.failures++
	p.observeLocked(0)
}

func (p *Pool) decrementInProgressLocked() {
	if p.inProgress > 0 {
		p.inProgress--
	}
}

func (p *Pool) observeLocked(outcome float64) {
	a := p.settings.SuccessAlpha
	p.successRate = p.successRate*(1-a) + outcome*a
}

// ActivateZeroHop activates a zero-hop circuit without touching build
// statistics.
func (p *Pool) ActivateZeroHop(plan *CircuitPlan) bool {
	if p.sink != nil && !p.sink.activate(plan) {
		return false
	}
	plan.SetState(PlanActive)
	p.mutex.Lock()
	p.active = append(p.active, plan)
	p.mutex.Unlock()
	return true
}

// BuildZeroHop creates and activates a zero-hop circuit synchronously.
func (p *Pool) BuildZeroHop(now time.Time) (*CircuitPlan, error) {
	plan, err := p.ConfigureZeroHop(now)
	if err != nil {
		return nil, err
	}
	if !p.ActivateZeroHop(plan) {
		return nil, ErrNoUsableTunnel
	}
	log.WithFields(logger.Fields{
		"at":        "(Pool) BuildZeroHop",
		"phase":     "tunnel_build",
		"reason":    "zero-hop fallback",
		"pool":      p.String(),
		"tunnel_id": plan.ID(),
	}).Debug("activated zero-hop tunnel")
	return plan, nil
}

// SelectTunnel selects a circuit using round-robin over the active
// circuits that are not about to expire. With none available it falls
// back to a zero-hop circuit if the pool allows one.
func (p *Pool) SelectTunnel() (*CircuitPlan, error) {
	now := p.clock.Now()

	p.mutex.Lock()
	usable := p.usableLocked(now)
	if len(usable) > 0 {
		selected := usable[p.selectionIndex%len(usable)]
		p.selectionIndex++
		p.mutex.Unlock()
		return selected, nil
	}
	p.mutex.Unlock()

	if !p.settings.AllowZeroHop {
		log.WithFields(logger.Fields{
			"at":     "(Pool) SelectTunnel",
			"phase":  "tunnel_build",
			"reason": "no active tunnels available for selection",
			"pool":   p.String(),
		}).Debug("no active tunnels available")
		return nil, ErrNoUsableTunnel
	}
	return p.BuildZeroHop(now)
}

// usableLocked returns active circuits sorted by id for deterministic
// round-robin order (must hold mutex).
func (p *Pool) usableLocked(now time.Time) []*CircuitPlan {
	urgent := time.Duration(float64(p.avgBuildTime) * p.settings.Urgency)
	var usable []*CircuitPlan
	for _, c := range p.active {
		if c.State() == PlanActive && !c.ExpiresWithin(now, urgent) {
			usable = append(usable, c)
		}
	}
	sort.Slice(usable, func(i, j int) bool {
		return usable[i].ID() < usable[j].ID()
	})
	return usable
}

// TryRemove removes plan from the active set unless another goroutine
// holds the pool lock. It reports false only when the lock was busy.
func (p *Pool) TryRemove(plan *CircuitPlan) bool {
	if !p.mutex.TryLock() {
		return false
	}
	defer p.mutex.Unlock()
	for i, c := range p.active {
		if c == plan {
			p.active = append(p.active[:i], p.active[i+1:]...)
			break
		}
	}
	return true
}

// Active returns a snapshot of the active circuits.
func (p *Pool) Active() []*CircuitPlan {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	out := make([]*CircuitPlan, len(p.active))
	copy(out, p.active)
	return out
}

// ActiveCount returns the number of active circuits.
func (p *Pool) ActiveCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.active)
}

// InProgress returns the number of attempts awaiting a reply.
func (p *Pool) InProgress() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.inProgress
}

// SuccessRate returns the smoothed fraction of successful attempts.
func (p *Pool) SuccessRate() float64 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.successRate
}

// AvgBuildTime returns the smoothed build round-trip time.
func (p *Pool) AvgBuildTime() time.Duration {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.avgBuildTime
}

// PoolStats contains statistics about a tunnel pool
type PoolStats struct {
	Active      int     // Ready for use
	Building    int     // Currently building
	NearExpiry  int     // Active but within the urgency window
	Builds      uint64  // Attempts started
	Failures    uint64  // Attempts failed or timed out
	SuccessRate float64 // Smoothed success rate
}

// Stats returns statistics about the pool.
func (p *Pool) Stats() PoolStats {
	now := p.clock.Now()

	p.mutex.Lock()
	defer p.mutex.Unlock()
	stats := PoolStats{
		Active:      len(p.active),
		Building:    p.inProgress,
		Builds:      p.builds,
		Failures:    p.failures,
		SuccessRate: p.successRate,
	}
	urgent := time.Duration(float64(p.avgBuildTime) * p.settings.Urgency)
	for _, c := range p.active {
		if c.ExpiresWithin(now, urgent) {
			stats.NearExpiry++
		}
	}
	return stats
}
