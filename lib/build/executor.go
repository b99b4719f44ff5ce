package build

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/config"
	"github.com/go-i2p/tunnelbuild/lib/i2np"
	"github.com/go-i2p/tunnelbuild/lib/tunnel"
	"github.com/go-i2p/tunnelbuild/lib/util/jobqueue"
	"github.com/go-i2p/tunnelbuild/lib/util/time/monotonic"
	"github.com/samber/oops"
	"github.com/shirou/gopsutil/cpu"
)

// ExecutorDeps are the collaborators of an Executor. Bandwidth, Profiles,
// Jobs and CPULoad may be nil.
type ExecutorDeps struct {
	Pools     PoolSource
	NetDB     NetDB
	Transport Transport
	Profiles  Profiles
	Bandwidth Bandwidth
	Codecs    Codecs
	Table     *PendingTable
	Jobs      *jobqueue.Queue
	Metrics   *Metrics
	Clock     monotonic.Source
	// CPULoad returns the current CPU utilisation in percent. It defaults
	// to a gopsutil sample.
	CPULoad func() (float64, error)
}

// Executor is the build scheduler loop. Each iteration it computes how
// many attempts may be in flight, expires the ones past their deadline and
// dispatches new attempts for the pools that want them.
type Executor struct {
	cfg  config.BuildDefaults
	deps ExecutorDeps

	wake   chan struct{}
	rttNs  atomic.Int64
	rounds uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewExecutor creates a stopped executor.
func NewExecutor(cfg config.BuildDefaults, deps ExecutorDeps) (*Executor, error) {
	if deps.Pools == nil || deps.NetDB == nil || deps.Transport == nil || deps.Table == nil || deps.Clock == nil {
		return nil, oops.Errorf("executor needs pools, netdb, transport, pending table and clock")
	}
	if deps.Codecs == nil {
		return nil, oops.Errorf("executor needs record codecs")
	}
	if deps.CPULoad == nil {
		deps.CPULoad = sampleCPU
	}
	return &Executor{
		cfg:  cfg,
		deps: deps,
		wake: make(chan struct{}, 1),
	}, nil
}

func sampleCPU() (float64, error) {
	p, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, errors.New("no cpu sample")
	}
	return p[0], nil
}

// Start launches the loop. Calling Start on a running executor is a no-op.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	e.running = true
	go e.loop(ctx, e.done)

	log.WithFields(logger.Fields{
		"at":        "(Executor) Start",
		"phase":     "tunnel_build",
		"loop_wait": e.cfg.LoopWait,
	}).Debug("build executor started")
}

// Shutdown stops the loop and waits for it to exit. Pending attempts stay
// in the table.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	<-done
	log.WithField("at", "(Executor) Shutdown").Debug("build executor stopped")
}

// Restart stops the loop, drops every attempt still in flight without
// charging its hops and starts again with fresh state.
func (e *Executor) Restart(ctx context.Context) {
	e.Shutdown()
	for _, pb := range e.deps.Table.Drain() {
		if pb.Plan.Pool != nil {
			pb.Plan.Pool.BuildFailed(pb.Plan)
		}
	}
	e.rttNs.Store(0)
	e.rounds = 0
	e.Start(ctx)
}

// Wake makes the loop run its next iteration immediately.
func (e *Executor) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// RecordRTT feeds a successful build's round trip into the average used
// to scale concurrency.
func (e *Executor) RecordRTT(rtt time.Duration) {
	a := e.cfg.RTTAlpha
	for {
		old := e.rttNs.Load()
		next := int64(rtt)
		if old != 0 {
			next = int64(float64(old)*(1-a) + float64(rtt)*a)
		}
		if e.rttNs.CompareAndSwap(old, next) {
			return
		}
	}
}

// AverageRTT returns the smoothed build round trip, zero before the
// first success.
func (e *Executor) AverageRTT() time.Duration {
	return time.Duration(e.rttNs.Load())
}

func (e *Executor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(e.cfg.LoopWait)
	defer timer.Stop()

	for {
		e.Iterate(ctx)
		timer.Reset(e.cfg.LoopWait)
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-timer.C:
		}
	}
}

// Iterate runs one scheduling round and returns how many attempts it
// dispatched.
func (e *Executor) Iterate(ctx context.Context) int {
	now := e.deps.Clock.Now()
	allowed := e.AllowedConcurrency()

	for _, pb := range e.deps.Table.ExpireDue(now) {
		e.fail(pb)
	}
	for _, pb := range e.deps.Table.EvictGrace(now) {
		log.WithFields(logger.Fields{
			"at":       "(Executor) Iterate",
			"phase":    "tunnel_build",
			"reason":   "grace window ended",
			"reply_id": pb.ID(),
		}).Debug("evicted build attempt")
	}

	building := e.deps.Table.Building()
	if m := e.deps.Metrics; m != nil {
		m.allowed.Set(float64(allowed))
		m.building.Set(float64(building))
		m.grace.Set(float64(e.deps.Table.Grace()))
	}

	budget := allowed - building
	if budget <= 0 || ctx.Err() != nil {
		return 0
	}

	e.rounds++
	shuffle := e.cfg.ShuffleEvery > 0 && e.rounds%uint64(e.cfg.ShuffleEvery) == 0
	pools := orderPools(e.deps.Pools.Pools(), shuffle)

	wanted := make([]int, len(pools))
	for i, p := range pools {
		wanted[i] = p.CountHowManyToBuild(now)
	}

	dispatched := 0
	for progress := true; progress && budget > 0; {
		progress = false
		for i, p := range pools {
			if budget == 0 {
				break
			}
			if wanted[i] == 0 {
				continue
			}
			wanted[i]--
			progress = true
			if e.dispatch(ctx, p, now) {
				dispatched++
				budget--
			}
		}
	}
	return dispatched
}

// AllowedConcurrency returns how many attempts may be in flight right now.
func (e *Executor) AllowedConcurrency() int {
	cores := runtime.NumCPU() * e.cfg.PerCoreBuilds
	if cores > e.cfg.MaxConcurrentBuilds {
		cores = e.cfg.MaxConcurrentBuilds
	}
	allowed := cores
	if e.deps.Bandwidth != nil && e.cfg.KBpsPerBuild > 0 {
		if bw := e.deps.Bandwidth.AvailableKBps() / e.cfg.KBpsPerBuild; bw < allowed {
			allowed = bw
		}
	}

	if rtt := e.AverageRTT(); rtt > e.cfg.RTTTarget && e.cfg.RTTTarget > 0 {
		allowed = int(float64(allowed) * float64(e.cfg.RTTTarget) / float64(rtt))
	}

	if e.overloaded() {
		allowed = e.cfg.TrickleBuilds
	}
	if allowed < e.cfg.MinConcurrentBuilds {
		allowed = e.cfg.MinConcurrentBuilds
	}
	return allowed
}

func (e *Executor) overloaded() bool {
	if load, err := e.deps.CPULoad(); err == nil && load > e.cfg.HighCPUPercent {
		log.WithFields(logger.Fields{
			"at":     "(Executor) overloaded",
			"phase":  "tunnel_build",
			"reason": "high cpu",
			"cpu":    load,
		}).Debug("throttling builds to trickle")
		return true
	}
	if e.deps.Jobs != nil && e.deps.Jobs.Lag() > e.cfg.MaxJobLag {
		log.WithFields(logger.Fields{
			"at":     "(Executor) overloaded",
			"phase":  "tunnel_build",
			"reason": "job lag",
			"lag":    e.deps.Jobs.Lag(),
		}).Debug("throttling builds to trickle")
		return true
	}
	return false
}

// poolClass orders pools for dispatch: empty pools first, then
// exploratory, then client pools.
func poolClass(p *tunnel.Pool) int {
	switch {
	case p.ActiveCount() == 0:
		return 0
	case p.Settings().IsExploratory():
		return 1
	default:
		return 2
	}
}

func orderPools(pools []*tunnel.Pool, shuffle bool) []*tunnel.Pool {
	out := make([]*tunnel.Pool, len(pools))
	copy(out, pools)
	if shuffle {
		for i := len(out) - 1; i > 0; i-- {
			j := rand.Intn(i + 1)
			out[i], out[j] = out[j], out[i]
		}
	}
	classes := make(map[*tunnel.Pool]int, len(out))
	for _, p := range out {
		classes[p] = poolClass(p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return classes[out[i]] < classes[out[j]]
	})
	return out
}

// dispatch plans and sends one attempt for p. It reports whether an
// attempt entered the pending table.
func (e *Executor) dispatch(ctx context.Context, p *tunnel.Pool, now time.Time) bool {
	plan, err := p.ConfigureNewTunnel(now)
	if err != nil {
		if errors.Is(err, tunnel.ErrNoPeers) && p.Settings().AllowZeroHop && p.ActiveCount() == 0 {
			_, _ = p.BuildZeroHop(now)
			return false
		}
		log.WithFields(logger.Fields{
			"at":     "(Executor) dispatch",
			"phase":  "tunnel_build",
			"reason": err.Error(),
			"pool":   p.String(),
		}).Debug("could not plan a build attempt")
		return false
	}
	if plan.IsZeroHop() {
		p.ActivateZeroHop(plan)
		return false
	}

	codec, ok := e.deps.Codecs[plan.Format]
	if !ok {
		log.WithFields(logger.Fields{
			"at":     "(Executor) dispatch",
			"reason": "no codec",
			"format": plan.Format.String(),
		}).Error("cannot encode build request")
		return false
	}

	keys, missing := e.peerKeys(ctx, plan)
	if missing {
		return false
	}

	p.BuildStarted(plan)
	id, err := e.deps.Table.Insert(plan, codec, now, tunnel.NewMessageID)
	if err != nil {
		e.abort(plan, err, "pending table insert failed")
		return false
	}
	msg, err := i2np.GenerateBuildMessage(plan, keys, codec, now)
	if err != nil {
		e.deps.Table.Retire(id)
		e.abort(plan, err, "encoding failed")
		return false
	}
	first := plan.Hops[i2np.FirstHop(plan)].Peer
	if err := e.deps.Transport.SendBuild(first, msg); err != nil {
		e.deps.Table.Retire(id)
		e.abort(plan, err, "send failed")
		return false
	}

	if m := e.deps.Metrics; m != nil {
		m.dispatched.Inc()
	}
	log.WithFields(logger.Fields{
		"at":        "(Executor) dispatch",
		"phase":     "tunnel_build",
		"pool":      p.String(),
		"reply_id":  id,
		"first_hop": tunnel.ShortHash(first),
		"hops":      plan.Length(),
	}).Debug("dispatched build request")
	return true
}

// peerKeys collects the keys of every remote hop. Unknown peers are looked
// up in the background so a later attempt can use them.
func (e *Executor) peerKeys(ctx context.Context, plan *tunnel.CircuitPlan) ([]i2np.PeerKeys, bool) {
	keys := make([]i2np.PeerKeys, plan.Length())
	missing := false
	for i, h := range plan.Hops {
		if !plan.IsRemote(i) {
			continue
		}
		k, ok := e.deps.NetDB.LookupLocally(h.Peer)
		if !ok {
			missing = true
			e.lookupLater(h.Peer)
			continue
		}
		keys[i] = k
	}
	if missing {
		log.WithFields(logger.Fields{
			"at":     "(Executor) peerKeys",
			"phase":  "tunnel_build",
			"reason": "hop keys unknown",
		}).Debug("postponing build attempt")
	}
	return keys, missing
}

func (e *Executor) lookupLater(peer common.Hash) {
	if e.deps.Jobs == nil {
		return
	}
	_ = e.deps.Jobs.Submit("hop-lookup", func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, e.cfg.LookupTimeout)
		defer cancel()
		if _, err := e.deps.NetDB.Lookup(ctx, peer); err != nil {
			log.WithFields(logger.Fields{
				"at":    "(Executor) lookupLater",
				"peer":  tunnel.ShortHash(peer),
				"error": err.Error(),
			}).Debug("hop lookup failed")
		}
	})
}

func (e *Executor) abort(plan *tunnel.CircuitPlan, err error, reason string) {
	if plan.Pool != nil {
		plan.Pool.BuildFailed(plan)
	}
	log.WithFields(logger.Fields{
		"at":       "(Executor) dispatch",
		"phase":    "tunnel_build",
		"reason":   reason,
		"reply_id": plan.ReplyMessageID,
		"error":    err.Error(),
	}).Warn("build attempt aborted")
}

// fail accounts an attempt that got no usable reply. Every remote hop is
// charged a timeout.
func (e *Executor) fail(pb *PendingBuild) {
	plan := pb.Plan
	if e.deps.Profiles != nil {
		for _, peer := range plan.RemotePeers() {
			e.deps.Profiles.RecordTimeout(peer)
		}
	}
	if plan.Pool != nil {
		plan.Pool.BuildFailed(plan)
	}
	if m := e.deps.Metrics; m != nil {
		m.timedOut.Inc()
	}
	log.WithFields(logger.Fields{
		"at":       "(Executor) fail",
		"phase":    "tunnel_build",
		"reason":   "no reply before deadline",
		"reply_id": pb.ID(),
		"elapsed":  pb.Deadline.Sub(pb.DispatchedAt),
	}).Debug("build attempt timed out")
}

// Codecs maps each record format to its codec.
type Codecs map[tunnel.RecordFormat]i2np.RecordCodec

// NewCodecs creates a codec for every format sharing one replay filter.
func NewCodecs(filter *i2np.ReplayFilter) (Codecs, error) {
	c := make(Codecs, 2)
	for _, f := range []tunnel.RecordFormat{tunnel.FormatLegacy, tunnel.FormatModern} {
		codec, err := i2np.CodecFor(f, filter)
		if err != nil {
			return nil, err
		}
		c[f] = codec
	}
	return c, nil
}
