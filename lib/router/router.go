package router

import (
	"context"
	"errors"
	"sync"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/build"
	"github.com/go-i2p/tunnelbuild/lib/config"
	"github.com/go-i2p/tunnelbuild/lib/i2np"
	"github.com/go-i2p/tunnelbuild/lib/tunnel"
	"github.com/go-i2p/tunnelbuild/lib/util/jobqueue"
	"github.com/go-i2p/tunnelbuild/lib/util/time/monotonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

var (
	ErrAlreadyRunning = errors.New("tunnel build subsystem already running")
	ErrClosed         = errors.New("tunnel build subsystem closed")
)

// maintenanceInterval is how often expired bans and idle profiles are
// dropped.
const maintenanceInterval = time.Minute

// profileMaxAge is how long a peer we stopped hearing from stays profiled.
const profileMaxAge = 6 * time.Hour

// Options are the collaborators the surrounding router provides.
type Options struct {
	Identity  i2np.Identity
	Transport build.Transport
	NetDB     build.NetDB
	Peers     tunnel.PeerSource

	// Optional.
	Prober      tunnel.Prober
	Caps        CapsSource
	LeaseSets   LeaseSetStore
	Bytes       ByteCounter
	Connections func() int
	CPULoad     func() (float64, error)
	Clock       monotonic.Source
	Registerer  prometheus.Registerer
	Namespace   string
}

// Subsystem is the tunnel build subsystem of one router: it builds and
// maintains our own circuits and answers build requests from others.
type Subsystem struct {
	cfg  config.ConfigDefaults
	opts Options

	dispatcher *tunnel.Manager
	banlist    *Banlist
	profiles   *Profiles
	congestion *CongestionMonitor
	bandwidth  *BandwidthTracker
	jobs       *jobqueue.Queue
	table      *build.PendingTable
	metrics    *build.Metrics
	handler    *build.Handler
	executor   *build.Executor
	pools      *tunnel.PoolManager
	expiration *tunnel.ExpirationQueue
	tester     *tunnel.Tester

	runMux  sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New wires a stopped subsystem.
func New(cfg config.ConfigDefaults, opts Options) (*Subsystem, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, oops.Wrapf(err, "invalid configuration")
	}
	if opts.Transport == nil || opts.NetDB == nil || opts.Peers == nil {
		return nil, oops.Errorf("subsystem needs transport, netdb and peer source")
	}
	if opts.Clock == nil {
		opts.Clock = monotonic.NewClock()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	if opts.Namespace == "" {
		opts.Namespace = "tunnelbuild"
	}
	if opts.Bytes == nil {
		opts.Bytes = func() (uint64, uint64) { return 0, 0 }
	}

	s := &Subsystem{cfg: cfg, opts: opts}
	if err := s.wire(); err != nil {
		if s.dispatcher != nil {
			s.dispatcher.Stop()
		}
		return nil, err
	}

	log.WithFields(logger.Fields{
		"at":     "router.New",
		"phase":  "tunnel_build",
		"router": tunnel.ShortHash(opts.Identity.Hash),
		"format": cfg.Pool.Format,
	}).Debug("tunnel build subsystem created")
	return s, nil
}

func (s *Subsystem) wire() error {
	cfg, opts := s.cfg, s.opts
	clock := opts.Clock
	self := opts.Identity.Hash

	s.dispatcher = tunnel.NewManager(clock, time.Minute)
	s.banlist = NewBanlist(clock)
	s.profiles = NewProfiles(clock)
	s.bandwidth = NewBandwidthTracker(opts.Bytes, clock)
	s.congestion = NewCongestionMonitor(cfg.Congestion, &LoadSampler{
		Participating:    s.dispatcher.ParticipatingCount,
		MaxParticipating: cfg.Router.MaxParticipating,
		BytesPerSecond:   s.bandwidth.Busiest,
		MaxKBps:          cfg.Router.TransitShareKBps,
		Connections:      opts.Connections,
		MaxConnections:   cfg.Router.MaxConnections,
	}, clock)

	var tiers tunnel.TierSource
	if opts.Caps != nil {
		tiers = &CapsTiers{Source: opts.Caps}
	}
	throttleDeps := tunnel.ThrottleDeps{
		Clock:        clock,
		Load:         s.dispatcher.ParticipatingCount,
		Tiers:        tiers,
		Banlist:      s.banlist,
		Disconnector: opts.Transport,
	}
	lifetime := cfg.Pool.TunnelLifetime
	requests := tunnel.NewRequestThrottler(cfg.Throttle, lifetime, throttleDeps)
	participating := tunnel.NewParticipatingThrottler(cfg.Throttle, lifetime, throttleDeps)
	global := tunnel.NewBuildRateLimiter(cfg.Throttle.GlobalBuckets, cfg.Throttle.GlobalSoftCeiling, cfg.Throttle.GlobalHardCeiling, clock)

	filter, err := i2np.NewReplayFilter(cfg.Codec, clock)
	if err != nil {
		return oops.Wrapf(err, "replay filter")
	}
	codecs, err := build.NewCodecs(filter)
	if err != nil {
		return err
	}
	s.metrics, err = build.NewMetrics(opts.Namespace, opts.Registerer)
	if err != nil {
		return oops.Wrapf(err, "registering metrics")
	}
	s.table = build.NewPendingTable(cfg.Build.RequestTimeout, cfg.Build.GraceWindow)
	s.jobs = jobqueue.New(cfg.Build.JobWorkers, cfg.Build.InboundQueueSize)

	var publisher tunnel.LeaseSetPublisher
	if opts.LeaseSets != nil {
		publisher = NewLeaseSetPublisher(opts.LeaseSets, func(owner common.Hash) *tunnel.Pool {
			return s.pools.Client(owner, tunnel.Inbound)
		})
	}
	s.expiration = tunnel.NewExpirationQueue(cfg.Expiration, s.dispatcher, publisher, clock)

	selector, err := tunnel.NewDefaultPeerSelector(opts.Peers, s.banlist, self)
	if err != nil {
		return err
	}
	selector.SetHealth(s.profiles)
	s.pools, err = tunnel.NewPoolManager(cfg.Pool, cfg.Build.DefaultHopKBps, self, selector, s.dispatcher, s.expiration, clock)
	if err != nil {
		return err
	}
	if opts.Prober != nil {
		s.tester = tunnel.NewTester(cfg.Pool, s.pools.Pools, opts.Prober, s.expiration, clock)
	}

	s.executor, err = build.NewExecutor(cfg.Build, build.ExecutorDeps{
		Pools:     s.pools,
		NetDB:     opts.NetDB,
		Transport: opts.Transport,
		Profiles:  s.profiles,
		Bandwidth: &OutboundBudget{LimitKBps: cfg.Router.OutboundKBps, Tracker: s.bandwidth},
		Codecs:    codecs,
		Table:     s.table,
		Jobs:      s.jobs,
		Metrics:   s.metrics,
		Clock:     clock,
		CPULoad:   opts.CPULoad,
	})
	if err != nil {
		return err
	}
	s.handler, err = build.NewHandler(cfg, build.HandlerDeps{
		Self:          opts.Identity,
		Transport:     opts.Transport,
		NetDB:         opts.NetDB,
		Profiles:      s.profiles,
		Congestion:    s.congestion,
		Bandwidth:     &TransitBudget{ShareKBps: cfg.Router.TransitShareKBps, Allocated: s.dispatcher},
		Dispatcher:    s.dispatcher,
		Banlist:       s.banlist,
		Requests:      requests,
		Participating: participating,
		Global:        global,
		Codecs:        codecs,
		Table:         s.table,
		Jobs:          s.jobs,
		Scheduler:     s.executor,
		Metrics:       s.metrics,
		Clock:         clock,
	})
	return err
}

// Start launches every background loop.
func (s *Subsystem) Start(ctx context.Context) error {
	s.runMux.Lock()
	defer s.runMux.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.running {
		log.WithFields(logger.Fields{
			"at":     "(Subsystem) Start",
			"reason": "subsystem is already running",
		}).Error("error starting tunnel build subsystem")
		return ErrAlreadyRunning
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	s.bandwidth.Start(ctx)
	s.congestion.Start(ctx)
	s.jobs.Start(ctx)
	s.expiration.Start(ctx)
	s.handler.Start(ctx)
	s.executor.Start(ctx)
	if s.tester != nil {
		s.tester.Start(ctx)
	}
	go s.maintain(ctx, s.done)
	s.running = true

	log.WithFields(logger.Fields{
		"at":     "(Subsystem) Start",
		"phase":  "tunnel_build",
		"router": tunnel.ShortHash(s.opts.Identity.Hash),
	}).Info("tunnel build subsystem started")
	return nil
}

func (s *Subsystem) maintain(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.banlist.Prune()
			s.profiles.Prune(profileMaxAge)
		}
	}
}

// Stop halts every loop. Circuits and registered hops are kept, so the
// subsystem may be started again.
func (s *Subsystem) Stop() {
	s.runMux.Lock()
	defer s.runMux.Unlock()
	if !s.running {
		log.Debug("tunnel build subsystem already stopped")
		return
	}
	s.running = false

	s.executor.Shutdown()
	s.handler.Stop()
	if s.tester != nil {
		s.tester.Stop()
	}
	s.expiration.Stop()
	s.jobs.Stop()
	s.congestion.Stop()
	s.bandwidth.Stop()
	s.cancel()
	<-s.done

	log.WithField("at", "(Subsystem) Stop").Info("tunnel build subsystem stopped")
}

// Wait blocks until the subsystem is stopped.
func (s *Subsystem) Wait() {
	s.runMux.Lock()
	done := s.done
	s.runMux.Unlock()
	if done != nil {
		<-done
	}
}

// Close stops the subsystem and its dispatcher for good.
func (s *Subsystem) Close() error {
	s.Stop()
	s.runMux.Lock()
	defer s.runMux.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.dispatcher.Stop()
	return nil
}

// Restart drops every build attempt in flight and restarts the scheduler
// with fresh state. Active circuits are untouched.
func (s *Subsystem) Restart(ctx context.Context) error {
	s.runMux.Lock()
	defer s.runMux.Unlock()
	if !s.running {
		return oops.Errorf("restart: subsystem is not running")
	}
	s.executor.Restart(ctx)
	return nil
}

// HandleMessage accepts a build message delivered by the transport.
func (s *Subsystem) HandleMessage(from common.Hash, msg *i2np.BuildMessage) error {
	return s.handler.HandleMessage(from, msg)
}

// AddClient creates the pools of a client destination.
func (s *Subsystem) AddClient(owner common.Hash) error {
	_, _, err := s.pools.AddClient(owner)
	if err == nil {
		s.executor.Wake()
	}
	return err
}

// RemoveClient drops a client's pools and expires its circuits.
func (s *Subsystem) RemoveClient(owner common.Hash) bool {
	return s.pools.RemoveClient(owner)
}

// Caps is the capability string this router advertises.
func (s *Subsystem) Caps() string {
	return config.Caps{
		Bandwidth:  config.BandwidthClassFromRate(uint64(s.cfg.Router.TransitShareKBps) * 1024),
		Reachable:  true,
		Congestion: s.congestion.Flag(),
	}.String()
}

// PoolInventory describes one pool for status output.
type PoolInventory struct {
	Name  string
	Stats tunnel.PoolStats
}

// Inventory lists every pool with its statistics.
func (s *Subsystem) Inventory() []PoolInventory {
	pools := s.pools.Pools()
	inv := make([]PoolInventory, 0, len(pools))
	for _, p := range pools {
		inv = append(inv, PoolInventory{Name: p.String(), Stats: p.Stats()})
	}
	return inv
}

func (s *Subsystem) Identity() i2np.Identity             { return s.opts.Identity }
func (s *Subsystem) Config() config.ConfigDefaults       { return s.cfg }
func (s *Subsystem) Dispatcher() *tunnel.Manager         { return s.dispatcher }
func (s *Subsystem) Pools() *tunnel.PoolManager          { return s.pools }
func (s *Subsystem) Executor() *build.Executor           { return s.executor }
func (s *Subsystem) Table() *build.PendingTable          { return s.table }
func (s *Subsystem) Banlist() *Banlist                   { return s.banlist }
func (s *Subsystem) Profiles() *Profiles                 { return s.profiles }
func (s *Subsystem) Congestion() *CongestionMonitor      { return s.congestion }
func (s *Subsystem) Bandwidth() *BandwidthTracker        { return s.bandwidth }
func (s *Subsystem) Expiration() *tunnel.ExpirationQueue { return s.expiration }
