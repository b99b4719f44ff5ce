package build

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/tunnelbuild/lib/config"
	"github.com/go-i2p/tunnelbuild/lib/i2np"
	"github.com/go-i2p/tunnelbuild/lib/tunnel"
	"github.com/go-i2p/tunnelbuild/lib/util/time/monotonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource implements tunnel.PeerSource for tests
type fakeSource struct {
	peers []common.Hash
}

func (f *fakeSource) KnownPeers() []common.Hash {
	return f.peers
}

type cpuGauge struct {
	mu      sync.Mutex
	percent float64
}

func (c *cpuGauge) load() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.percent, nil
}

func (c *cpuGauge) set(p float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.percent = p
}

type executorRig struct {
	cfg        config.ConfigDefaults
	clock      *monotonic.Manual
	routers    []i2np.Identity
	dispatcher *tunnel.Manager
	pools      *tunnel.PoolManager
	transport  *fakeTransport
	netdb      *fakeNetDB
	profiles   *fakeProfiles
	table      *PendingTable
	metrics    *Metrics
	cpu        *cpuGauge
	executor   *Executor
}

// newExecutorRig builds an executor for routers[0] that knows peers
// routers[1:]. Concurrency is capped at four attempts.
func newExecutorRig(t *testing.T, peers int, mutate ...func(*config.ConfigDefaults)) *executorRig {
	t.Helper()
	routers := testRouters(t, peers+1)
	cfg := config.Defaults()
	cfg.Build.MaxConcurrentBuilds = 4
	cfg.Build.MinConcurrentBuilds = 1
	for _, m := range mutate {
		m(&cfg)
	}

	r := &executorRig{
		cfg:       cfg,
		clock:     monotonic.NewManual(testNow),
		routers:   routers,
		transport: newFakeTransport(),
		netdb:     newFakeNetDB(routers),
		profiles:  newFakeProfiles(),
		table:     NewPendingTable(cfg.Build.RequestTimeout, cfg.Build.GraceWindow),
		cpu:       &cpuGauge{percent: 10},
	}
	r.dispatcher = tunnel.NewManager(r.clock, time.Hour)
	t.Cleanup(r.dispatcher.Stop)

	source := &fakeSource{}
	for _, id := range routers[1:] {
		source.peers = append(source.peers, id.Hash)
	}
	self := routers[0].Hash
	selector, err := tunnel.NewDefaultPeerSelector(source, nil, self)
	require.NoError(t, err)
	expiration := tunnel.NewExpirationQueue(cfg.Expiration, r.dispatcher, nil, r.clock)
	r.pools, err = tunnel.NewPoolManager(cfg.Pool, cfg.Build.DefaultHopKBps, self, selector, r.dispatcher, expiration, r.clock)
	require.NoError(t, err)

	r.metrics, err = NewMetrics("test", prometheus.NewRegistry())
	require.NoError(t, err)
	codecs, err := NewCodecs(nil)
	require.NoError(t, err)
	r.executor, err = NewExecutor(cfg.Build, ExecutorDeps{
		Pools:     r.pools,
		NetDB:     r.netdb,
		Transport: r.transport,
		Profiles:  r.profiles,
		Codecs:    codecs,
		Table:     r.table,
		Metrics:   r.metrics,
		Clock:     r.clock,
		CPULoad:   r.cpu.load,
	})
	require.NoError(t, err)
	return r
}

func TestAllowedConcurrency(t *testing.T) {
	newExec := func(t *testing.T, kbps int, cpu float64) *Executor {
		r := newExecutorRig(t, 3, func(c *config.ConfigDefaults) {
			c.Build.MaxConcurrentBuilds = 40
			c.Build.MinConcurrentBuilds = 2
		})
		r.executor.deps.Bandwidth = &fakeBandwidth{kbps: kbps}
		r.cpu.set(cpu)
		return r.executor
	}

	t.Run("bandwidth bound", func(t *testing.T) {
		e := newExec(t, 30, 10)
		assert.Equal(t, 5, e.AllowedConcurrency())
	})
	t.Run("slow builds shrink concurrency", func(t *testing.T) {
		e := newExec(t, 42, 10)
		assert.Equal(t, 7, e.AllowedConcurrency())
		e.RecordRTT(2 * time.Second)
		assert.Equal(t, 3, e.AllowedConcurrency())
	})
	t.Run("fast builds do not grow it", func(t *testing.T) {
		e := newExec(t, 42, 10)
		e.RecordRTT(200 * time.Millisecond)
		assert.Equal(t, 7, e.AllowedConcurrency())
	})
	t.Run("high cpu trickles down to the floor", func(t *testing.T) {
		e := newExec(t, 600, 95)
		assert.Equal(t, 2, e.AllowedConcurrency())
	})
	t.Run("no bandwidth keeps the floor", func(t *testing.T) {
		e := newExec(t, 0, 10)
		assert.Equal(t, 2, e.AllowedConcurrency())
	})
}

func TestRecordRTTSmooths(t *testing.T) {
	r := newExecutorRig(t, 3)
	assert.Zero(t, r.executor.AverageRTT())
	r.executor.RecordRTT(2 * time.Second)
	assert.Equal(t, 2*time.Second, r.executor.AverageRTT())
	r.executor.RecordRTT(time.Second)
	assert.Equal(t, 1800*time.Millisecond, r.executor.AverageRTT())
}

func TestOrderPools(t *testing.T) {
	clock := monotonic.NewManual(testNow)
	self := hashFor(0)
	owner := hashFor(1)
	pool := func(dir tunnel.Direction, client, active bool) *tunnel.Pool {
		s := tunnel.PoolSettings{Direction: dir, Self: self, Lifetime: 10 * time.Minute, SuccessAlpha: 0.25}
		if client {
			s.Owner = &owner
		}
		p := tunnel.NewPool(s, nil, clock)
		if active {
			plan, err := p.ConfigureZeroHop(testNow)
			require.NoError(t, err)
			require.True(t, p.ActivateZeroHop(plan))
		}
		return p
	}
	expIn := pool(tunnel.Inbound, false, false)
	expOut := pool(tunnel.Outbound, false, true)
	cliIn := pool(tunnel.Inbound, true, false)
	cliOut := pool(tunnel.Outbound, true, true)

	ordered := orderPools([]*tunnel.Pool{cliOut, expOut, cliIn, expIn}, false)
	assert.Equal(t, []*tunnel.Pool{cliIn, expIn, expOut, cliOut}, ordered)

	for i := 0; i < 20; i++ {
		shuffled := orderPools([]*tunnel.Pool{cliOut, expOut, cliIn, expIn}, true)
		require.Len(t, shuffled, 4)
		for j := 1; j < len(shuffled); j++ {
			assert.LessOrEqual(t, poolClass(shuffled[j-1]), poolClass(shuffled[j]))
		}
	}
}

func hashFor(i int) common.Hash {
	var h common.Hash
	h[0] = byte(i)
	h[31] = 0x5A
	return h
}

func TestIterateDispatchesWithinBudget(t *testing.T) {
	r := newExecutorRig(t, 6)
	ctx := context.Background()

	assert.Equal(t, 4, r.executor.Iterate(ctx))
	assert.Equal(t, 4, r.table.Building())
	builds := r.transport.sentBuilds()
	require.Len(t, builds, 4)
	for _, b := range builds {
		assert.NotEqual(t, r.routers[0].Hash, b.to)
		assert.Equal(t, i2np.TypeBuildRequest, b.msg.Type)
		assert.Equal(t, tunnel.FormatModern, b.msg.Format)
		assert.Len(t, b.msg.Records, tunnel.RecordCountFor(r.cfg.Pool.Length+1))
	}
	in, out := r.pools.Exploratory(tunnel.Inbound), r.pools.Exploratory(tunnel.Outbound)
	assert.Equal(t, 2, in.InProgress())
	assert.Equal(t, 2, out.InProgress())
	assert.Equal(t, 4.0, testutil.ToFloat64(r.metrics.dispatched))

	assert.Zero(t, r.executor.Iterate(ctx), "budget exhausted")
	assert.Equal(t, 4.0, testutil.ToFloat64(r.metrics.building))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.metrics.allowed))
}

func TestIterateExpiresAttempts(t *testing.T) {
	r := newExecutorRig(t, 6)
	ctx := context.Background()
	require.Equal(t, 4, r.executor.Iterate(ctx))
	// keep later rounds from adding attempts
	r.transport.sendErr = errors.New("link down")

	r.clock.Advance(r.cfg.Build.RequestTimeout + time.Second)
	assert.Zero(t, r.executor.Iterate(ctx))

	assert.Equal(t, 4*r.cfg.Pool.Length, r.profiles.totalTimeouts())
	assert.Equal(t, 4.0, testutil.ToFloat64(r.metrics.timedOut))
	assert.Equal(t, 0, r.table.Building())
	assert.Equal(t, 4, r.table.Grace())
	assert.Equal(t, 4.0, testutil.ToFloat64(r.metrics.grace))

	r.clock.Advance(r.cfg.Build.GraceWindow)
	r.executor.Iterate(ctx)
	assert.Equal(t, 0, r.table.Grace())
}

func TestIteratePostponesUnknownHops(t *testing.T) {
	r := newExecutorRig(t, 6)
	for _, id := range r.routers[1:] {
		r.netdb.forget(id.Hash)
	}

	assert.Zero(t, r.executor.Iterate(context.Background()))
	assert.Empty(t, r.transport.sentBuilds())
	assert.Equal(t, 0, r.table.Building())
	assert.Equal(t, 0, r.pools.Exploratory(tunnel.Inbound).InProgress())
}

func TestIterateFallsBackToZeroHop(t *testing.T) {
	r := newExecutorRig(t, 0)

	assert.Zero(t, r.executor.Iterate(context.Background()))
	assert.Empty(t, r.transport.sentBuilds())
	for _, dir := range []tunnel.Direction{tunnel.Inbound, tunnel.Outbound} {
		p := r.pools.Exploratory(dir)
		require.Equal(t, 1, p.ActiveCount(), dir.String())
		assert.True(t, p.Active()[0].IsZeroHop())
	}
}

func TestSendFailureAbortsAttempt(t *testing.T) {
	r := newExecutorRig(t, 6)
	r.transport.sendErr = errors.New("link down")

	assert.Zero(t, r.executor.Iterate(context.Background()))
	assert.Equal(t, 0, r.table.Building())
	in := r.pools.Exploratory(tunnel.Inbound)
	assert.Equal(t, 0, in.InProgress())
	assert.Less(t, in.SuccessRate(), 1.0)
	assert.Zero(t, r.profiles.totalTimeouts())
}

func TestExecutorLoopAndRestart(t *testing.T) {
	r := newExecutorRig(t, 6)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.executor.Start(ctx)
	require.Eventually(t, func() bool {
		return len(r.transport.sentBuilds()) == 4
	}, time.Second, 5*time.Millisecond)

	r.executor.RecordRTT(3 * time.Second)
	r.executor.Restart(ctx)
	defer r.executor.Shutdown()
	assert.Zero(t, r.executor.AverageRTT())
	assert.Zero(t, r.profiles.totalTimeouts(), "restart does not charge hops")

	r.executor.Wake()
	require.Eventually(t, func() bool {
		return len(r.transport.sentBuilds()) == 8
	}, time.Second, 5*time.Millisecond)
}

func TestNewExecutorRequiresCollaborators(t *testing.T) {
	_, err := NewExecutor(config.Defaults().Build, ExecutorDeps{})
	assert.Error(t, err)
}
