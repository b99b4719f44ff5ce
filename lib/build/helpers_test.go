package build

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/tunnelbuild/lib/config"
	"github.com/go-i2p/tunnelbuild/lib/i2np"
	"github.com/go-i2p/tunnelbuild/lib/tunnel"
	"github.com/go-i2p/tunnelbuild/lib/util/time/monotonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 1, 12, 34, 56, 0, time.UTC)

var (
	identitiesOnce sync.Once
	identities     []i2np.Identity
	identitiesErr  error
)

// testRouters returns n routers with fresh keys, shared across tests.
func testRouters(t *testing.T, n int) []i2np.Identity {
	t.Helper()
	identitiesOnce.Do(func() {
		for i := 0; i < tunnel.MaxHops; i++ {
			h := common.Hash(sha256.Sum256([]byte(fmt.Sprintf("build-router-%d", i))))
			id, err := i2np.NewIdentity(h)
			if err != nil {
				identitiesErr = err
				return
			}
			identities = append(identities, id)
		}
	})
	require.NoError(t, identitiesErr)
	require.LessOrEqual(t, n, len(identities))
	return identities[:n]
}

// testPlan builds a plan over routers, routers[0] being the originator.
func testPlan(t *testing.T, dir tunnel.Direction, format tunnel.RecordFormat, routers []i2np.Identity) *tunnel.CircuitPlan {
	t.Helper()
	self := routers[0]
	order := append([]i2np.Identity(nil), routers[1:]...)
	if dir == tunnel.Inbound {
		order = append(order, self)
	} else {
		order = append([]i2np.Identity{self}, order...)
	}

	plan := &tunnel.CircuitPlan{
		Hops:        make([]tunnel.Hop, len(order)),
		Direction:   dir,
		CreatedAt:   testNow,
		Expiration:  testNow.Add(10 * time.Minute),
		Format:      format,
		RecordCount: tunnel.RecordCountFor(len(order)),
	}
	for i := range plan.Hops {
		h := &plan.Hops[i]
		h.Peer = order[i].Hash
		h.ReceiveID = tunnel.TunnelID(1000 + i)
		h.SendMessageID = uint32(5000 + i)
		h.Bandwidth = tunnel.BandwidthHint{RequestedKBps: 64, MinKBps: 16, MaxKBps: 256}
		for _, k := range [][]byte{h.LayerKey[:], h.IVKey[:], h.ReplyKey[:], h.ReplyIV[:]} {
			_, err := rand.Read(k)
			require.NoError(t, err)
		}
	}
	for i := 0; i < len(plan.Hops)-1; i++ {
		plan.Hops[i].SendID = plan.Hops[i+1].ReceiveID
		plan.Hops[i].NextPeer = plan.Hops[i+1].Peer
	}
	if dir == tunnel.Outbound {
		last := &plan.Hops[len(plan.Hops)-1]
		plan.ReplyGateway, plan.ReplyTunnel = self.Hash, 77
		last.NextPeer, last.SendID = self.Hash, 77
	}
	plan.SetReplyMessageID(4242)
	return plan
}

func testPool(dir tunnel.Direction, self common.Hash, clock monotonic.Source) *tunnel.Pool {
	return tunnel.NewPool(tunnel.PoolSettings{
		Direction:        dir,
		Self:             self,
		Length:           3,
		Quantity:         2,
		Backup:           1,
		Lifetime:         10 * time.Minute,
		DefaultBuildTime: 5 * time.Second,
		Urgency:          2,
		MinSuccessRate:   0.25,
		SuccessAlpha:     0.25,
		MaxBuildsPerPool: 8,
	}, nil, clock)
}

func peerKeys(plan *tunnel.CircuitPlan, routers []i2np.Identity) []i2np.PeerKeys {
	keys := make([]i2np.PeerKeys, plan.Length())
	for i, h := range plan.Hops {
		keys[i] = identityOf(routers, h.Peer).Keys()
	}
	return keys
}

func identityOf(routers []i2np.Identity, h common.Hash) i2np.Identity {
	for _, r := range routers {
		if r.Hash == h {
			return r
		}
	}
	return i2np.Identity{}
}

type sent struct {
	to     common.Hash
	tunnel tunnel.TunnelID
	msg    *i2np.BuildMessage
}

// fakeTransport records what it is asked to send. Messages are copied as
// if they had crossed the wire.
type fakeTransport struct {
	mu             sync.Mutex
	builds         []sent
	tunnels        []sent
	offline        map[common.Hash]bool
	noCapacity     bool
	sendErr        error
	disconnectable []common.Hash
	forced         []common.Hash
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{offline: make(map[common.Hash]bool)}
}

func (f *fakeTransport) SendBuild(to common.Hash, msg *i2np.BuildMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.builds = append(f.builds, sent{to: to, msg: msg.Clone()})
	return nil
}

func (f *fakeTransport) SendToTunnel(gateway common.Hash, id tunnel.TunnelID, msg *i2np.BuildMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.tunnels = append(f.tunnels, sent{to: gateway, tunnel: id, msg: msg.Clone()})
	return nil
}

func (f *fakeTransport) IsConnected(peer common.Hash) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.offline[peer]
}

func (f *fakeTransport) HasCapacity() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.noCapacity
}

func (f *fakeTransport) MarkDisconnectable(peer common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectable = append(f.disconnectable, peer)
}

func (f *fakeTransport) ForceDisconnect(peer common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced = append(f.forced, peer)
}

func (f *fakeTransport) sentBuilds() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.builds...)
}

func (f *fakeTransport) sentToTunnels() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.tunnels...)
}

// fakeNetDB knows the keys of a fixed set of routers.
type fakeNetDB struct {
	mu      sync.Mutex
	keys    map[common.Hash]i2np.PeerKeys
	remote  map[common.Hash]bool
	lookups []common.Hash
}

func newFakeNetDB(routers []i2np.Identity) *fakeNetDB {
	db := &fakeNetDB{keys: make(map[common.Hash]i2np.PeerKeys), remote: make(map[common.Hash]bool)}
	for _, r := range routers {
		db.keys[r.Hash] = r.Keys()
	}
	return db
}

func (f *fakeNetDB) LookupLocally(peer common.Hash) (i2np.PeerKeys, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote[peer] {
		return i2np.PeerKeys{}, false
	}
	k, ok := f.keys[peer]
	return k, ok
}

func (f *fakeNetDB) Lookup(ctx context.Context, peer common.Hash) (i2np.PeerKeys, error) {
	f.mu.Lock()
	f.lookups = append(f.lookups, peer)
	k, ok := f.keys[peer]
	f.mu.Unlock()
	if !ok {
		return i2np.PeerKeys{}, errors.New("not found")
	}
	return k, nil
}

// hide makes peer known only through a network lookup.
func (f *fakeNetDB) hide(peer common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote[peer] = true
}

func (f *fakeNetDB) lookedUp() []common.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]common.Hash(nil), f.lookups...)
}

func (f *fakeNetDB) forget(peer common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, peer)
}

// fakeProfiles counts reputation events per peer.
type fakeProfiles struct {
	mu       sync.Mutex
	accepts  map[common.Hash]int
	rejects  map[common.Hash][]RejectCategory
	timeouts map[common.Hash]int
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{
		accepts:  make(map[common.Hash]int),
		rejects:  make(map[common.Hash][]RejectCategory),
		timeouts: make(map[common.Hash]int),
	}
}

func (f *fakeProfiles) RecordAccept(peer common.Hash, rtt time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepts[peer]++
}

func (f *fakeProfiles) RecordReject(peer common.Hash, category RejectCategory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects[peer] = append(f.rejects[peer], category)
}

func (f *fakeProfiles) RecordTimeout(peer common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeouts[peer]++
}

func (f *fakeProfiles) totalTimeouts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.timeouts {
		n += c
	}
	return n
}

type fakeCongestion struct{ congested bool }

func (f *fakeCongestion) IsCongested() bool { return f.congested }

type fakeBandwidth struct{ kbps int }

func (f *fakeBandwidth) AvailableKBps() int { return f.kbps }

// fakeBanlist implements tunnel.Banlist for tests
type fakeBanlist struct {
	mu     sync.Mutex
	banned map[common.Hash]string
}

func newFakeBanlist() *fakeBanlist {
	return &fakeBanlist{banned: make(map[common.Hash]string)}
}

func (f *fakeBanlist) IsBanned(peer common.Hash) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.banned[peer]
	return ok
}

func (f *fakeBanlist) Ban(peer common.Hash, reason string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banned[peer] = reason
}

type fakeScheduler struct {
	mu    sync.Mutex
	wakes int
	rtts  []time.Duration
}

func (f *fakeScheduler) Wake() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wakes++
}

func (f *fakeScheduler) RecordRTT(rtt time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rtts = append(f.rtts, rtt)
}

// handlerRig is one router's handler with fake collaborators.
type handlerRig struct {
	cfg        config.ConfigDefaults
	clock      *monotonic.Manual
	self       i2np.Identity
	transport  *fakeTransport
	netdb      *fakeNetDB
	profiles   *fakeProfiles
	banlist    *fakeBanlist
	congestion *fakeCongestion
	dispatcher *tunnel.Manager
	table      *PendingTable
	scheduler  *fakeScheduler
	metrics    *Metrics
	handler    *Handler
}

func newHandlerRig(t *testing.T, self i2np.Identity, routers []i2np.Identity, opts ...func(*HandlerDeps)) *handlerRig {
	t.Helper()
	cfg := config.Defaults()
	codecs, err := NewCodecs(nil)
	require.NoError(t, err)
	metrics, err := NewMetrics("test", prometheus.NewRegistry())
	require.NoError(t, err)

	r := &handlerRig{
		cfg:        cfg,
		clock:      monotonic.NewManual(testNow),
		self:       self,
		transport:  newFakeTransport(),
		netdb:      newFakeNetDB(routers),
		profiles:   newFakeProfiles(),
		banlist:    newFakeBanlist(),
		congestion: &fakeCongestion{},
		table:      NewPendingTable(cfg.Build.RequestTimeout, cfg.Build.GraceWindow),
		scheduler:  &fakeScheduler{},
		metrics:    metrics,
	}
	r.dispatcher = tunnel.NewManager(r.clock, time.Hour)
	t.Cleanup(r.dispatcher.Stop)

	deps := HandlerDeps{
		Self:       self,
		Transport:  r.transport,
		NetDB:      r.netdb,
		Profiles:   r.profiles,
		Congestion: r.congestion,
		Dispatcher: r.dispatcher,
		Banlist:    r.banlist,
		Codecs:     codecs,
		Table:      r.table,
		Scheduler:  r.scheduler,
		Metrics:    metrics,
		Clock:      r.clock,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	r.handler, err = NewHandler(cfg, deps)
	require.NoError(t, err)
	r.handler.random = func() float64 { return 1 }
	return r
}

func (r *handlerRig) process(t *testing.T, from common.Hash, msg *i2np.BuildMessage) error {
	t.Helper()
	return r.handler.process(context.Background(), inbound{from: from, msg: msg, enqueued: r.clock.Now()})
}

// relay carries msg from the originator through every remote hop using
// one rig per router, returning the reply as the originator receives it.
func relay(t *testing.T, rigs map[common.Hash]*handlerRig, origin common.Hash, first common.Hash, msg *i2np.BuildMessage) *i2np.BuildMessage {
	t.Helper()
	from, to := origin, first
	for hops := 0; to != origin; hops++ {
		require.Less(t, hops, tunnel.MaxHops, "message did not come back")
		rig, ok := rigs[to]
		require.True(t, ok, "no router %s", tunnel.ShortHash(to))
		builds, tunnels := len(rig.transport.sentBuilds()), len(rig.transport.sentToTunnels())
		if err := rig.process(t, from, msg); err != nil {
			kind, _ := KindOf(err)
			require.Equal(t, KindAdmissionRejected, kind, "router %s: %v", tunnel.ShortHash(to), err)
		}

		switch {
		case len(rig.transport.sentBuilds()) > builds:
			out := rig.transport.sentBuilds()[builds]
			from, to, msg = to, out.to, out.msg
		case len(rig.transport.sentToTunnels()) > tunnels:
			out := rig.transport.sentToTunnels()[tunnels]
			from, to, msg = to, out.to, out.msg
		default:
			t.Fatalf("router %s did not pass the message on", tunnel.ShortHash(to))
		}
	}
	return msg
}
