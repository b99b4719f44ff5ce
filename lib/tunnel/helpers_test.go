package tunnel

import (
	"context"
	"errors"
	"sync"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/tunnelbuild/lib/config"
	"github.com/go-i2p/tunnelbuild/lib/util/time/monotonic"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func hashOf(b byte) common.Hash {
	var h common.Hash
	h[0] = b
	h[31] = 0xAA
	return h
}

// fakeSource implements PeerSource for tests
type fakeSource struct {
	peers []common.Hash
}

func (f *fakeSource) KnownPeers() []common.Hash {
	return f.peers
}

func peersFor(n int) *fakeSource {
	src := &fakeSource{}
	for i := 1; i <= n; i++ {
		src.peers = append(src.peers, hashOf(byte(i)))
	}
	return src
}

// fakeBanlist implements Banlist and Disconnector for tests
type fakeBanlist struct {
	mu           sync.Mutex
	banned       map[common.Hash]int
	disconnected map[common.Hash]int
}

func newFakeBanlist() *fakeBanlist {
	return &fakeBanlist{
		banned:       make(map[common.Hash]int),
		disconnected: make(map[common.Hash]int),
	}
}

func (f *fakeBanlist) IsBanned(peer common.Hash) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.banned[peer] > 0
}

func (f *fakeBanlist) Ban(peer common.Hash, reason string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banned[peer]++
}

func (f *fakeBanlist) ForceDisconnect(peer common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected[peer]++
}

func (f *fakeBanlist) bans(peer common.Hash) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.banned[peer]
}

func (f *fakeBanlist) disconnects(peer common.Hash) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected[peer]
}

// fakePublisher implements LeaseSetPublisher for tests
type fakePublisher struct {
	mu    sync.Mutex
	fail  int
	calls int
}

func (f *fakePublisher) Republish(owner common.Hash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail > 0 {
		f.fail--
		return errors.New("netdb store failed")
	}
	return nil
}

// fakeProber implements Prober for tests
type fakeProber struct {
	mu    sync.Mutex
	fails map[TunnelID]bool
}

func (f *fakeProber) Probe(ctx context.Context, plan *CircuitPlan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails[plan.ID()] {
		return errors.New("probe lost")
	}
	return nil
}

type testRig struct {
	clock      *monotonic.Manual
	dispatcher *Manager
	expiration *ExpirationQueue
	publisher  *fakePublisher
	manager    *PoolManager
	self       common.Hash
}

func newTestRig(peers int, opts ...func(*config.ConfigDefaults)) *testRig {
	cfg := config.Defaults()
	for _, opt := range opts {
		opt(&cfg)
	}
	clock := monotonic.NewManual(testEpoch)
	r := &testRig{
		clock:      clock,
		dispatcher: NewManager(clock, time.Hour),
		publisher:  &fakePublisher{},
		self:       hashOf(0xEE),
	}
	r.expiration = NewExpirationQueue(cfg.Expiration, r.dispatcher, r.publisher, clock)
	selector, err := NewDefaultPeerSelector(peersFor(peers), nil, r.self)
	if err != nil {
		panic(err)
	}
	r.manager, err = NewPoolManager(cfg.Pool, cfg.Build.DefaultHopKBps, r.self, selector, r.dispatcher, r.expiration, clock)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *testRig) stop() {
	r.dispatcher.Stop()
}
