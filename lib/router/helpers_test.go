package router

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/common/lease"
	"github.com/go-i2p/tunnelbuild/lib/i2np"
	"github.com/go-i2p/tunnelbuild/lib/tunnel"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func hashOf(b byte) common.Hash {
	return common.Hash(sha256.Sum256([]byte{b}))
}

func peerHashes(n int) []common.Hash {
	peers := make([]common.Hash, n)
	for i := range peers {
		peers[i] = hashOf(byte(i + 1))
	}
	return peers
}

type staticPeers []common.Hash

func (s staticPeers) KnownPeers() []common.Hash { return s }

type capsMap map[common.Hash]string

func (c capsMap) Caps(peer common.Hash) (string, bool) {
	s, ok := c[peer]
	return s, ok
}

// nullTransport accepts and discards every message.
type nullTransport struct {
	mu           sync.Mutex
	sent         int
	disconnected []common.Hash
}

func (n *nullTransport) SendBuild(to common.Hash, msg *i2np.BuildMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent++
	return nil
}

func (n *nullTransport) SendToTunnel(gateway common.Hash, id tunnel.TunnelID, msg *i2np.BuildMessage) error {
	return n.SendBuild(gateway, msg)
}

func (n *nullTransport) IsConnected(peer common.Hash) bool   { return true }
func (n *nullTransport) HasCapacity() bool                   { return true }
func (n *nullTransport) MarkDisconnectable(peer common.Hash) {}

func (n *nullTransport) ForceDisconnect(peer common.Hash) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected = append(n.disconnected, peer)
}

// emptyNetDB knows no router.
type emptyNetDB struct{}

func (emptyNetDB) LookupLocally(peer common.Hash) (i2np.PeerKeys, bool) {
	return i2np.PeerKeys{}, false
}

func (emptyNetDB) Lookup(ctx context.Context, peer common.Hash) (i2np.PeerKeys, error) {
	return i2np.PeerKeys{}, fmt.Errorf("router %s not found", tunnel.ShortHash(peer))
}

// memoryLeaseStore records the last lease set stored per owner.
type memoryLeaseStore struct {
	mu     sync.Mutex
	fail   bool
	stored map[common.Hash][]lease.Lease2
	calls  int
}

func newMemoryLeaseStore() *memoryLeaseStore {
	return &memoryLeaseStore{stored: make(map[common.Hash][]lease.Lease2)}
}

func (m *memoryLeaseStore) StoreLeases(owner common.Hash, leases []lease.Lease2) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail {
		return errors.New("netdb refused store")
	}
	m.stored[owner] = leases
	return nil
}

func (m *memoryLeaseStore) leases(owner common.Hash) ([]lease.Lease2, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.stored[owner]
	return l, ok
}

var (
	selfOnce sync.Once
	selfID   i2np.Identity
	selfErr  error
)

func testIdentity(t *testing.T) i2np.Identity {
	t.Helper()
	selfOnce.Do(func() {
		selfID, selfErr = i2np.NewIdentity(hashOf(0xEE))
	})
	require.NoError(t, selfErr)
	return selfID
}
