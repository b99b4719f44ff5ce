package netsim

import (
	"sync"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/common/lease"
	"github.com/go-i2p/tunnelbuild/lib/router"
)

// LeaseStore stands in for the network database's lease set storage.
type LeaseStore struct {
	mu     sync.RWMutex
	sets   map[common.Hash][]lease.Lease2
	stores int
}

var _ router.LeaseSetStore = (*LeaseStore)(nil)

func NewLeaseStore() *LeaseStore {
	return &LeaseStore{sets: make(map[common.Hash][]lease.Lease2)}
}

// StoreLeases replaces the lease set of owner.
func (s *LeaseStore) StoreLeases(owner common.Hash, leases []lease.Lease2) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[owner] = append([]lease.Lease2(nil), leases...)
	s.stores++
	return nil
}

// Leases returns the last lease set stored for owner.
func (s *LeaseStore) Leases(owner common.Hash) ([]lease.Lease2, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.sets[owner]
	return l, ok
}

// Stores counts every store, withdrawals included.
func (s *LeaseStore) Stores() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stores
}
