package router

import (
	"errors"
	"fmt"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/common/lease"
	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/tunnel"
)

// ErrUnknownClient is returned when republishing for a destination that
// has no pools.
var ErrUnknownClient = errors.New("no tunnel pools for destination")

// LeaseSetStore receives the leases a client destination is reachable
// through. An empty list withdraws every lease.
type LeaseSetStore interface {
	StoreLeases(owner common.Hash, leases []lease.Lease2) error
}

// LeaseSetPublisher turns a client's active inbound circuits into leases
// and hands them to the store whenever the set changes.
type LeaseSetPublisher struct {
	store   LeaseSetStore
	inbound func(owner common.Hash) *tunnel.Pool
}

var _ tunnel.LeaseSetPublisher = (*LeaseSetPublisher)(nil)

// NewLeaseSetPublisher creates a publisher. inbound returns a client's
// inbound pool, or nil.
func NewLeaseSetPublisher(store LeaseSetStore, inbound func(owner common.Hash) *tunnel.Pool) *LeaseSetPublisher {
	return &LeaseSetPublisher{store: store, inbound: inbound}
}

// Republish stores one lease per active inbound circuit of owner.
func (p *LeaseSetPublisher) Republish(owner common.Hash) error {
	pool := p.inbound(owner)
	if pool == nil {
		return fmt.Errorf("republish %s: %w", tunnel.ShortHash(owner), ErrUnknownClient)
	}

	leases, err := leasesFor(pool.Active())
	if err != nil {
		return err
	}
	if len(leases) == 0 {
		log.WithFields(logger.Fields{
			"at":    "(LeaseSetPublisher) Republish",
			"phase": "tunnel_build",
			"owner": tunnel.ShortHash(owner),
		}).Warn("client has no inbound tunnels left")
	}
	if err := p.store.StoreLeases(owner, leases); err != nil {
		return fmt.Errorf("failed to store lease set: %w", err)
	}

	log.WithFields(logger.Fields{
		"at":     "(LeaseSetPublisher) Republish",
		"phase":  "tunnel_build",
		"owner":  tunnel.ShortHash(owner),
		"leases": len(leases),
	}).Debug("lease set published")
	return nil
}

func leasesFor(circuits []*tunnel.CircuitPlan) ([]lease.Lease2, error) {
	leases := make([]lease.Lease2, 0, len(circuits))
	for _, c := range circuits {
		if c.State() != tunnel.PlanActive {
			continue
		}
		l, err := lease.NewLease2(c.Gateway(), uint32(c.ID()), c.Expiration)
		if err != nil {
			return nil, fmt.Errorf("lease for tunnel %d: %w", c.ID(), err)
		}
		leases = append(leases, *l)
	}
	return leases, nil
}
