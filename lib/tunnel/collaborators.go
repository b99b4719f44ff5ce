package tunnel

import (
	"context"
	"time"

	common "github.com/go-i2p/common/data"
)

// Dispatcher routes traffic for registered hops and owned circuits.
// Manager is the in-memory implementation.
type Dispatcher interface {
	RegisterParticipant(hc *HopConfig) bool
	RegisterInboundGateway(hc *HopConfig) bool
	RegisterOutboundEndpoint(hc *HopConfig) bool
	Remove(hc *HopConfig) bool
	AddCircuit(plan *CircuitPlan) bool
	RemoveCircuit(plan *CircuitPlan) bool
	ParticipatingCount() int
}

var _ Dispatcher = (*Manager)(nil)

// PeerSelector picks the remote hops of a new circuit. The returned list
// is ordered endpoint first.
type PeerSelector interface {
	SelectHops(settings PoolSettings) ([]common.Hash, error)
}

// PeerSource lists the routers the local router knows about.
type PeerSource interface {
	KnownPeers() []common.Hash
}

// PeerHealth reports peers that recently stopped answering builds.
type PeerHealth interface {
	IsLikelyStale(peer common.Hash) bool
}

// LeaseSetPublisher republishes a client's lease set after its inbound
// circuits changed.
type LeaseSetPublisher interface {
	Republish(owner common.Hash) error
}

// Banlist records misbehaving peers.
type Banlist interface {
	IsBanned(peer common.Hash) bool
	Ban(peer common.Hash, reason string, d time.Duration)
}

// Disconnector drops the transport session to a peer.
type Disconnector interface {
	ForceDisconnect(peer common.Hash)
}

// TierSource classifies a peer for throttle ceilings.
type TierSource interface {
	Tier(peer common.Hash) PeerTier
}

// Prober sends a test message through an owned circuit and waits for it
// to come back.
type Prober interface {
	Probe(ctx context.Context, plan *CircuitPlan) error
}
