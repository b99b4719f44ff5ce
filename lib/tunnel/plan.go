package tunnel

import (
	"sync/atomic"
	"time"

	common "github.com/go-i2p/common/data"
)

// MaxHops is the longest circuit a build message can describe, the
// originator included.
const MaxHops = 8

// RecordCountFor returns how many record slots a build message for a
// circuit of the given length carries.
func RecordCountFor(hops int) int {
	if hops <= 4 {
		return 4
	}
	return 8
}

// BandwidthHint carries the bandwidth a hop is asked to reserve, in KBps.
// Zero values mean "no preference".
type BandwidthHint struct {
	RequestedKBps int
	MinKBps       int
	MaxKBps       int
}

// Hop is the originator's view of one hop of a circuit it is building.
type Hop struct {
	Peer      common.Hash
	ReceiveID TunnelID
	SendID    TunnelID
	NextPeer  common.Hash

	LayerKey [32]byte
	IVKey    [32]byte
	ReplyKey [32]byte
	ReplyIV  [16]byte // legacy replies
	ReplyAD  [32]byte // modern replies

	SendMessageID uint32
	Bandwidth     BandwidthHint
}

// PlanState is the lifecycle stage of a CircuitPlan.
type PlanState int32

const (
	PlanPending PlanState = iota
	PlanBuilding
	PlanActive
	PlanFailed
	PlanExpiring
	PlanExpired
)

func (s PlanState) String() string {
	switch s {
	case PlanPending:
		return "pending"
	case PlanBuilding:
		return "building"
	case PlanActive:
		return "active"
	case PlanFailed:
		return "failed"
	case PlanExpiring:
		return "expiring"
	case PlanExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// CircuitPlan describes one build attempt and, once every hop accepted,
// the resulting circuit.
//
// Hops are ordered gateway first. For an outbound circuit Hops[0] is the
// local router; for an inbound circuit the last hop is.
type CircuitPlan struct {
	Hops      []Hop
	Direction Direction
	// Owner is the client destination, nil for exploratory circuits.
	Owner *common.Hash

	CreatedAt  time.Time
	Expiration time.Time

	// ReplyMessageID identifies this build attempt. The pending table may
	// regenerate it before the request is sent.
	ReplyMessageID uint32

	Format      RecordFormat
	RecordCount int
	// Order maps a record slot to a hop index, -1 for padding.
	Order []int
	// SelfDigest is the expected SHA-256 of the local router's slot once
	// the reply comes back.
	SelfDigest [32]byte

	// ReplyGateway and ReplyTunnel route the reply of an outbound build.
	ReplyGateway common.Hash
	ReplyTunnel  TunnelID

	Pool *Pool

	state        atomic.Int32
	testFailures atomic.Int32
}

// State returns the current lifecycle stage.
func (p *CircuitPlan) State() PlanState {
	return PlanState(p.state.Load())
}

// SetState records a new lifecycle stage.
func (p *CircuitPlan) SetState(s PlanState) {
	p.state.Store(int32(s))
}

// Transition moves the plan from one stage to another, returning false
// when the plan was not in from.
func (p *CircuitPlan) Transition(from, to PlanState) bool {
	return p.state.CompareAndSwap(int32(from), int32(to))
}

// Length is the number of hops, the local router included.
func (p *CircuitPlan) Length() int {
	return len(p.Hops)
}

// IsZeroHop reports whether the circuit consists of the local router only.
func (p *CircuitPlan) IsZeroHop() bool {
	return len(p.Hops) <= 1
}

// IsExploratory reports whether the circuit belongs to no client.
func (p *CircuitPlan) IsExploratory() bool {
	return p.Owner == nil
}

// SelfIndex is the hop index of the local router.
func (p *CircuitPlan) SelfIndex() int {
	if p.Direction == Inbound {
		return len(p.Hops) - 1
	}
	return 0
}

// IsRemote reports whether hop i is another router.
func (p *CircuitPlan) IsRemote(i int) bool {
	return i >= 0 && i < len(p.Hops) && i != p.SelfIndex()
}

// RemotePeers lists the peers of every remote hop in gateway-first order.
func (p *CircuitPlan) RemotePeers() []common.Hash {
	peers := make([]common.Hash, 0, len(p.Hops))
	for i := range p.Hops {
		if p.IsRemote(i) {
			peers = append(peers, p.Hops[i].Peer)
		}
	}
	return peers
}

// ID is the id clients address the circuit by: the gateway's receive id.
func (p *CircuitPlan) ID() TunnelID {
	if len(p.Hops) == 0 {
		return 0
	}
	return p.Hops[0].ReceiveID
}

// Gateway is the first hop's identity.
func (p *CircuitPlan) Gateway() common.Hash {
	if len(p.Hops) == 0 {
		return common.Hash{}
	}
	return p.Hops[0].Peer
}

// SlotOf returns the record slot holding hop i, or -1.
func (p *CircuitPlan) SlotOf(hop int) int {
	for slot, h := range p.Order {
		if h == hop {
			return slot
		}
	}
	return -1
}

// ExpiresWithin reports whether the circuit expires before now+d.
func (p *CircuitPlan) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !p.Expiration.After(now.Add(d))
}

// RecordTestFailure increments and returns the consecutive test failures.
func (p *CircuitPlan) RecordTestFailure() int {
	return int(p.testFailures.Add(1))
}

// RecordTestSuccess clears the consecutive test failures.
func (p *CircuitPlan) RecordTestSuccess() {
	p.testFailures.Store(0)
}
