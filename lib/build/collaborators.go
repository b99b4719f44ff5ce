package build

import (
	"context"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/tunnelbuild/lib/i2np"
	"github.com/go-i2p/tunnelbuild/lib/tunnel"
)

// Transport delivers build messages to other routers.
type Transport interface {
	// SendBuild sends msg directly to a router.
	SendBuild(to common.Hash, msg *i2np.BuildMessage) error
	// SendToTunnel hands msg to the gateway of an inbound tunnel, which
	// carries it to the tunnel's owner.
	SendToTunnel(gateway common.Hash, id tunnel.TunnelID, msg *i2np.BuildMessage) error
	IsConnected(peer common.Hash) bool
	// HasCapacity reports whether another connection may be opened.
	HasCapacity() bool
	MarkDisconnectable(peer common.Hash)
	ForceDisconnect(peer common.Hash)
}

// NetDB resolves router identities to their public keys.
type NetDB interface {
	LookupLocally(peer common.Hash) (i2np.PeerKeys, bool)
	Lookup(ctx context.Context, peer common.Hash) (i2np.PeerKeys, error)
}

// RejectCategory groups reply codes for reputation accounting.
type RejectCategory uint8

const (
	RejectProbabilistic RejectCategory = iota
	RejectTransient
	RejectBandwidth
	RejectCritical
)

func (c RejectCategory) String() string {
	switch c {
	case RejectProbabilistic:
		return "probabilistic"
	case RejectTransient:
		return "transient"
	case RejectBandwidth:
		return "bandwidth"
	default:
		return "critical"
	}
}

// CategoryFor maps a non-zero reply code to its category. Unknown codes
// count as critical.
func CategoryFor(code byte) RejectCategory {
	switch code {
	case tunnel.BuildReplyCodeProbabilisticReject:
		return RejectProbabilistic
	case tunnel.BuildReplyCodeTransientOverload:
		return RejectTransient
	case tunnel.BuildReplyCodeBandwidth:
		return RejectBandwidth
	default:
		return RejectCritical
	}
}

// Profiles records how peers answered our build requests.
type Profiles interface {
	RecordAccept(peer common.Hash, rtt time.Duration)
	RecordReject(peer common.Hash, category RejectCategory)
	RecordTimeout(peer common.Hash)
}

// Congestion reports whether the router currently refuses transit work.
type Congestion interface {
	IsCongested() bool
}

// Bandwidth reports the transit bandwidth not yet promised to anyone.
type Bandwidth interface {
	AvailableKBps() int
}

// PoolSource lists the pools the executor builds for.
type PoolSource interface {
	Pools() []*tunnel.Pool
}

// scheduler is the part of the Executor the Handler reports back to.
type scheduler interface {
	Wake()
	RecordRTT(rtt time.Duration)
}
