package netsim

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/build"
	"github.com/go-i2p/tunnelbuild/lib/config"
	"github.com/go-i2p/tunnelbuild/lib/i2np"
	"github.com/go-i2p/tunnelbuild/lib/router"
	"github.com/go-i2p/tunnelbuild/lib/tunnel"
	"github.com/go-i2p/tunnelbuild/lib/util/time/monotonic"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/samber/oops"
	"golang.org/x/time/rate"
)

// probeSize is the size a tunnel test message is counted with.
const probeSize = 1024

// Node is one simulated router. It is the transport and the tunnel
// prober of its own subsystem.
type Node struct {
	Index    int
	Identity i2np.Identity
	Sub      *router.Subsystem

	net      *Network
	clock    *monotonic.Clock
	registry *prometheus.Registry
	limiter  *rate.Limiter

	dropping       atomic.Bool
	sent           atomic.Uint64
	received       atomic.Uint64
	disconnectable atomic.Int64
	disconnected   atomic.Int64
}

var (
	_ build.Transport = (*Node)(nil)
	_ tunnel.Prober   = (*Node)(nil)
)

func newNode(net *Network, i int, id i2np.Identity) *Node {
	return &Node{
		Index:    i,
		Identity: id,
		net:      net,
		clock:    monotonic.NewClock(),
		registry: prometheus.NewRegistry(),
	}
}

func (n *Node) Hash() common.Hash {
	return n.Identity.Hash
}

func (n *Node) String() string {
	return fmt.Sprintf("router-%d(%s)", n.Index, tunnel.ShortHash(n.Hash()))
}

func (n *Node) bytes() (sent, received uint64) {
	return n.sent.Load(), n.received.Load()
}

func (n *Node) SendBuild(to common.Hash, msg *i2np.BuildMessage) error {
	return n.net.send(n, to, msg, 0, false)
}

func (n *Node) SendToTunnel(gateway common.Hash, id tunnel.TunnelID, msg *i2np.BuildMessage) error {
	return n.net.send(n, gateway, msg, id, true)
}

func (n *Node) IsConnected(peer common.Hash) bool {
	return n.net.node(peer) != nil
}

func (n *Node) HasCapacity() bool { return true }

func (n *Node) MarkDisconnectable(peer common.Hash) {
	n.disconnectable.Add(1)
}

func (n *Node) ForceDisconnect(peer common.Hash) {
	n.disconnected.Add(1)
	log.WithFields(logger.Fields{
		"at":   "(Node) ForceDisconnect",
		"node": n.String(),
		"peer": tunnel.ShortHash(peer),
	}).Debug("disconnected peer")
}

// Disconnects returns how many peers were marked disconnectable and how
// many were forcibly disconnected.
func (n *Node) Disconnects() (marked, forced int64) {
	return n.disconnectable.Load(), n.disconnected.Load()
}

// Probe sends a test message through one of our circuits. Outbound
// circuits must end at an outbound endpoint, inbound ones back here.
func (n *Node) Probe(ctx context.Context, plan *tunnel.CircuitPlan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if plan.IsZeroHop() {
		return nil
	}

	var (
		start *Node
		id    tunnel.TunnelID
	)
	if plan.Direction == tunnel.Outbound {
		start, id = n.net.node(plan.Hops[1].Peer), plan.Hops[1].ReceiveID
	} else {
		start, id = n.net.node(plan.Gateway()), plan.ID()
	}
	if start == nil {
		return fmt.Errorf("probe tunnel %d: %w", plan.ID(), ErrUnknownRouter)
	}

	end, _, owned, err := n.net.trace(start, n.Hash(), id, probeSize)
	if err != nil {
		return oops.Wrapf(err, "probe tunnel %d", plan.ID())
	}
	switch {
	case plan.Direction == tunnel.Outbound && owned != nil:
		return oops.Errorf("probe of outbound tunnel %d reached %s instead of an endpoint", plan.ID(), end)
	case plan.Direction == tunnel.Inbound && (end != n || owned != plan):
		return oops.Errorf("probe of inbound tunnel %d did not come back", plan.ID())
	}
	return nil
}

// SetDropping makes the router silently lose every message sent to it.
func (n *Node) SetDropping(on bool) {
	n.dropping.Store(on)
}

func (n *Node) Dropping() bool {
	return n.dropping.Load()
}

// SetRejecting makes the router refuse every transit request.
func (n *Node) SetRejecting(on bool) {
	if on {
		n.Sub.Congestion().Force(config.CongestionFlagG)
		return
	}
	n.Sub.Congestion().ClearForce()
}

// SetClockOffset moves the router's clock away from everyone else's.
func (n *Node) SetClockOffset(d time.Duration) {
	n.clock.SetOffset(d)
}

// Iterate runs one build scheduling round.
func (n *Node) Iterate(ctx context.Context) int {
	return n.Sub.Executor().Iterate(ctx)
}

// Established reports whether both exploratory pools have at least one
// circuit through other routers.
func (n *Node) Established() bool {
	pools := n.Sub.Pools()
	return Built(pools.Exploratory(tunnel.Inbound)) != nil &&
		Built(pools.Exploratory(tunnel.Outbound)) != nil
}

// Built returns an active circuit of p that is not a zero-hop fallback.
func Built(p *tunnel.Pool) *tunnel.CircuitPlan {
	for _, c := range p.Active() {
		if !c.IsZeroHop() {
			return c
		}
	}
	return nil
}

// Registry returns the metrics registry of the router.
func (n *Node) Registry() *prometheus.Registry {
	return n.registry
}

// Metric sums the current value of every series of the named counter or
// gauge whose labels match the given name/value pairs.
func (n *Node) Metric(name string, labels ...string) float64 {
	families, err := n.registry.Gather()
	if err != nil {
		return 0
	}
	full := "tunnelbuild_" + name
	var sum float64
	for _, mf := range families {
		if mf.GetName() != full {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !labelsMatch(m.GetLabel(), labels) {
				continue
			}
			switch {
			case m.Counter != nil:
				sum += m.GetCounter().GetValue()
			case m.Gauge != nil:
				sum += m.GetGauge().GetValue()
			}
		}
	}
	return sum
}

func labelsMatch(have []*dto.LabelPair, want []string) bool {
	for i := 0; i+1 < len(want); i += 2 {
		found := false
		for _, lp := range have {
			if lp.GetName() == want[i] && lp.GetValue() == want[i+1] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
