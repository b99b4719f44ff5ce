package netsim

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/config"
	"github.com/go-i2p/tunnelbuild/lib/i2np"
	"github.com/go-i2p/tunnelbuild/lib/router"
	"github.com/go-i2p/tunnelbuild/lib/tunnel"
	"github.com/go-i2p/tunnelbuild/lib/util/time/monotonic"
	"github.com/samber/oops"
	"golang.org/x/time/rate"
)

var log = logger.GetGoI2PLogger()

var (
	ErrUnknownRouter = errors.New("router not in simulated network")
	ErrUnknownTunnel = errors.New("no route for tunnel")
	ErrDropped       = errors.New("message dropped")
)

// Options describe a simulated network.
type Options struct {
	Routers int
	Config  config.ConfigDefaults
	// Configure adjusts the configuration of router i before it is built.
	Configure func(i int, cfg *config.ConfigDefaults)

	// Latency delays every hop-to-hop delivery.
	Latency time.Duration
	// LinkRate caps the messages per second each router sends. Zero
	// leaves links unpaced.
	LinkRate float64

	// Manual keeps the build loops stopped. Builds then only happen when
	// a test calls Node.Iterate.
	Manual bool
}

// Tap observes a message before it is put on the wire.
type Tap func(from, to common.Hash, msg *i2np.BuildMessage)

type delivery struct {
	from *Node
	to   *Node
	// tunnel routes the message through an inbound tunnel starting at to.
	tunnel    tunnel.TunnelID
	viaTunnel bool
	data      []byte
}

// Network is a set of routers, each running the full tunnel build
// subsystem, connected by an in-memory transport.
type Network struct {
	opts   Options
	nodes  []*Node
	byHash map[common.Hash]*Node
	leases *LeaseStore

	mu          sync.Mutex
	holding     bool
	held        []delivery
	duplicating bool
	tap         Tap

	ctx     context.Context
	cancel  context.CancelFunc
	flights sync.WaitGroup
}

// New creates the routers of a network without starting them.
func New(opts Options) (*Network, error) {
	if opts.Routers < 1 {
		return nil, oops.Errorf("network needs at least one router")
	}
	n := &Network{
		opts:   opts,
		byHash: make(map[common.Hash]*Node, opts.Routers),
		leases: NewLeaseStore(),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	for i := 0; i < opts.Routers; i++ {
		node, err := n.newNode(i)
		if err != nil {
			n.Close()
			return nil, oops.Wrapf(err, "router %d", i)
		}
		n.nodes = append(n.nodes, node)
		n.byHash[node.Hash()] = node
	}

	log.WithFields(logger.Fields{
		"at":      "netsim.New",
		"routers": opts.Routers,
		"latency": opts.Latency,
		"manual":  opts.Manual,
	}).Debug("simulated network created")
	return n, nil
}

func (n *Network) newNode(i int) (*Node, error) {
	cfg := n.opts.Config
	if n.opts.Configure != nil {
		n.opts.Configure(i, &cfg)
	}
	hash := common.Hash(sha256.Sum256([]byte(fmt.Sprintf("netsim-router-%d", i))))
	id, err := i2np.NewIdentity(hash)
	if err != nil {
		return nil, err
	}

	node := newNode(n, i, id)
	if n.opts.LinkRate > 0 {
		node.limiter = rate.NewLimiter(rate.Limit(n.opts.LinkRate), 1)
	}
	node.Sub, err = router.New(cfg, router.Options{
		Identity:    id,
		Transport:   node,
		NetDB:       n,
		Peers:       n,
		Prober:      node,
		Caps:        n,
		LeaseSets:   n.leases,
		Bytes:       node.bytes,
		Connections: func() int { return len(n.nodes) - 1 },
		CPULoad:     func() (float64, error) { return 0, nil },
		Clock:       node.clock,
		Registerer:  node.registry,
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// Start starts every router.
func (n *Network) Start(ctx context.Context) error {
	for _, node := range n.nodes {
		if err := node.Sub.Start(ctx); err != nil {
			return oops.Wrapf(err, "starting router %d", node.Index)
		}
		if n.opts.Manual {
			node.Sub.Executor().Shutdown()
		}
	}
	return nil
}

// Stop stops every router and discards the messages still in flight.
func (n *Network) Stop() {
	for _, node := range n.nodes {
		node.Sub.Stop()
	}
	n.cancel()
	n.flights.Wait()
}

// Close stops the network for good.
func (n *Network) Close() {
	n.Stop()
	for _, node := range n.nodes {
		if node.Sub != nil {
			_ = node.Sub.Close()
		}
	}
}

// Nodes returns every router in creation order.
func (n *Network) Nodes() []*Node {
	return n.nodes
}

// Node returns router i.
func (n *Network) Node(i int) *Node {
	return n.nodes[i]
}

func (n *Network) node(h common.Hash) *Node {
	return n.byHash[h]
}

// Leases returns the lease sets published by the routers.
func (n *Network) Leases() *LeaseStore {
	return n.leases
}

// SyncClocks sets the clock offset of every router from an NTP server.
// All routers share one measurement, so they stay in step with each other.
func (n *Network) SyncClocks(servers []string, timeout time.Duration, q monotonic.NTPQuerier) (time.Duration, error) {
	offset, err := n.nodes[0].clock.Sync(servers, timeout, q)
	if err != nil {
		return 0, err
	}
	for _, node := range n.nodes[1:] {
		node.clock.SetOffset(offset)
	}
	return offset, nil
}

// Hold queues every delivery until Release.
func (n *Network) Hold() {
	n.mu.Lock()
	n.holding = true
	n.mu.Unlock()
}

// Release delivers the held messages and stops holding.
func (n *Network) Release() int {
	n.mu.Lock()
	held := n.held
	n.held = nil
	n.holding = false
	n.mu.Unlock()

	for _, d := range held {
		n.dispatch(d)
	}
	return len(held)
}

// SetDuplicating makes the network deliver every build request twice.
func (n *Network) SetDuplicating(on bool) {
	n.mu.Lock()
	n.duplicating = on
	n.mu.Unlock()
}

// SetTap installs f to observe every message sent. Nil removes it.
func (n *Network) SetTap(f Tap) {
	n.mu.Lock()
	n.tap = f
	n.mu.Unlock()
}

// send puts msg on the wire from one router to another.
func (n *Network) send(from *Node, to common.Hash, msg *i2np.BuildMessage, id tunnel.TunnelID, viaTunnel bool) error {
	dst := n.node(to)
	if dst == nil {
		return fmt.Errorf("send to %s: %w", tunnel.ShortHash(to), ErrUnknownRouter)
	}

	n.mu.Lock()
	tap, holding, duplicating := n.tap, n.holding, n.duplicating
	n.mu.Unlock()
	if tap != nil {
		tap(from.Hash(), to, msg)
	}

	data, err := msg.MarshalBinary()
	if err != nil {
		return oops.Wrapf(err, "encoding build message")
	}
	d := delivery{from: from, to: dst, tunnel: id, viaTunnel: viaTunnel, data: data}
	copies := 1
	if duplicating && msg.Type == i2np.TypeBuildRequest {
		copies = 2
	}

	for i := 0; i < copies; i++ {
		if holding {
			n.mu.Lock()
			n.held = append(n.held, d)
			n.mu.Unlock()
			continue
		}
		n.dispatch(d)
	}
	return nil
}

func (n *Network) dispatch(d delivery) {
	n.flights.Add(1)
	go func() {
		defer n.flights.Done()
		if d.from.limiter != nil {
			if err := d.from.limiter.Wait(n.ctx); err != nil {
				return
			}
		}
		if n.opts.Latency > 0 {
			select {
			case <-n.ctx.Done():
				return
			case <-time.After(n.opts.Latency):
			}
		}
		n.deliver(d)
	}()
}

func (n *Network) deliver(d delivery) {
	fields := logger.Fields{
		"at":   "(Network) deliver",
		"from": tunnel.ShortHash(d.from.Hash()),
		"to":   tunnel.ShortHash(d.to.Hash()),
	}
	if d.to.Dropping() {
		log.WithFields(fields).Debug("link dropped message")
		return
	}
	msg, err := i2np.ReadBuildMessage(d.data)
	if err != nil {
		log.WithFields(fields).WithError(err).Warn("undecodable message on the wire")
		return
	}
	d.from.sent.Add(uint64(len(d.data)))

	dst, prev := d.to, d.from.Hash()
	if d.viaTunnel {
		var owned *tunnel.CircuitPlan
		dst, prev, owned, err = n.trace(d.to, d.from.Hash(), d.tunnel, len(d.data))
		if err != nil {
			log.WithFields(fields).WithError(err).Debug("tunnel message lost")
			return
		}
		if owned == nil || owned.Direction != tunnel.Inbound {
			log.WithFields(fields).Debug("tunnel does not end at an inbound circuit")
			return
		}
	}
	dst.received.Add(uint64(len(d.data)))
	if err := dst.Sub.HandleMessage(prev, msg); err != nil {
		log.WithFields(fields).WithError(err).Debug("build message refused")
	}
}

// trace follows a tunnel hop by hop from the router receiving on id. It
// stops at the router owning the circuit, returned as owned, or at an
// outbound endpoint, in which case owned is nil.
func (n *Network) trace(start *Node, from common.Hash, id tunnel.TunnelID, size int) (end *Node, prev common.Hash, owned *tunnel.CircuitPlan, err error) {
	node, prev := start, from
	for i := 0; i < tunnel.MaxHops; i++ {
		if node.Dropping() {
			return nil, prev, nil, ErrDropped
		}
		if c := node.Sub.Dispatcher().Circuit(id); c != nil {
			return node, prev, c, nil
		}
		hc := node.Sub.Dispatcher().HopConfig(id)
		if hc == nil || hc.IsExpired(node.clock.Now()) {
			return nil, prev, nil, fmt.Errorf("tunnel %d at %s: %w", id, tunnel.ShortHash(node.Hash()), ErrUnknownTunnel)
		}
		hc.RecordMessage(size)
		if hc.Role == tunnel.RoleOutboundEndpoint {
			return node, prev, nil, nil
		}
		next := n.node(hc.Next)
		if next == nil {
			return nil, prev, nil, fmt.Errorf("next hop %s: %w", tunnel.ShortHash(hc.Next), ErrUnknownRouter)
		}
		prev, node, id = node.Hash(), next, hc.SendID
	}
	return nil, prev, nil, fmt.Errorf("tunnel %d longer than %d hops: %w", id, tunnel.MaxHops, ErrUnknownTunnel)
}

// KnownPeers lists every router of the network.
func (n *Network) KnownPeers() []common.Hash {
	peers := make([]common.Hash, 0, len(n.nodes))
	for _, node := range n.nodes {
		peers = append(peers, node.Hash())
	}
	return peers
}

// LookupLocally returns the keys of a router of the network.
func (n *Network) LookupLocally(peer common.Hash) (i2np.PeerKeys, bool) {
	node := n.node(peer)
	if node == nil {
		return i2np.PeerKeys{}, false
	}
	return node.Identity.Keys(), true
}

// Lookup is LookupLocally: every router of the network is published.
func (n *Network) Lookup(ctx context.Context, peer common.Hash) (i2np.PeerKeys, error) {
	if keys, ok := n.LookupLocally(peer); ok {
		return keys, nil
	}
	return i2np.PeerKeys{}, fmt.Errorf("lookup %s: %w", tunnel.ShortHash(peer), ErrUnknownRouter)
}

// Caps returns the caps a router currently advertises.
func (n *Network) Caps(peer common.Hash) (string, bool) {
	node := n.node(peer)
	if node == nil || node.Sub == nil {
		return "", false
	}
	return node.Sub.Caps(), true
}
