package build

import (
	"context"
	"sync"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/config"
	"github.com/go-i2p/tunnelbuild/lib/i2np"
	"github.com/go-i2p/tunnelbuild/lib/tunnel"
	"github.com/go-i2p/tunnelbuild/lib/util/jobqueue"
	"github.com/go-i2p/tunnelbuild/lib/util/time/monotonic"
	"github.com/go-i2p/tunnelbuild/lib/util/time/skew"
	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// HandlerDeps are the collaborators of a Handler. Congestion, Bandwidth,
// Profiles, Banlist, the throttles, Scheduler and Metrics may be nil.
type HandlerDeps struct {
	Self       i2np.Identity
	Transport  Transport
	NetDB      NetDB
	Profiles   Profiles
	Congestion Congestion
	Bandwidth  Bandwidth
	Dispatcher tunnel.Dispatcher
	Banlist    tunnel.Banlist

	Requests      *tunnel.RequestThrottler
	Participating *tunnel.ParticipatingThrottler
	Global        *tunnel.BuildRateLimiter

	Codecs    Codecs
	Table     *PendingTable
	Jobs      *jobqueue.Queue
	Scheduler scheduler
	Metrics   *Metrics
	Clock     monotonic.Source
}

type inbound struct {
	from     common.Hash
	msg      *i2np.BuildMessage
	enqueued time.Time
}

// Handler processes build messages delivered by the transport. Requests
// from other routers are admitted or rejected and passed on; replies to
// our own attempts complete or fail them.
type Handler struct {
	cfg  config.ConfigDefaults
	deps HandlerDeps

	legacyWindow skew.Window
	modernWindow skew.Window
	lookups      *rate.Limiter
	random       func() float64

	queue chan inbound

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
}

// NewHandler creates a stopped handler.
func NewHandler(cfg config.ConfigDefaults, deps HandlerDeps) (*Handler, error) {
	if deps.Transport == nil || deps.NetDB == nil || deps.Dispatcher == nil || deps.Table == nil || deps.Clock == nil {
		return nil, oops.Errorf("handler needs transport, netdb, dispatcher, pending table and clock")
	}
	if deps.Codecs == nil {
		return nil, oops.Errorf("handler needs record codecs")
	}
	b := cfg.Build
	burst := int(b.LookupRate)
	if burst < 1 {
		burst = 1
	}
	size := b.InboundQueueSize
	if size < 1 {
		size = 1
	}
	return &Handler{
		cfg:          cfg,
		deps:         deps,
		legacyWindow: skew.Window{Granularity: time.Hour, MaxAge: b.LegacyMaxAge, MaxFuture: b.MaxFutureSkew},
		modernWindow: skew.Window{Granularity: time.Minute, MaxAge: b.ModernMaxAge, MaxFuture: b.MaxFutureSkew},
		lookups:      rate.NewLimiter(rate.Limit(b.LookupRate), burst),
		random:       rand.Float64,
		queue:        make(chan inbound, size),
	}, nil
}

// Start launches the inbound workers.
func (h *Handler) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.group, ctx = errgroup.WithContext(ctx)
	workers := h.cfg.Build.InboundWorkers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		h.group.Go(func() error {
			h.work(ctx)
			return nil
		})
	}
	h.running = true

	log.WithFields(logger.Fields{
		"at":      "(Handler) Start",
		"phase":   "tunnel_build",
		"workers": workers,
	}).Debug("build handler started")
}

// Stop waits for the workers to exit. Queued messages are discarded.
func (h *Handler) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	cancel, group := h.cancel, h.group
	h.mu.Unlock()

	cancel()
	_ = group.Wait()
	for {
		select {
		case <-h.queue:
		default:
			return
		}
	}
}

// HandleMessage is the transport's entry point for build messages. The
// message is queued for a worker unless the global rate limiter drops it
// or the queue is full.
func (h *Handler) HandleMessage(from common.Hash, msg *i2np.BuildMessage) error {
	if h.deps.Global != nil && h.deps.Global.RecordGlobal() == tunnel.Drop {
		h.observe("global_drop")
		log.WithFields(logger.Fields{
			"at":     "(Handler) HandleMessage",
			"phase":  "tunnel_build",
			"reason": "global build rate ceiling",
			"from":   tunnel.ShortHash(from),
		}).Debug("dropping build message")
		return newError(KindThrottleDrop, from, oops.Errorf("global build rate ceiling reached"))
	}
	return h.enqueue(inbound{from: from, msg: msg, enqueued: h.deps.Clock.Now()})
}

func (h *Handler) enqueue(in inbound) error {
	h.mu.Lock()
	running := h.running
	h.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	select {
	case h.queue <- in:
		return nil
	default:
		h.observe("queue_full")
		return newError(KindSchedulerSaturation, in.from, oops.Errorf("inbound queue full"))
	}
}

func (h *Handler) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-h.queue:
			if err := h.process(ctx, in); err != nil {
				log.WithFields(logger.Fields{
					"at":    "(Handler) work",
					"phase": "tunnel_build",
					"from":  tunnel.ShortHash(in.from),
					"error": err.Error(),
				}).Debug("build message not processed")
			}
		}
	}
}

// process routes one message: a reply to one of our pending attempts, or
// a request from another router.
func (h *Handler) process(ctx context.Context, in inbound) error {
	if pb, ok := h.deps.Table.Retire(in.msg.MessageID); ok {
		return h.handleReply(in, pb)
	}
	return h.handleRequest(ctx, in)
}

func (h *Handler) observe(outcome string) {
	if h.deps.Metrics != nil {
		h.deps.Metrics.observeRequest(outcome)
	}
}

func (h *Handler) wake() {
	if h.deps.Scheduler != nil {
		h.deps.Scheduler.Wake()
	}
}
