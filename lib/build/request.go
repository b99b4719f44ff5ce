package build

import (
	"context"
	"errors"
	"math"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/i2np"
	"github.com/go-i2p/tunnelbuild/lib/tunnel"
	"github.com/samber/oops"
)

// handleRequest runs the transit side of a build request: decrypt our
// record, validate it, decide, answer in our slot and pass the message on.
func (h *Handler) handleRequest(ctx context.Context, in inbound) error {
	if h.deps.Banlist != nil && h.deps.Banlist.IsBanned(in.from) {
		h.observe("banned")
		log.WithFields(logger.Fields{
			"at":    "(Handler) handleRequest",
			"phase": "tunnel_build",
			"from":  tunnel.ShortHash(in.from),
		}).Debug("dropping build request from banned router")
		return newError(KindThrottleDrop, in.from, ErrBannedSender)
	}

	codec, ok := h.deps.Codecs[in.msg.Format]
	if !ok {
		h.deps.Transport.MarkDisconnectable(in.from)
		h.observe("undecodable")
		return newError(KindDecodeFailure, in.from, oops.Errorf("no codec for format %d", in.msg.Format))
	}

	var (
		instr *i2np.HopInstruction
		slot  int
	)
	switch r := codec.DecryptOwnRecord(in.msg, h.deps.Self).(type) {
	case i2np.Matched:
		instr, slot = r.Instruction, r.Slot
	case i2np.NotMine:
		h.deps.Transport.MarkDisconnectable(in.from)
		h.observe("not_mine")
		return newError(KindDecodeFailure, in.from, oops.Errorf("no record for us"))
	case i2np.Malformed:
		h.deps.Transport.MarkDisconnectable(in.from)
		h.observe("undecodable")
		if errors.Is(r.Err, i2np.ErrDuplicateRecord) {
			log.WithFields(logger.Fields{
				"at":     "(Handler) handleRequest",
				"phase":  "tunnel_build",
				"reason": "duplicate record",
				"from":   tunnel.ShortHash(in.from),
			}).Warn("dropping replayed build request")
		}
		return newError(KindDecodeFailure, in.from, r.Err)
	}
	return h.serveRequest(ctx, in, codec, instr, slot)
}

// serveRequest decides on a decrypted record, answers in slot and passes
// the message on.
func (h *Handler) serveRequest(ctx context.Context, in inbound, codec i2np.RecordCodec, instr *i2np.HopInstruction, slot int) error {
	now := h.deps.Clock.Now()
	if err := h.validate(in.from, instr); err != nil {
		return h.violation(in.from, err)
	}
	if err := h.checkTimestamp(in.msg.Format, instr, now); err != nil {
		return h.violation(in.from, err)
	}

	code, err := h.admit(in, instr, now)
	if err != nil && code == 0 {
		// throttle drop: no response at all
		h.observe("dropped")
		return err
	}

	var hc *tunnel.HopConfig
	if code == tunnel.BuildReplyCodeAccepted {
		hc, code, err = h.accept(in.from, instr, now)
	}
	if code != tunnel.BuildReplyCodeAccepted {
		h.observe("rejected")
	} else {
		h.observe("accepted")
	}

	if rerr := codec.ReencryptSiblings(in.msg, slot, instr); rerr != nil {
		h.unregister(hc)
		return newError(KindDecodeFailure, in.from, rerr)
	}
	if rerr := codec.EncodeReplyRecord(in.msg, slot, instr, code); rerr != nil {
		h.unregister(hc)
		return newError(KindDecodeFailure, in.from, rerr)
	}

	if cerr := ctx.Err(); cerr != nil {
		h.unregister(hc)
		return cerr
	}
	h.forward(instr, in.msg, hc)
	return err
}

// validate rejects requests that no well-behaved originator would build.
func (h *Handler) validate(from common.Hash, instr *i2np.HopInstruction) error {
	self := h.deps.Self.Hash
	ibgw, obep := instr.IsInboundGateway(), instr.IsOutboundEndpoint()
	switch {
	case ibgw && obep:
		return oops.Errorf("both gateway and endpoint flags set")
	case instr.ReceiveTunnel == 0:
		return oops.Errorf("zero receive tunnel id")
	case instr.NextTunnel == 0:
		return oops.Errorf("zero next tunnel id")
	case !obep && instr.NextIdent == self:
		return oops.Errorf("next hop is us")
	case !ibgw && (from == common.Hash{} || from == self):
		return oops.Errorf("previous hop unknown or us")
	case !ibgw && !obep && from == instr.NextIdent:
		return oops.Errorf("previous and next hop are the same router")
	}
	return nil
}

func (h *Handler) checkTimestamp(format tunnel.RecordFormat, instr *i2np.HopInstruction, now time.Time) error {
	w := h.modernWindow
	if format == tunnel.FormatLegacy {
		w = h.legacyWindow
	}
	return w.Check(instr.RequestTime, now)
}

func (h *Handler) violation(from common.Hash, err error) error {
	h.observe("violation")
	if h.deps.Banlist != nil {
		h.deps.Banlist.Ban(from, err.Error(), h.cfg.Build.ViolationBanDuration)
	}
	log.WithFields(logger.Fields{
		"at":     "(Handler) handleRequest",
		"phase":  "tunnel_build",
		"reason": err.Error(),
		"from":   tunnel.ShortHash(from),
	}).Warn("protocol violation in build request, banning sender")
	return newError(KindProtocolViolation, from, err)
}

// admit applies admission control in order. It returns the reply code
// to send, or code 0 with an error when the request is to be dropped
// without a response.
func (h *Handler) admit(in inbound, instr *i2np.HopInstruction, now time.Time) (byte, error) {
	from, self := in.from, h.deps.Self.Hash
	ibgw, obep := instr.IsInboundGateway(), instr.IsOutboundEndpoint()

	if h.deps.Congestion != nil && h.deps.Congestion.IsCongested() {
		return tunnel.BuildReplyCodeBandwidth, rejected(from, tunnel.BuildReplyCodeBandwidth, "congested")
	}
	if in.msg.Format == tunnel.FormatModern && instr.LayerEncryption != i2np.LayerEncryptionAES {
		return tunnel.BuildReplyCodeCritical, rejected(from, tunnel.BuildReplyCodeCritical, "unsupported layer encryption")
	}

	if lag := now.Sub(in.enqueued); lag > 0 && h.cfg.Build.RequestTimeout > 0 {
		p := math.Pow(float64(lag)/float64(3*h.cfg.Build.RequestTimeout), 16)
		if h.random() < p {
			return tunnel.BuildReplyCodeTransientOverload, rejected(from, tunnel.BuildReplyCodeTransientOverload, "request waited too long")
		}
	}

	needsConnection := (!ibgw && !h.deps.Transport.IsConnected(from)) ||
		(!obep && !h.deps.Transport.IsConnected(instr.NextIdent))
	if needsConnection && !h.deps.Transport.HasCapacity() {
		return tunnel.BuildReplyCodeBandwidth, rejected(from, tunnel.BuildReplyCodeBandwidth, "no connection capacity")
	}

	verdict := tunnel.Accept
	if h.deps.Requests != nil && from != self {
		verdict = h.deps.Requests.RecordAndClassify(from)
	}
	if h.deps.Participating != nil && instr.NextIdent != self {
		if c := h.deps.Participating.RecordAndClassify(instr.NextIdent); c > verdict {
			verdict = c
		}
	}
	switch verdict {
	case tunnel.Drop:
		return 0, newError(KindThrottleDrop, from, oops.Errorf("peer over its throttle ceiling"))
	case tunnel.Reject:
		return tunnel.BuildReplyCodeProbabilisticReject, rejected(from, tunnel.BuildReplyCodeProbabilisticReject, "peer over its throttle limit")
	}

	if limit := h.cfg.Router.MaxParticipating; h.deps.Dispatcher.ParticipatingCount() >= limit {
		return tunnel.BuildReplyCodeBandwidth, rejected(from, tunnel.BuildReplyCodeBandwidth, "participating limit reached")
	}
	return tunnel.BuildReplyCodeAccepted, nil
}

// allocate picks the bandwidth to promise a new transit hop, or reports
// false when not even the hint's minimum is available.
func (h *Handler) allocate(hint tunnel.BandwidthHint) (int, bool) {
	kbps := hint.RequestedKBps
	if kbps <= 0 {
		kbps = h.cfg.Build.DefaultHopKBps
	}
	if hint.MinKBps > 0 && kbps < hint.MinKBps {
		kbps = hint.MinKBps
	}
	if hint.MaxKBps > 0 && kbps > hint.MaxKBps {
		kbps = hint.MaxKBps
	}
	if h.deps.Bandwidth == nil {
		return kbps, true
	}
	available := h.deps.Bandwidth.AvailableKBps()
	if hint.MinKBps > available || available <= 0 {
		return 0, false
	}
	if kbps > available {
		kbps = available
	}
	return kbps, true
}

// accept registers the transit hop.
func (h *Handler) accept(from common.Hash, instr *i2np.HopInstruction, now time.Time) (*tunnel.HopConfig, byte, error) {
	kbps, ok := h.allocate(instr.Bandwidth)
	if !ok {
		return nil, tunnel.BuildReplyCodeBandwidth, rejected(from, tunnel.BuildReplyCodeBandwidth, "bandwidth unavailable")
	}

	lifetime := instr.Expiration
	if lifetime <= 0 {
		lifetime = h.cfg.Pool.TunnelLifetime
	}
	hc := &tunnel.HopConfig{
		ReceiveID:     instr.ReceiveTunnel,
		SendID:        instr.NextTunnel,
		Previous:      from,
		Next:          instr.NextIdent,
		LayerKey:      instr.LayerKey,
		IVKey:         instr.IVKey,
		AllocatedKBps: kbps,
		CreatedAt:     now,
		Expiration:    now.Add(lifetime),
	}

	var registered bool
	switch {
	case instr.IsInboundGateway():
		hc.Role = tunnel.RoleInboundGateway
		registered = h.deps.Dispatcher.RegisterInboundGateway(hc)
	case instr.IsOutboundEndpoint():
		hc.Role = tunnel.RoleOutboundEndpoint
		registered = h.deps.Dispatcher.RegisterOutboundEndpoint(hc)
	default:
		hc.Role = tunnel.RoleParticipant
		registered = h.deps.Dispatcher.RegisterParticipant(hc)
	}
	if !registered {
		return nil, tunnel.BuildReplyCodeBandwidth, rejected(from, tunnel.BuildReplyCodeBandwidth, "receive tunnel id already in use")
	}

	log.WithFields(logger.Fields{
		"at":         "(Handler) accept",
		"phase":      "tunnel_build",
		"tunnel_id":  hc.ReceiveID,
		"role":       hc.Role.String(),
		"kbps":       kbps,
		"expiration": hc.Expiration,
	}).Debug("accepted transit tunnel")
	return hc, tunnel.BuildReplyCodeAccepted, nil
}

func (h *Handler) unregister(hc *tunnel.HopConfig) {
	if hc != nil {
		h.deps.Dispatcher.Remove(hc)
	}
}

// forward passes the processed message on. Outbound endpoints turn it into
// a reply for the originator's inbound tunnel; every other hop sends it to
// the next hop under the message id the originator chose.
func (h *Handler) forward(instr *i2np.HopInstruction, msg *i2np.BuildMessage, hc *tunnel.HopConfig) {
	msg.MessageID = instr.SendMessageID
	next := instr.NextIdent

	if instr.IsOutboundEndpoint() {
		msg.Type = i2np.TypeBuildReply
		if next == h.deps.Self.Hash {
			if err := h.enqueue(inbound{from: next, msg: msg, enqueued: h.deps.Clock.Now()}); err != nil {
				h.unregister(hc)
			}
			return
		}
		h.deliver(next, hc, func() error {
			return h.deps.Transport.SendToTunnel(next, instr.NextTunnel, msg)
		})
		return
	}

	msg.Type = i2np.TypeBuildRequest
	h.deliver(next, hc, func() error {
		return h.deps.Transport.SendBuild(next, msg)
	})
}

// deliver runs send now if to is known, otherwise after a background
// lookup. Any failure leaves no transit state behind.
func (h *Handler) deliver(to common.Hash, hc *tunnel.HopConfig, send func() error) {
	fail := func(err error) {
		h.unregister(hc)
		log.WithFields(logger.Fields{
			"at":    "(Handler) deliver",
			"phase": "tunnel_build",
			"to":    tunnel.ShortHash(to),
			"error": err.Error(),
		}).Debug("could not pass on build message")
	}

	if _, known := h.deps.NetDB.LookupLocally(to); known || h.deps.Transport.IsConnected(to) {
		if err := send(); err != nil {
			fail(err)
		}
		return
	}
	if h.deps.Jobs == nil {
		fail(oops.Errorf("next hop unknown"))
		return
	}

	err := h.deps.Jobs.Submit("next-hop-lookup", func(jctx context.Context) {
		lctx, cancel := context.WithTimeout(jctx, h.cfg.Build.LookupTimeout)
		defer cancel()
		if err := h.lookups.Wait(lctx); err != nil {
			fail(err)
			return
		}
		if _, err := h.deps.NetDB.Lookup(lctx, to); err != nil {
			fail(err)
			return
		}
		if err := send(); err != nil {
			fail(err)
		}
	})
	if err != nil {
		fail(err)
	}
}
