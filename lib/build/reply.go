package build

import (
	"time"

	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/i2np"
	"github.com/go-i2p/tunnelbuild/lib/tunnel"
)

// handleReply completes one of our build attempts. The attempt has
// already been retired from the pending table, so each reply is accounted
// exactly once.
func (h *Handler) handleReply(in inbound, pb *PendingBuild) error {
	defer h.wake()

	plan := pb.Plan
	rtt := h.deps.Clock.Now().Sub(pb.DispatchedAt)
	statuses, err := i2np.DecodeReply(in.msg, plan, pb.Codec)
	if err != nil {
		h.voidAttempt(pb)
		log.WithFields(logger.Fields{
			"at":       "(Handler) handleReply",
			"phase":    "tunnel_build",
			"reason":   "undecodable reply",
			"reply_id": pb.ID(),
			"error":    err.Error(),
		}).Debug("build reply voided")
		return newError(KindDecodeFailure, in.from, err)
	}

	accepted := h.recordStatuses(plan, statuses, rtt)

	if pb.WasGrace() {
		if h.deps.Metrics != nil {
			h.deps.Metrics.late.Inc()
		}
		log.WithFields(logger.Fields{
			"at":       "(Handler) handleReply",
			"phase":    "tunnel_build",
			"reason":   "reply arrived after the deadline",
			"reply_id": pb.ID(),
			"rtt":      rtt,
		}).Debug("credited late build reply")
		return nil
	}

	if !accepted {
		if plan.Pool != nil {
			plan.Pool.BuildFailed(plan)
		}
		if h.deps.Metrics != nil {
			h.deps.Metrics.rejected.Inc()
		}
		log.WithFields(logger.Fields{
			"at":       "(Handler) handleReply",
			"phase":    "tunnel_build",
			"reason":   "hop rejected",
			"reply_id": pb.ID(),
		}).Debug("build attempt rejected")
		return nil
	}

	if plan.Pool != nil && !plan.Pool.BuildComplete(plan, rtt) {
		return nil
	}
	if h.deps.Scheduler != nil {
		h.deps.Scheduler.RecordRTT(rtt)
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.succeeded.Inc()
	}
	return nil
}

// recordStatuses credits every remote hop's answer and reports whether
// all of them accepted.
func (h *Handler) recordStatuses(plan *tunnel.CircuitPlan, statuses map[int]byte, rtt time.Duration) bool {
	accepted := true
	for hop, status := range statuses {
		peer := plan.Hops[hop].Peer
		if status == tunnel.BuildReplyCodeAccepted {
			if h.deps.Profiles != nil {
				h.deps.Profiles.RecordAccept(peer, rtt)
			}
			continue
		}
		accepted = false
		if h.deps.Profiles != nil {
			h.deps.Profiles.RecordReject(peer, CategoryFor(status))
		}
	}
	return accepted
}

// voidAttempt fails an attempt whose reply could not be read. Every hop is
// charged a timeout since none of the answers can be trusted. An attempt
// in grace was charged when it expired.
func (h *Handler) voidAttempt(pb *PendingBuild) {
	if pb.WasGrace() {
		return
	}
	if h.deps.Profiles != nil {
		for _, peer := range pb.Plan.RemotePeers() {
			h.deps.Profiles.RecordTimeout(peer)
		}
	}
	if pb.Plan.Pool != nil {
		pb.Plan.Pool.BuildFailed(pb.Plan)
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.timedOut.Inc()
	}
}
