package i2np

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/tunnel"
	"github.com/samber/oops"
)

// DefaultMessageLifetime is how long a generated build message stays valid.
const DefaultMessageLifetime = 10 * time.Second

// GenerateBuildMessage encodes a build request for plan.
//
// peers holds the public keys of every hop, indexed like plan.Hops; the
// local router's entry is ignored. The records are placed in a random
// order recorded in plan.Order. Every record is pre-decrypted with the
// sibling layers of the hops that process the message before its owner,
// so each hop finds exactly the record encoded for it. plan.SelfDigest is
// set to the digest the local router's slot will have once every hop
// layered it.
func GenerateBuildMessage(plan *tunnel.CircuitPlan, peers []PeerKeys, codec RecordCodec, now time.Time) (*BuildMessage, error) {
	if plan.IsZeroHop() {
		return nil, oops.Errorf("zero-hop circuits are not built")
	}
	if len(peers) != plan.Length() {
		return nil, oops.Errorf("have keys for %d hops, plan has %d", len(peers), plan.Length())
	}
	count := plan.RecordCount
	if count == 0 {
		count = tunnel.RecordCountFor(plan.Length())
	}
	if count < plan.Length() || count > MaxRecords {
		return nil, oops.Errorf("%d records cannot carry %d hops", count, plan.Length())
	}

	plan.Format = codec.Format()
	plan.RecordCount = count
	plan.Order = randomOrder(count, plan.Length())

	lifetime := plan.Expiration.Sub(plan.CreatedAt)
	records := make([]BuildRecord, count)
	for slot, hop := range plan.Order {
		if hop < 0 || !plan.IsRemote(hop) {
			records[slot] = make(BuildRecord, codec.RecordSize())
			if err := blank(records[slot]); err != nil {
				return nil, err
			}
			continue
		}
		routing := RoutingInfo{
			Flag:        hopFlag(plan, hop),
			RequestTime: now,
			Lifetime:    lifetime,
		}
		rec, err := codec.EncodeRequestRecord(&plan.Hops[hop], routing, peers[hop])
		if err != nil {
			return nil, err
		}
		records[slot] = rec
	}

	// undo the layers of every hop that processes the message before the
	// record's owner, innermost first
	processing := processingOrder(plan)
	for pos, owner := range processing {
		slot := plan.SlotOf(owner)
		for i := pos - 1; i >= 0; i-- {
			if err := codec.removeLayer(&plan.Hops[processing[i]], slot, records[slot]); err != nil {
				return nil, err
			}
		}
	}

	selfSlot := plan.SlotOf(plan.SelfIndex())
	final := append([]byte(nil), records[selfSlot]...)
	for _, h := range processing {
		if err := codec.applyLayer(&plan.Hops[h], selfSlot, final); err != nil {
			return nil, err
		}
	}
	plan.SelfDigest = sha256.Sum256(final)

	msg := &BuildMessage{
		Type:       TypeBuildRequest,
		MessageID:  plan.Hops[plan.SelfIndex()].SendMessageID,
		Expiration: now.Add(DefaultMessageLifetime),
		Format:     codec.Format(),
		Records:    records,
	}

	log.WithFields(logger.Fields{
		"at":        "i2np.GenerateBuildMessage",
		"phase":     "tunnel_build",
		"format":    codec.Format().String(),
		"direction": plan.Direction.String(),
		"hops":      plan.Length(),
		"records":   count,
		"reply_id":  plan.ReplyMessageID,
	}).Debug("generated build message")
	return msg, nil
}

// FirstHop is the remote router a generated build message is sent to.
func FirstHop(plan *tunnel.CircuitPlan) int {
	if plan.Direction == tunnel.Inbound {
		return 0
	}
	return 1
}

// processingOrder lists the remote hops in the order they see the request.
func processingOrder(plan *tunnel.CircuitPlan) []int {
	order := make([]int, 0, plan.Length())
	for i := range plan.Hops {
		if plan.IsRemote(i) {
			order = append(order, i)
		}
	}
	return order
}

func hopFlag(plan *tunnel.CircuitPlan, hop int) byte {
	switch {
	case plan.Direction == tunnel.Inbound && hop == 0:
		return FlagInboundGateway
	case plan.Direction == tunnel.Outbound && hop == plan.Length()-1:
		return FlagOutboundEndpoint
	default:
		return 0
	}
}

// randomOrder places hops 0..hops-1 in random slots; the remaining slots
// hold -1.
func randomOrder(slots, hops int) []int {
	perm := make([]int, slots)
	for i := range perm {
		perm[i] = i
	}
	for i := slots - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		perm[i], perm[j] = perm[j], perm[i]
	}
	order := make([]int, slots)
	for i := range order {
		order[i] = -1
	}
	for hop := 0; hop < hops; hop++ {
		order[perm[hop]] = hop
	}
	return order
}

// VerifySelfSlot checks the local router's slot of a reply against the
// digest computed when the request was generated.
func VerifySelfSlot(msg *BuildMessage, plan *tunnel.CircuitPlan) error {
	slot := plan.SlotOf(plan.SelfIndex())
	if slot < 0 || slot >= len(msg.Records) {
		return fmt.Errorf("%w: no slot for the local hop", ErrMalformedMessage)
	}
	sum := sha256.Sum256(msg.Records[slot])
	if subtle.ConstantTimeCompare(sum[:], plan.SelfDigest[:]) != 1 {
		return ErrReplyUndecryptable
	}
	return nil
}

// DecodeReply reads the status of every remote hop from a build reply. Any
// structural problem or undecryptable record voids the whole reply.
func DecodeReply(msg *BuildMessage, plan *tunnel.CircuitPlan, codec RecordCodec) (map[int]byte, error) {
	if len(msg.Records) != plan.RecordCount || len(plan.Order) != plan.RecordCount {
		return nil, fmt.Errorf("%w: reply has %d records, plan %d", ErrMalformedMessage, len(msg.Records), plan.RecordCount)
	}
	if msg.Format != codec.Format() {
		return nil, fmt.Errorf("%w: %s reply to %s plan", ErrMalformedMessage, msg.Format, codec.Format())
	}
	for _, hop := range plan.Order {
		if hop >= plan.Length() {
			return nil, fmt.Errorf("%w: hop index %d out of range", ErrMalformedMessage, hop)
		}
	}
	if err := VerifySelfSlot(msg, plan); err != nil {
		return nil, err
	}

	statuses := make(map[int]byte, plan.Length())
	for _, hop := range processingOrder(plan) {
		status, err := codec.DecodeReplyRecord(msg, plan.SlotOf(hop), plan, hop)
		if err != nil {
			return nil, err
		}
		statuses[hop] = status
	}
	return statuses, nil
}
