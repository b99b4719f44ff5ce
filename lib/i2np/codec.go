package i2np

import (
	"fmt"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/tunnelbuild/lib/tunnel"
)

// RecordCodec produces and peels the records of one build record scheme.
//
// Hop-side processing of a message is strictly ordered: DecryptOwnRecord,
// ReencryptSiblings, EncodeReplyRecord. Each step fails with
// ErrRecordConsumed when the message is not at the expected stage.
type RecordCodec interface {
	Format() tunnel.RecordFormat
	RecordSize() int

	// EncodeRequestRecord encrypts hop's instructions to peer. Schemes that
	// derive key material during encryption write it back into hop.
	EncodeRequestRecord(hop *tunnel.Hop, routing RoutingInfo, peer PeerKeys) (BuildRecord, error)
	// DecryptOwnRecord finds, decrypts and blanks the record addressed to us.
	DecryptOwnRecord(msg *BuildMessage, us Identity) DecryptResult
	// ReencryptSiblings layers every record but slot with the reply key.
	ReencryptSiblings(msg *BuildMessage, slot int, instr *HopInstruction) error
	// EncodeReplyRecord writes our status into slot.
	EncodeReplyRecord(msg *BuildMessage, slot int, instr *HopInstruction, status byte) error
	// DecodeReplyRecord peels the reply of plan's hop from slot.
	DecodeReplyRecord(msg *BuildMessage, slot int, plan *tunnel.CircuitPlan, hop int) (byte, error)

	// applyLayer and removeLayer apply and undo the sibling layer hop adds
	// to the record in slot.
	applyLayer(hop *tunnel.Hop, slot int, rec []byte) error
	removeLayer(hop *tunnel.Hop, slot int, rec []byte) error
}

// CodecFor returns the codec of the given format. filter may be nil when
// the codec is only used to originate builds.
func CodecFor(format tunnel.RecordFormat, filter *ReplayFilter) (RecordCodec, error) {
	switch format {
	case tunnel.FormatLegacy:
		return &LegacyCodec{filter: filter}, nil
	case tunnel.FormatModern:
		return &ModernCodec{filter: filter}, nil
	default:
		return nil, fmt.Errorf("i2np: no codec for %s", format)
	}
}

// peelStart is the last hop that layered the reply: the outbound endpoint,
// or the hop before us on an inbound circuit.
func peelStart(plan *tunnel.CircuitPlan) int {
	start := plan.Length() - 1
	if plan.Direction == tunnel.Inbound {
		start--
	}
	return start
}

// checkReplyArgs validates the structural arguments of DecodeReplyRecord.
func checkReplyArgs(msg *BuildMessage, slot int, plan *tunnel.CircuitPlan, hop, size int) error {
	if slot < 0 || slot >= len(msg.Records) {
		return fmt.Errorf("%w: slot %d of %d", ErrMalformedMessage, slot, len(msg.Records))
	}
	if hop < 0 || hop > peelStart(plan) || !plan.IsRemote(hop) {
		return fmt.Errorf("%w: hop %d is not a remote hop", ErrMalformedMessage, hop)
	}
	if len(msg.Records[slot]) != size {
		return fmt.Errorf("%w: record of %d bytes", ErrMalformedMessage, len(msg.Records[slot]))
	}
	return nil
}

// checkOwnSlot validates the slot passed to the hop-side steps.
func checkOwnSlot(msg *BuildMessage, slot, size int) error {
	if slot < 0 || slot >= len(msg.Records) {
		return fmt.Errorf("%w: slot %d of %d", ErrMalformedMessage, slot, len(msg.Records))
	}
	for i, r := range msg.Records {
		if len(r) != size {
			return fmt.Errorf("%w: record %d is %d bytes", ErrMalformedMessage, i, len(r))
		}
	}
	return nil
}

// blank overwrites rec with random bytes.
func blank(rec []byte) error {
	_, err := rand.Read(rec)
	return err
}
