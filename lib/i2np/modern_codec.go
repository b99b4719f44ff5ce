package i2np

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/crypto/chacha20"
	"github.com/go-i2p/tunnelbuild/lib/crypto/curve25519"
	"github.com/go-i2p/tunnelbuild/lib/tunnel"
	"github.com/samber/oops"
)

/*
Modern BuildRequestRecord

+----+----+----+----+----+----+----+----+
| toPeer                                |
+                                       +
|                                       |
+----+----+----+----+----+----+----+----+
| ephemeral X25519 public key           |
~                                       ~
+----+----+----+----+----+----+----+----+
| ChaCha20-Poly1305 encrypted data      |
~                                       ~
+----+----+----+----+----+----+----+----+

toPeer    :: [0:16]
ephemeral :: [16:48]
encrypted :: [48:218] 154 bytes of cleartext plus a 16 byte tag,
             nonce 0, associated data toPeer||ephemeral

Cleartext (154 bytes):

receive_tunnel  [0:4]
next_tunnel     [4:8]
next_ident      [8:40]
flag            [40]
more_flags      [41:43]
layer_enc_type  [43]
request_time    [44:48]  minutes since the epoch
expiration      [48:52]  seconds
send_msg_id     [52:56]
options_len     [56:58]
options         key[1] value[4] entries
padding

Modern BuildResponseRecord (218 bytes): ChaCha20-Poly1305 with the reply
key, nonce = slot index, associated data SHA-256(request record).

options_len [0:2]
options
padding
reply       [201]
*/

const (
	modernHeaderSize     = ToPeerSize + curve25519.KeySize
	modernOptionsOffset  = 56
	modernOptionSize     = 5
	modernReplyStatusPos = ShortReplyCleartextLen - 1

	optionMinKBps       byte = 'm'
	optionRequestedKBps byte = 'r'
	optionMaxKBps       byte = 'l'
)

// ModernCodec implements the X25519/ChaCha20 record scheme.
type ModernCodec struct {
	filter *ReplayFilter
}

var _ RecordCodec = (*ModernCodec)(nil)

func (c *ModernCodec) Format() tunnel.RecordFormat { return tunnel.FormatModern }
func (c *ModernCodec) RecordSize() int             { return ShortBuildRecordSize }

// EncodeRequestRecord encrypts hop to peer's X25519 key. The layer, IV and
// reply keys are derived from the ephemeral agreement and written into hop
// together with the reply associated data.
func (c *ModernCodec) EncodeRequestRecord(hop *tunnel.Hop, routing RoutingInfo, peer PeerKeys) (BuildRecord, error) {
	var zero [curve25519.KeySize]byte
	if peer.X25519 == zero {
		return nil, oops.Errorf("modern record for %s: peer has no X25519 key", tunnel.ShortHash(hop.Peer))
	}

	eph, err := curve25519.GenerateKeyPair(randReader{})
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.SharedSecret(eph.Private, peer.X25519)
	if err != nil {
		return nil, err
	}
	keys, err := curve25519.DeriveRecordKeys(shared, eph.Public, peer.X25519)
	if err != nil {
		return nil, err
	}
	hop.LayerKey = keys.LayerKey
	hop.IVKey = keys.IVKey
	hop.ReplyKey = keys.ReplyKey

	cleartext, err := writeModernCleartext(hop, routing)
	if err != nil {
		return nil, err
	}

	rec := make(BuildRecord, ShortBuildRecordSize)
	copy(rec[:ToPeerSize], hop.Peer[:ToPeerSize])
	copy(rec[ToPeerSize:modernHeaderSize], eph.Public[:])
	sealed, err := chacha20.Seal(keys.RecordKey, 0, cleartext, rec[:modernHeaderSize])
	if err != nil {
		return nil, err
	}
	copy(rec[modernHeaderSize:], sealed)
	hop.ReplyAD = sha256.Sum256(rec)
	return rec, nil
}

func writeModernCleartext(hop *tunnel.Hop, routing RoutingInfo) ([]byte, error) {
	cleartext := make([]byte, ShortBuildRecordCleartextLen)
	binary.BigEndian.PutUint32(cleartext[0:4], uint32(hop.ReceiveID))
	binary.BigEndian.PutUint32(cleartext[4:8], uint32(hop.SendID))
	copy(cleartext[8:40], hop.NextPeer[:])
	cleartext[40] = routing.Flag
	cleartext[43] = LayerEncryptionAES
	binary.BigEndian.PutUint32(cleartext[44:48], uint32(routing.RequestTime.Unix()/60))
	binary.BigEndian.PutUint32(cleartext[48:52], uint32(routing.Lifetime/time.Second))
	binary.BigEndian.PutUint32(cleartext[52:56], hop.SendMessageID)

	opts := encodeBandwidthOptions(hop.Bandwidth)
	binary.BigEndian.PutUint16(cleartext[56:58], uint16(len(opts)))
	n := copy(cleartext[58:], opts)
	if err := blank(cleartext[58+n:]); err != nil {
		return nil, err
	}
	return cleartext, nil
}

func encodeBandwidthOptions(bw tunnel.BandwidthHint) []byte {
	var out []byte
	put := func(key byte, v int) {
		if v <= 0 {
			return
		}
		var e [modernOptionSize]byte
		e[0] = key
		binary.BigEndian.PutUint32(e[1:], uint32(v))
		out = append(out, e[:]...)
	}
	put(optionMinKBps, bw.MinKBps)
	put(optionRequestedKBps, bw.RequestedKBps)
	put(optionMaxKBps, bw.MaxKBps)
	return out
}

func decodeBandwidthOptions(opts []byte) (tunnel.BandwidthHint, error) {
	var bw tunnel.BandwidthHint
	if len(opts)%modernOptionSize != 0 {
		return bw, fmt.Errorf("%w: options of %d bytes", ErrMalformedMessage, len(opts))
	}
	for i := 0; i < len(opts); i += modernOptionSize {
		v := int(binary.BigEndian.Uint32(opts[i+1 : i+modernOptionSize]))
		switch opts[i] {
		case optionMinKBps:
			bw.MinKBps = v
		case optionRequestedKBps:
			bw.RequestedKBps = v
		case optionMaxKBps:
			bw.MaxKBps = v
		}
	}
	return bw, nil
}

// DecryptOwnRecord finds our record by identity prefix, derives its keys
// from the ephemeral agreement and opens it.
func (c *ModernCodec) DecryptOwnRecord(msg *BuildMessage, us Identity) DecryptResult {
	if msg.Stage() != StageFresh {
		return Malformed{Slot: -1, Err: ErrRecordConsumed}
	}
	if msg.Format != tunnel.FormatModern {
		return Malformed{Slot: -1, Err: fmt.Errorf("%w: %s message to modern codec", ErrMalformedMessage, msg.Format)}
	}
	slot := findOwnSlot(msg, us.Hash)
	if slot < 0 {
		return NotMine{}
	}
	rec := msg.Records[slot]
	if len(rec) != ShortBuildRecordSize {
		return Malformed{Slot: slot, Err: ERR_BUILD_REQUEST_RECORD_NOT_ENOUGH_DATA}
	}

	var eph [curve25519.KeySize]byte
	copy(eph[:], rec[ToPeerSize:modernHeaderSize])
	shared, err := curve25519.SharedSecret(us.X25519.Private, eph)
	if err != nil {
		return Malformed{Slot: slot, Err: err}
	}
	keys, err := curve25519.DeriveRecordKeys(shared, eph, us.X25519.Public)
	if err != nil {
		return Malformed{Slot: slot, Err: err}
	}
	cleartext, err := chacha20.Open(keys.RecordKey, 0, rec[modernHeaderSize:], rec[:modernHeaderSize])
	if err != nil {
		log.WithFields(logger.Fields{
			"at":      "(ModernCodec) DecryptOwnRecord",
			"reason":  "aead_open_failed",
			"slot":    slot,
			"message": msg.MessageID,
		}).Debug("could not decrypt own build record")
		return Malformed{Slot: slot, Err: err}
	}

	instr, err := readModernCleartext(cleartext)
	if err != nil {
		return Malformed{Slot: slot, Err: err}
	}
	instr.LayerKey = keys.LayerKey
	instr.IVKey = keys.IVKey
	instr.ReplyKey = keys.ReplyKey
	instr.ReplyAD = sha256.Sum256(rec)

	if c.filter != nil && c.filter.IsReplay(keys.ReplyKey[:]) {
		return Malformed{Slot: slot, Err: ErrDuplicateRecord}
	}

	if err := blank(rec); err != nil {
		return Malformed{Slot: slot, Err: err}
	}
	if err := msg.advance(StageFresh, StageDecrypted); err != nil {
		return Malformed{Slot: slot, Err: err}
	}
	return Matched{Instruction: instr, Slot: slot}
}

func readModernCleartext(cleartext []byte) (*HopInstruction, error) {
	if len(cleartext) != ShortBuildRecordCleartextLen {
		return nil, ERR_BUILD_REQUEST_RECORD_NOT_ENOUGH_DATA
	}
	instr := &HopInstruction{
		ReceiveTunnel:   tunnel.TunnelID(binary.BigEndian.Uint32(cleartext[0:4])),
		NextTunnel:      tunnel.TunnelID(binary.BigEndian.Uint32(cleartext[4:8])),
		Flag:            cleartext[40],
		LayerEncryption: cleartext[43],
		RequestTime:     time.Unix(int64(binary.BigEndian.Uint32(cleartext[44:48]))*60, 0),
		Expiration:      time.Duration(binary.BigEndian.Uint32(cleartext[48:52])) * time.Second,
		SendMessageID:   binary.BigEndian.Uint32(cleartext[52:56]),
	}
	copy(instr.NextIdent[:], cleartext[8:40])

	n := int(binary.BigEndian.Uint16(cleartext[56:58]))
	if modernOptionsOffset+2+n > len(cleartext) {
		return nil, fmt.Errorf("%w: options length %d", ErrMalformedMessage, n)
	}
	bw, err := decodeBandwidthOptions(cleartext[58 : 58+n])
	if err != nil {
		return nil, err
	}
	instr.Bandwidth = bw
	return instr, nil
}

// ReencryptSiblings XORs every other record with a ChaCha20 stream keyed by
// our reply key and that record's slot index.
func (c *ModernCodec) ReencryptSiblings(msg *BuildMessage, slot int, instr *HopInstruction) error {
	if err := checkOwnSlot(msg, slot, ShortBuildRecordSize); err != nil {
		return err
	}
	if err := msg.advance(StageDecrypted, StageReencrypted); err != nil {
		return err
	}
	for i, rec := range msg.Records {
		if i == slot {
			continue
		}
		if err := chacha20.XORSlot(instr.ReplyKey, i, rec); err != nil {
			return err
		}
	}
	return nil
}

// EncodeReplyRecord seals our status into slot.
func (c *ModernCodec) EncodeReplyRecord(msg *BuildMessage, slot int, instr *HopInstruction, status byte) error {
	if err := checkOwnSlot(msg, slot, ShortBuildRecordSize); err != nil {
		return err
	}
	if err := msg.advance(StageReencrypted, StageReplied); err != nil {
		return err
	}
	cleartext := make([]byte, ShortReplyCleartextLen)
	if err := blank(cleartext[2:modernReplyStatusPos]); err != nil {
		return err
	}
	cleartext[modernReplyStatusPos] = status
	sealed, err := chacha20.Seal(instr.ReplyKey, slot, cleartext, instr.ReplyAD[:])
	if err != nil {
		return err
	}
	copy(msg.Records[slot], sealed)
	return nil
}

// DecodeReplyRecord strips the stream layers of every later hop and opens
// hop's sealed reply.
func (c *ModernCodec) DecodeReplyRecord(msg *BuildMessage, slot int, plan *tunnel.CircuitPlan, hop int) (byte, error) {
	if err := checkReplyArgs(msg, slot, plan, hop, ShortBuildRecordSize); err != nil {
		return 0, err
	}
	rec := append([]byte(nil), msg.Records[slot]...)
	for k := peelStart(plan); k > hop; k-- {
		if err := c.removeLayer(&plan.Hops[k], slot, rec); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrReplyUndecryptable, err)
		}
	}
	h := &plan.Hops[hop]
	cleartext, err := chacha20.Open(h.ReplyKey, slot, rec, h.ReplyAD[:])
	if err != nil {
		log.WithFields(logger.Fields{
			"at":     "(ModernCodec) DecodeReplyRecord",
			"reason": "aead_open_failed",
			"hop":    hop,
			"slot":   slot,
		}).Debug("build reply record failed authentication")
		return 0, ErrReplyUndecryptable
	}
	return cleartext[modernReplyStatusPos], nil
}

func (c *ModernCodec) applyLayer(hop *tunnel.Hop, slot int, rec []byte) error {
	return chacha20.XORSlot(hop.ReplyKey, slot, rec)
}

func (c *ModernCodec) removeLayer(hop *tunnel.Hop, slot int, rec []byte) error {
	return chacha20.XORSlot(hop.ReplyKey, slot, rec)
}
