package i2np

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/crypto/aes"
	elgamal "github.com/go-i2p/tunnelbuild/lib/crypto/elg"
	"github.com/go-i2p/tunnelbuild/lib/tunnel"
	"github.com/samber/oops"
)

/*
Legacy BuildRequestRecord

+----+----+----+----+----+----+----+----+
| toPeer                                |
+                                       +
|                                       |
+----+----+----+----+----+----+----+----+
| ElGamal-2048 encrypted data...        |
~                                       ~
|                                       |
+----+----+----+----+----+----+----+----+

toPeer :: first 16 bytes of the peer's identity hash
encrypted_data :: 512 bytes

Cleartext (222 bytes):

receive_tunnel  [0:4]
our_ident       [4:36]
next_tunnel     [36:40]
next_ident      [40:72]
layer_key       [72:104]
iv_key          [104:136]
reply_key       [136:168]
reply_iv        [168:184]
flag            [184]
request_time    [185:189]  hours since the epoch
send_msg_id     [189:193]
padding         [193:222]

Legacy BuildResponseRecord (528 bytes, AES-256-CBC with the reply key/IV):

bytes 0-31   :: SHA-256 hash of bytes 32-527
bytes 32-526 :: random data
byte  527    :: reply
*/

const (
	legacyReplyKeyOffset = 136
	legacyStatusOffset   = StandardBuildRecordSize - 1
)

// LegacyCodec implements the ElGamal/AES record scheme.
type LegacyCodec struct {
	filter *ReplayFilter
}

var _ RecordCodec = (*LegacyCodec)(nil)

func (c *LegacyCodec) Format() tunnel.RecordFormat { return tunnel.FormatLegacy }
func (c *LegacyCodec) RecordSize() int             { return StandardBuildRecordSize }

// EncodeRequestRecord encrypts hop to peer's ElGamal key.
func (c *LegacyCodec) EncodeRequestRecord(hop *tunnel.Hop, routing RoutingInfo, peer PeerKeys) (BuildRecord, error) {
	if peer.ElGamal == nil {
		return nil, oops.Errorf("legacy record for %s: peer has no ElGamal key", tunnel.ShortHash(hop.Peer))
	}

	cleartext := make([]byte, StandardBuildRecordCleartextLen)
	binary.BigEndian.PutUint32(cleartext[0:4], uint32(hop.ReceiveID))
	copy(cleartext[4:36], hop.Peer[:])
	binary.BigEndian.PutUint32(cleartext[36:40], uint32(hop.SendID))
	copy(cleartext[40:72], hop.NextPeer[:])
	copy(cleartext[72:104], hop.LayerKey[:])
	copy(cleartext[104:136], hop.IVKey[:])
	copy(cleartext[136:168], hop.ReplyKey[:])
	copy(cleartext[168:184], hop.ReplyIV[:])
	cleartext[184] = routing.Flag
	binary.BigEndian.PutUint32(cleartext[185:189], uint32(routing.RequestTime.Unix()/3600))
	binary.BigEndian.PutUint32(cleartext[189:193], hop.SendMessageID)
	if err := blank(cleartext[193:]); err != nil {
		return nil, err
	}

	ct, err := elgamal.Encrypt(peer.ElGamal, randReader{}, cleartext)
	if err != nil {
		return nil, oops.Wrapf(err, "legacy record for %s", tunnel.ShortHash(hop.Peer))
	}
	rec := make(BuildRecord, StandardBuildRecordSize)
	copy(rec[:ToPeerSize], hop.Peer[:ToPeerSize])
	copy(rec[ToPeerSize:], ct)
	return rec, nil
}

// DecryptOwnRecord finds our record by identity prefix and decrypts it
// with our ElGamal key.
func (c *LegacyCodec) DecryptOwnRecord(msg *BuildMessage, us Identity) DecryptResult {
	if msg.Stage() != StageFresh {
		return Malformed{Slot: -1, Err: ErrRecordConsumed}
	}
	if msg.Format != tunnel.FormatLegacy {
		return Malformed{Slot: -1, Err: fmt.Errorf("%w: %s message to legacy codec", ErrMalformedMessage, msg.Format)}
	}
	slot := findOwnSlot(msg, us.Hash)
	if slot < 0 {
		return NotMine{}
	}
	if us.ElGamal == nil {
		return Malformed{Slot: slot, Err: oops.Errorf("no ElGamal key configured")}
	}
	rec := msg.Records[slot]
	if len(rec) != StandardBuildRecordSize {
		return Malformed{Slot: slot, Err: ERR_BUILD_REQUEST_RECORD_NOT_ENOUGH_DATA}
	}

	cleartext, err := us.ElGamal.Decrypt(rec[ToPeerSize:])
	if err != nil {
		log.WithFields(logger.Fields{
			"at":      "(LegacyCodec) DecryptOwnRecord",
			"reason":  "elgamal_decrypt_failed",
			"slot":    slot,
			"message": msg.MessageID,
		}).Debug("could not decrypt own build record")
		return Malformed{Slot: slot, Err: err}
	}

	instr := readLegacyCleartext(cleartext)
	if instr.OurIdent != us.Hash {
		return Malformed{Slot: slot, Err: ErrIdentityMismatch}
	}
	if c.filter != nil && c.filter.IsReplay(cleartext[legacyReplyKeyOffset:legacyReplyKeyOffset+32]) {
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

func readLegacyCleartext(cleartext []byte) *HopInstruction {
	instr := &HopInstruction{
		ReceiveTunnel: tunnel.TunnelID(binary.BigEndian.Uint32(cleartext[0:4])),
		NextTunnel:    tunnel.TunnelID(binary.BigEndian.Uint32(cleartext[36:40])),
		Flag:          cleartext[184],
		RequestTime:   time.Unix(int64(binary.BigEndian.Uint32(cleartext[185:189]))*3600, 0),
		SendMessageID: binary.BigEndian.Uint32(cleartext[189:193]),
	}
	copy(instr.OurIdent[:], cleartext[4:36])
	copy(instr.NextIdent[:], cleartext[40:72])
	copy(instr.LayerKey[:], cleartext[72:104])
	copy(instr.IVKey[:], cleartext[104:136])
	copy(instr.ReplyKey[:], cleartext[136:168])
	copy(instr.ReplyIV[:], cleartext[168:184])
	return instr
}

// ReencryptSiblings AES-CBC encrypts every other record with our reply key and IV.
func (c *LegacyCodec) ReencryptSiblings(msg *BuildMessage, slot int, instr *HopInstruction) error {
	if err := checkOwnSlot(msg, slot, StandardBuildRecordSize); err != nil {
		return err
	}
	if err := msg.advance(StageDecrypted, StageReencrypted); err != nil {
		return err
	}
	layer := aes.Layer{Key: instr.ReplyKey, IV: instr.ReplyIV}
	for i, rec := range msg.Records {
		if i == slot {
			continue
		}
		if err := layer.Encrypt(rec); err != nil {
			return err
		}
	}
	return nil
}

// EncodeReplyRecord writes a digest-protected status into slot and
// encrypts it with our reply key.
func (c *LegacyCodec) EncodeReplyRecord(msg *BuildMessage, slot int, instr *HopInstruction, status byte) error {
	if err := checkOwnSlot(msg, slot, StandardBuildRecordSize); err != nil {
		return err
	}
	if err := msg.advance(StageReencrypted, StageReplied); err != nil {
		return err
	}
	rec := msg.Records[slot]
	if err := blank(rec[32:legacyStatusOffset]); err != nil {
		return err
	}
	rec[legacyStatusOffset] = status
	sum := sha256.Sum256(rec[32:])
	copy(rec[:32], sum[:])
	return aes.Layer{Key: instr.ReplyKey, IV: instr.ReplyIV}.Encrypt(rec)
}

// DecodeReplyRecord decrypts slot with the reply keys of every hop from the
// last one that layered it down to hop, then verifies the digest.
func (c *LegacyCodec) DecodeReplyRecord(msg *BuildMessage, slot int, plan *tunnel.CircuitPlan, hop int) (byte, error) {
	if err := checkReplyArgs(msg, slot, plan, hop, StandardBuildRecordSize); err != nil {
		return 0, err
	}
	rec := append([]byte(nil), msg.Records[slot]...)
	for k := peelStart(plan); k >= hop; k-- {
		if err := c.removeLayer(&plan.Hops[k], slot, rec); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrReplyUndecryptable, err)
		}
	}
	sum := sha256.Sum256(rec[32:])
	if subtle.ConstantTimeCompare(sum[:], rec[:32]) != 1 {
		log.WithFields(logger.Fields{
			"at":     "(LegacyCodec) DecodeReplyRecord",
			"reason": "digest_mismatch",
			"hop":    hop,
			"slot":   slot,
		}).Debug("build reply record digest mismatch")
		return 0, ErrReplyUndecryptable
	}
	return rec[legacyStatusOffset], nil
}

func (c *LegacyCodec) applyLayer(hop *tunnel.Hop, _ int, rec []byte) error {
	return aes.Layer{Key: hop.ReplyKey, IV: hop.ReplyIV}.Encrypt(rec)
}

func (c *LegacyCodec) removeLayer(hop *tunnel.Hop, _ int, rec []byte) error {
	return aes.Layer{Key: hop.ReplyKey, IV: hop.ReplyIV}.Decrypt(rec)
}
