package i2np

import (
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/tunnelbuild/lib/crypto/curve25519"
	elgamal "github.com/go-i2p/tunnelbuild/lib/crypto/elg"
	"github.com/go-i2p/tunnelbuild/lib/tunnel"
	xelgamal "golang.org/x/crypto/openpgp/elgamal"
)

// HopInstruction is a decrypted build request record: what one hop has
// been asked to do.
type HopInstruction struct {
	ReceiveTunnel tunnel.TunnelID
	NextTunnel    tunnel.TunnelID
	// OurIdent is only carried by legacy records.
	OurIdent  common.Hash
	NextIdent common.Hash

	LayerKey [32]byte
	IVKey    [32]byte
	ReplyKey [32]byte
	ReplyIV  [16]byte // legacy
	ReplyAD  [32]byte // modern: SHA-256 of the request record as received

	Flag          byte
	RequestTime   time.Time
	Expiration    time.Duration // modern
	SendMessageID uint32
	// LayerEncryption is the requested layer cipher; only AES is defined.
	LayerEncryption byte
	Bandwidth       tunnel.BandwidthHint
}

// IsInboundGateway reports whether the hop is the gateway of an inbound circuit.
func (h *HopInstruction) IsInboundGateway() bool {
	return h.Flag&FlagInboundGateway != 0
}

// IsOutboundEndpoint reports whether the hop is the endpoint of an outbound circuit.
func (h *HopInstruction) IsOutboundEndpoint() bool {
	return h.Flag&FlagOutboundEndpoint != 0
}

// RoutingInfo carries the per-record fields that are not part of the
// originator's hop description.
type RoutingInfo struct {
	Flag        byte
	RequestTime time.Time
	// Lifetime is advertised by modern records.
	Lifetime time.Duration
}

// PeerKeys are the public keys a build record is encrypted to.
type PeerKeys struct {
	Hash    common.Hash
	ElGamal *xelgamal.PublicKey
	X25519  [curve25519.KeySize]byte
}

// Identity is the local router's hash and private keys.
type Identity struct {
	Hash    common.Hash
	ElGamal *elgamal.PrivateKey
	X25519  curve25519.KeyPair
}

// randReader adapts the router's random source to io.Reader.
type randReader struct{}

func (randReader) Read(p []byte) (int, error) {
	return rand.Read(p)
}

// NewIdentity generates fresh keys for hash.
func NewIdentity(hash common.Hash) (Identity, error) {
	elg, err := elgamal.GenerateKey(randReader{})
	if err != nil {
		return Identity{}, err
	}
	kp, err := curve25519.GenerateKeyPair(randReader{})
	if err != nil {
		return Identity{}, err
	}
	return Identity{Hash: hash, ElGamal: elg, X25519: kp}, nil
}

// Keys returns the public half of the identity.
func (id Identity) Keys() PeerKeys {
	pk := PeerKeys{Hash: id.Hash, X25519: id.X25519.Public}
	if id.ElGamal != nil {
		pk.ElGamal = id.ElGamal.Public()
	}
	return pk
}

// DecryptResult is the outcome of looking for our own record in a build
// message. Exactly one of the three variants is returned.
type DecryptResult interface {
	isDecryptResult()
}

// Matched carries our decrypted record and the slot it occupied.
type Matched struct {
	Instruction *HopInstruction
	Slot        int
}

// NotMine means no record carries our identity prefix.
type NotMine struct{}

// Malformed means our record was found but could not be used.
type Malformed struct {
	Slot int
	Err  error
}

func (Matched) isDecryptResult()   {}
func (NotMine) isDecryptResult()   {}
func (Malformed) isDecryptResult() {}

// findOwnSlot returns the first slot whose toPeer prefix matches hash.
func findOwnSlot(msg *BuildMessage, hash common.Hash) int {
	for i, r := range msg.Records {
		if len(r) >= ToPeerSize && string(r[:ToPeerSize]) == string(hash[:ToPeerSize]) {
			return i
		}
	}
	return -1
}
