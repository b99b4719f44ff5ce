// Package curve25519 provides X25519 key pairs and the key schedule that
// turns one ephemeral-static agreement into the keys of a modern build
// record.
package curve25519

import (
	"crypto/sha256"
	"io"

	"github.com/samber/oops"
	xcurve "golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const KeySize = 32

// recordSalt and recordInfo domain-separate the record key schedule.
var (
	recordSalt = []byte("TunnelBuildRecord")
	recordInfo = []byte("RecordKeys")
)

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateKeyPair draws a clamped private key from rand.
func GenerateKeyPair(rand io.Reader) (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand, kp.Private[:]); err != nil {
		return KeyPair{}, oops.Wrapf(err, "x25519 key generation")
	}
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64

	pub, err := xcurve.X25519(kp.Private[:], xcurve.Basepoint)
	if err != nil {
		return KeyPair{}, oops.Wrapf(err, "x25519 public key")
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret performs X25519. Low-order peer keys are rejected.
func SharedSecret(private, peerPublic [KeySize]byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	s, err := xcurve.X25519(private[:], peerPublic[:])
	if err != nil {
		return out, oops.Wrapf(err, "x25519 agreement")
	}
	copy(out[:], s)
	return out, nil
}

// RecordKeys is everything one agreement yields for one hop.
type RecordKeys struct {
	RecordKey [KeySize]byte
	ReplyKey  [KeySize]byte
	LayerKey  [KeySize]byte
	IVKey     [KeySize]byte
}

// DeriveRecordKeys expands a shared secret bound to both public keys.
func DeriveRecordKeys(shared, ephemeralPublic, staticPublic [KeySize]byte) (RecordKeys, error) {
	info := make([]byte, 0, len(recordInfo)+2*KeySize)
	info = append(info, recordInfo...)
	info = append(info, ephemeralPublic[:]...)
	info = append(info, staticPublic[:]...)

	r := hkdf.New(sha256.New, shared[:], recordSalt, info)
	var k RecordKeys
	for _, dst := range [][]byte{k.RecordKey[:], k.ReplyKey[:], k.LayerKey[:], k.IVKey[:]} {
		if _, err := io.ReadFull(r, dst); err != nil {
			return RecordKeys{}, oops.Wrapf(err, "record key expansion")
		}
	}
	return k, nil
}
