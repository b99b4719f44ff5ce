// Package chacha20 provides the slot-indexed ChaCha20 operations used by
// modern build records: an unauthenticated stream layer for sibling
// records and ChaCha20-Poly1305 sealing for a hop's own record.
package chacha20

import (
	"encoding/binary"
	"errors"

	"github.com/samber/oops"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
)

// Key sizes
const (
	KeySize   = 32
	NonceSize = chacha20poly1305.NonceSize
	TagSize   = chacha20poly1305.Overhead
)

// ErrAuthFailed is returned when a sealed record does not authenticate.
var ErrAuthFailed = errors.New("ChaCha20-Poly1305 authentication failed")

// Key is a 256-bit ChaCha20 key.
type Key [KeySize]byte

// SlotNonce folds a record slot index into a nonce.
func SlotNonce(slot int) [NonceSize]byte {
	var n [NonceSize]byte
	binary.LittleEndian.PutUint32(n[4:8], uint32(slot))
	return n
}

// XORSlot applies the keystream for slot to buf in place. Applying it twice
// restores the input.
func XORSlot(key Key, slot int, buf []byte) error {
	nonce := SlotNonce(slot)
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return oops.Wrapf(err, "chacha20 stream setup")
	}
	c.XORKeyStream(buf, buf)
	return nil
}

// Seal encrypts and authenticates plaintext under key with the slot nonce.
func Seal(key Key, slot int, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, oops.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := SlotNonce(slot)
	return aead.Seal(nil, nonce[:], plaintext, ad), nil
}

// Open reverses Seal.
func Open(key Key, slot int, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, oops.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := SlotNonce(slot)
	pt, err := aead.Open(nil, nonce[:], ciphertext, ad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return pt, nil
}
