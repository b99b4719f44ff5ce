package elgamal

import (
	"crypto/sha256"
	"io"
	"math/big"

	"golang.org/x/crypto/openpgp/elgamal"
)

// Encrypt seals up to 222 bytes for pub. Shorter payloads are zero padded
// to the full block so every ciphertext has the same shape.
func Encrypt(pub *elgamal.PublicKey, rand io.Reader, data []byte) ([]byte, error) {
	if len(data) > PlaintextSize {
		return nil, ErrEncryptTooBig
	}
	k, err := randomExponent(rand)
	if err != nil {
		log.WithError(err).Error("Failed to create ElGamal encryption session")
		return nil, err
	}

	mbytes := make([]byte, blockSize)
	mbytes[0] = 0xFF
	copy(mbytes[33:], data)
	d := sha256.Sum256(mbytes[33:])
	copy(mbytes[1:33], d[:])
	m := new(big.Int).SetBytes(mbytes)

	a := new(big.Int).Exp(pub.G, k, pub.P)
	b := new(big.Int).Mod(new(big.Int).Mul(new(big.Int).Exp(pub.Y, k, pub.P), m), pub.P)

	out := make([]byte, CiphertextSize)
	a.FillBytes(out[:halfSize])
	b.FillBytes(out[halfSize:])
	return out, nil
}
