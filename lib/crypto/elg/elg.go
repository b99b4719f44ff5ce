// Package elgamal implements the ElGamal block form used by legacy build
// records: a 222-byte payload, protected by its SHA-256 digest, encrypted
// into 512 bytes over the 2048-bit MODP group.
package elgamal

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"io"
	"math/big"

	"github.com/go-i2p/logger"
	"golang.org/x/crypto/openpgp/elgamal"
)

var log = logger.GetGoI2PLogger()

const (
	// PlaintextSize is the payload carried by one block.
	PlaintextSize = 222
	// CiphertextSize is the encrypted block size without zero padding.
	CiphertextSize = 512

	blockSize    = 255
	halfSize     = 256
	exponentSize = 32
)

var (
	ErrDecryptFail   = errors.New("failed to decrypt elgamal encrypted data")
	ErrEncryptTooBig = errors.New("failed to encrypt data, too big for elgamal")
	ErrBadCiphertext = errors.New("elgamal ciphertext has the wrong size")
)

// RFC 3526 group 14.
var elgp, _ = new(big.Int).SetString(
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1"+
		"29024E088A67CC74020BBEA63B139B22514A08798E3404DD"+
		"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245"+
		"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED"+
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D"+
		"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F"+
		"83655D23DCA3AD961C62F356208552BB9ED529077096966D"+
		"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B"+
		"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9"+
		"DE2BCBF6955817183995497CEA956AE515D2261898FA0510"+
		"15728E5A8AACAA68FFFFFFFFFFFFFFFF", 16)

var (
	one  = big.NewInt(1)
	elgg = big.NewInt(2)
)

// PrivateKey is an ElGamal private key over the fixed group.
type PrivateKey struct {
	elgamal.PrivateKey
}

// Public returns the matching public key.
func (priv *PrivateKey) Public() *elgamal.PublicKey {
	return &priv.PublicKey
}

// GenerateKey creates a key pair with a short random exponent.
func GenerateKey(rand io.Reader) (*PrivateKey, error) {
	x, err := randomExponent(rand)
	if err != nil {
		log.WithError(err).Error("Failed to generate ElGamal key pair")
		return nil, err
	}
	priv := &PrivateKey{}
	priv.P = elgp
	priv.G = elgg
	priv.X = x
	priv.Y = new(big.Int).Exp(elgg, x, elgp)
	return priv, nil
}

func randomExponent(rand io.Reader) (*big.Int, error) {
	buf := make([]byte, exponentSize)
	for {
		if _, err := io.ReadFull(rand, buf); err != nil {
			return nil, err
		}
		k := new(big.Int).SetBytes(buf)
		if k.Sign() != 0 {
			return k, nil
		}
	}
}

// Decrypt opens a 512-byte block and returns the 222-byte payload. Every
// failure returns ErrDecryptFail without revealing which check failed.
func (priv *PrivateKey) Decrypt(data []byte) ([]byte, error) {
	if len(data) != CiphertextSize {
		return nil, ErrBadCiphertext
	}
	a := new(big.Int).SetBytes(data[:halfSize])
	b := new(big.Int).SetBytes(data[halfSize:])

	// m = b * a^(p-1-x) mod p
	exp := new(big.Int).Sub(new(big.Int).Sub(priv.P, priv.X), one)
	m := new(big.Int).Mod(new(big.Int).Mul(b, new(big.Int).Exp(a, exp, priv.P)), priv.P)
	if m.BitLen() > blockSize*8 {
		return nil, ErrDecryptFail
	}
	mbytes := m.FillBytes(make([]byte, blockSize))

	d := sha256.Sum256(mbytes[33:])
	good := subtle.ConstantTimeCompare(d[:], mbytes[1:33]) & subtle.ConstantTimeByteEq(mbytes[0], 0xFF)
	if good != 1 {
		return nil, ErrDecryptFail
	}
	out := make([]byte, PlaintextSize)
	copy(out, mbytes[33:])
	return out, nil
}
