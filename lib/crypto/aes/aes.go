// Package aes applies AES-256-CBC layers in place, without padding, to
// buffers that are already a whole number of blocks.
package aes

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/samber/oops"
)

const (
	KeySize   = 32
	BlockSize = aes.BlockSize
)

// Layer is one key/IV pair. Encrypt and Decrypt are inverses of each other.
type Layer struct {
	Key [KeySize]byte
	IV  [BlockSize]byte
}

// Encrypt CBC-encrypts buf in place.
func (l Layer) Encrypt(buf []byte) error {
	block, err := l.block(buf)
	if err != nil {
		return err
	}
	cipher.NewCBCEncrypter(block, l.IV[:]).CryptBlocks(buf, buf)
	return nil
}

// Decrypt CBC-decrypts buf in place.
func (l Layer) Decrypt(buf []byte) error {
	block, err := l.block(buf)
	if err != nil {
		return err
	}
	cipher.NewCBCDecrypter(block, l.IV[:]).CryptBlocks(buf, buf)
	return nil
}

func (l Layer) block(buf []byte) (cipher.Block, error) {
	if len(buf)%BlockSize != 0 {
		return nil, oops.Errorf("aes layer: buffer of %d bytes is not a multiple of the block size", len(buf))
	}
	block, err := aes.NewCipher(l.Key[:])
	if err != nil {
		return nil, oops.Wrapf(err, "aes layer: cipher setup")
	}
	return block, nil
}
