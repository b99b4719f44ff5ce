// Package i2np implements the tunnel build messages exchanged by routers.
//
// A build message carries a fixed number of records, one per hop plus
// padding. Every hop finds the record addressed to it, decrypts it, layers
// every other record with its reply key and writes its answer into the slot
// it vacated. The originator peels those layers off again to read each
// hop's status.
//
// Two record schemes are supported, selected per message:
//   - Legacy: ElGamal-2048 request records, AES-256-CBC reply layers and a
//     SHA-256 digest guarding each reply (528 bytes per record)
//   - Modern: X25519 + HKDF request keys, ChaCha20 reply layers with the
//     slot index in the nonce and a ChaCha20-Poly1305 tag on each reply
//     (218 bytes per record)
//
// Processing a message is single use: a message moves through Fresh,
// Decrypted, Reencrypted and Replied and every step fails with
// ErrRecordConsumed when applied out of order.
package i2np
