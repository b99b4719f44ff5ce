package i2np

import (
	"errors"
)

// Build message type constants. The request and reply forms share a layout
// and differ only in who may process them.
const (
	I2NP_MESSAGE_TYPE_TUNNEL_BUILD       = 21
	I2NP_MESSAGE_TYPE_TUNNEL_BUILD_REPLY = 22
)

// I2NP Error Constants
// These use errors.New (not oops.Errorf) so callers can match them with errors.Is().
var (
	ERR_I2NP_NOT_ENOUGH_DATA                  = errors.New("not enough i2np build message data")
	ERR_BUILD_REQUEST_RECORD_NOT_ENOUGH_DATA  = errors.New("not enough i2np build request record data")
	ERR_BUILD_RESPONSE_RECORD_NOT_ENOUGH_DATA = errors.New("not enough i2np build response record data")

	// ErrMalformedMessage reports a structurally invalid build message.
	ErrMalformedMessage = errors.New("malformed build message")
	// ErrRecordConsumed reports a processing step applied out of order or twice.
	ErrRecordConsumed = errors.New("build record already consumed")
	// ErrDuplicateRecord reports a request record seen before.
	ErrDuplicateRecord = errors.New("duplicate build record")
	// ErrReplyUndecryptable voids every status of a build reply.
	ErrReplyUndecryptable = errors.New("build reply record undecryptable")
	// ErrIdentityMismatch reports a record addressed to our prefix whose
	// cleartext names another router.
	ErrIdentityMismatch = errors.New("build record identity mismatch")
)

// Build record size constants.
// Legacy (ElGamal/AES) records are 528 bytes on the wire.
// Modern (X25519/ChaCha20) records are 218 bytes on the wire.
const (
	StandardBuildRecordSize         = 528
	ShortBuildRecordSize            = 218
	StandardBuildRecordCleartextLen = 222
	ShortBuildRecordCleartextLen    = 154 // 218 - toPeer(16) - ephemeral(32) - MAC(16)
	ShortReplyCleartextLen          = 202 // 218 - MAC(16)
	ToPeerSize                      = 16

	// MaxRecords is the largest record count a build message may carry.
	MaxRecords = 8

	// headerSize covers type, message id, expiration, format and count.
	headerSize = 1 + 4 + 8 + 1 + 1
)

// Hop flags carried in the request record.
const (
	FlagInboundGateway   byte = 0x80
	FlagOutboundEndpoint byte = 0x40
)

// LayerEncryptionAES is the only layer encryption type a modern record may
// request.
const LayerEncryptionAES byte = 0
