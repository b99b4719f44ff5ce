package tunnel

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

// TunnelID identifies a tunnel on a single hop. Zero is never a valid id.
type TunnelID uint32

// NewTunnelID draws a random non-zero tunnel id.
func NewTunnelID() (TunnelID, error) {
	id, err := randomNonZero()
	return TunnelID(id), err
}

// NewMessageID draws a random non-zero message id.
func NewMessageID() (uint32, error) {
	return randomNonZero()
}

func randomNonZero() (uint32, error) {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, oops.Wrapf(err, "failed to read random id")
		}
		if v := binary.BigEndian.Uint32(b[:]); v != 0 {
			return v, nil
		}
	}
}

// Direction is the direction of a circuit relative to its owner.
type Direction uint8

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// RecordFormat selects one of the two build record schemes.
type RecordFormat uint8

const (
	// FormatLegacy is the 528-byte ElGamal/AES record.
	FormatLegacy RecordFormat = iota
	// FormatModern is the 218-byte X25519/ChaCha20 record.
	FormatModern
)

func (f RecordFormat) String() string {
	switch f {
	case FormatLegacy:
		return "legacy"
	case FormatModern:
		return "modern"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// ParseRecordFormat maps a configuration string onto a RecordFormat.
func ParseRecordFormat(s string) (RecordFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "legacy":
		return FormatLegacy, nil
	case "modern", "":
		return FormatModern, nil
	default:
		return 0, oops.Errorf("unknown record format %q", s)
	}
}

// Build reply codes
const (
	BuildReplyCodeAccepted            byte = 0  // Tunnel accepted
	BuildReplyCodeProbabilisticReject byte = 10 // Rejected: probabilistic reject
	BuildReplyCodeTransientOverload   byte = 20 // Rejected: transient overload
	BuildReplyCodeBandwidth           byte = 30 // Rejected: bandwidth limit (used for most rejections)
	BuildReplyCodeCritical            byte = 50 // Rejected: critical (router shutdown, etc.)
)

// ShortHash returns the first eight bytes of h in hex for log fields.
func ShortHash(h common.Hash) string {
	return hex.EncodeToString(h[:8])
}
