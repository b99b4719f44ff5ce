package i2np

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/tunnel"
)

var log = logger.GetGoI2PLogger()

/*
Build message

+----+----+----+----+----+----+----+----+
|type| msg_id            | expiration
+----+----+----+----+----+----+----+----+
                         |fmt |num | records...
+----+----+----+----+----+----+----+    ~
~                                       ~
|                                       |
+----+----+----+----+----+----+----+----+

type :: Integer
        length -> 1 byte
        21 for a request, 22 for a reply

msg_id :: Integer
          length -> 4 bytes

expiration :: Date
              length -> 8 bytes
              milliseconds since the epoch

fmt :: Integer
       length -> 1 byte
       0 legacy, 1 modern

num :: Integer
       length -> 1 byte
       1 to 8

records :: num records of 528 (legacy) or 218 (modern) bytes
*/

// MessageType distinguishes a build request from a build reply.
type MessageType uint8

const (
	TypeBuildRequest MessageType = I2NP_MESSAGE_TYPE_TUNNEL_BUILD
	TypeBuildReply   MessageType = I2NP_MESSAGE_TYPE_TUNNEL_BUILD_REPLY
)

func (t MessageType) String() string {
	switch t {
	case TypeBuildRequest:
		return "TunnelBuild"
	case TypeBuildReply:
		return "TunnelBuildReply"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// Stage tracks how far a hop has processed a message.
type Stage uint8

const (
	StageFresh Stage = iota
	StageDecrypted
	StageReencrypted
	StageReplied
)

func (s Stage) String() string {
	switch s {
	case StageFresh:
		return "fresh"
	case StageDecrypted:
		return "decrypted"
	case StageReencrypted:
		return "reencrypted"
	case StageReplied:
		return "replied"
	default:
		return "unknown"
	}
}

// BuildRecord is one fixed-size encrypted slot of a build message.
type BuildRecord []byte

// BuildMessage is an ordered array of build records. It is mutated in place
// as it passes through the hops of a circuit.
type BuildMessage struct {
	Type       MessageType
	MessageID  uint32
	Expiration time.Time
	Format     tunnel.RecordFormat
	Records    []BuildRecord

	stage Stage
}

// Stage returns the processing stage of the message at the current hop.
func (m *BuildMessage) Stage() Stage {
	return m.stage
}

// advance moves the message from one stage to the next.
func (m *BuildMessage) advance(from, to Stage) error {
	if m.stage != from {
		return fmt.Errorf("%w: message %d is %s, want %s", ErrRecordConsumed, m.MessageID, m.stage, from)
	}
	m.stage = to
	return nil
}

// IsExpired reports whether the message expired before now.
func (m *BuildMessage) IsExpired(now time.Time) bool {
	return now.After(m.Expiration)
}

// Clone returns a deep copy in the Fresh stage.
func (m *BuildMessage) Clone() *BuildMessage {
	out := &BuildMessage{
		Type:       m.Type,
		MessageID:  m.MessageID,
		Expiration: m.Expiration,
		Format:     m.Format,
		Records:    make([]BuildRecord, len(m.Records)),
	}
	for i, r := range m.Records {
		out.Records[i] = append(BuildRecord(nil), r...)
	}
	return out
}

// RecordSize returns the wire size of one record in the given format.
func RecordSize(f tunnel.RecordFormat) int {
	if f == tunnel.FormatLegacy {
		return StandardBuildRecordSize
	}
	return ShortBuildRecordSize
}

// MarshalBinary serializes the message.
func (m *BuildMessage) MarshalBinary() ([]byte, error) {
	size := RecordSize(m.Format)
	if len(m.Records) < 1 || len(m.Records) > MaxRecords {
		return nil, fmt.Errorf("%w: %d records", ErrMalformedMessage, len(m.Records))
	}
	buf := make([]byte, headerSize, headerSize+len(m.Records)*size)
	buf[0] = byte(m.Type)
	binary.BigEndian.PutUint32(buf[1:5], m.MessageID)
	binary.BigEndian.PutUint64(buf[5:13], uint64(m.Expiration.UnixMilli()))
	buf[13] = byte(m.Format)
	buf[14] = byte(len(m.Records))
	for i, r := range m.Records {
		if len(r) != size {
			return nil, fmt.Errorf("%w: record %d is %d bytes, want %d", ErrMalformedMessage, i, len(r), size)
		}
		buf = append(buf, r...)
	}
	return buf, nil
}

// ReadBuildMessage parses a serialized build message. The result is in the
// Fresh stage.
func ReadBuildMessage(data []byte) (*BuildMessage, error) {
	if len(data) < headerSize {
		return nil, ERR_I2NP_NOT_ENOUGH_DATA
	}
	m := &BuildMessage{
		Type:       MessageType(data[0]),
		MessageID:  binary.BigEndian.Uint32(data[1:5]),
		Expiration: time.UnixMilli(int64(binary.BigEndian.Uint64(data[5:13]))),
		Format:     tunnel.RecordFormat(data[13]),
	}
	if m.Type != TypeBuildRequest && m.Type != TypeBuildReply {
		return nil, fmt.Errorf("%w: type %d", ErrMalformedMessage, data[0])
	}
	if m.Format != tunnel.FormatLegacy && m.Format != tunnel.FormatModern {
		return nil, fmt.Errorf("%w: format %d", ErrMalformedMessage, data[13])
	}

	count := int(data[14])
	size := RecordSize(m.Format)
	if count < 1 || count > MaxRecords {
		return nil, fmt.Errorf("%w: %d records", ErrMalformedMessage, count)
	}
	if len(data)-headerSize != count*size {
		log.WithFields(logger.Fields{
			"at":       "i2np.ReadBuildMessage",
			"reason":   "length_mismatch",
			"expected": headerSize + count*size,
			"actual":   len(data),
		}).Debug("build message length does not match its record count")
		return nil, fmt.Errorf("%w: %d bytes for %d records", ErrMalformedMessage, len(data), count)
	}

	m.Records = make([]BuildRecord, count)
	for i := range m.Records {
		off := headerSize + i*size
		m.Records[i] = append(BuildRecord(nil), data[off:off+size]...)
	}
	return m, nil
}
