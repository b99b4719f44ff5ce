package tunnel

import (
	"sync/atomic"
	"time"

	common "github.com/go-i2p/common/data"
)

// Role is the part a transit hop plays in someone else's circuit.
type Role uint8

const (
	RoleParticipant Role = iota
	RoleInboundGateway
	RoleOutboundEndpoint
)

func (r Role) String() string {
	switch r {
	case RoleInboundGateway:
		return "inbound_gateway"
	case RoleOutboundEndpoint:
		return "outbound_endpoint"
	default:
		return "participant"
	}
}

// HopConfig is the state kept for a circuit this router relays for.
//
// Everything except the counters is written before the config is
// registered and never changes afterwards.
type HopConfig struct {
	ReceiveID TunnelID
	SendID    TunnelID
	Previous  common.Hash
	Next      common.Hash

	LayerKey [32]byte
	IVKey    [32]byte

	Role          Role
	AllocatedKBps int

	CreatedAt  time.Time
	Expiration time.Time

	messages atomic.Uint64
	bytes    atomic.Uint64
}

// RecordMessage counts one relayed message of n bytes.
func (h *HopConfig) RecordMessage(n int) {
	h.messages.Add(1)
	h.bytes.Add(uint64(n))
}

// Messages returns the number of relayed messages.
func (h *HopConfig) Messages() uint64 {
	return h.messages.Load()
}

// Bytes returns the number of relayed bytes.
func (h *HopConfig) Bytes() uint64 {
	return h.bytes.Load()
}

// IsExpired checks if this hop has expired.
func (h *HopConfig) IsExpired(now time.Time) bool {
	return now.After(h.Expiration)
}
