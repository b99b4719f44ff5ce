package router

import (
	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/tunnelbuild/lib/config"
	"github.com/go-i2p/tunnelbuild/lib/tunnel"
)

// CapsSource returns the caps string a peer advertises.
type CapsSource interface {
	Caps(peer common.Hash) (string, bool)
}

// CapsTiers classifies peers by their advertised caps. Unreachable peers
// and classes K and L are low tier, O and faster are high tier.
type CapsTiers struct {
	Source CapsSource
}

var _ tunnel.TierSource = (*CapsTiers)(nil)

func (c *CapsTiers) Tier(peer common.Hash) tunnel.PeerTier {
	raw, ok := c.Source.Caps(peer)
	if !ok {
		return tunnel.TierStandard
	}
	caps, err := config.ParseCaps(raw)
	if err != nil {
		return tunnel.TierStandard
	}
	switch rank := caps.Bandwidth.Rank(); {
	case !caps.Reachable || rank <= config.BandwidthClassL.Rank():
		return tunnel.TierLow
	case rank >= config.BandwidthClassO.Rank():
		return tunnel.TierHigh
	default:
		return tunnel.TierStandard
	}
}
