package tunnel

import (
	"fmt"
	"testing"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/tunnelbuild/lib/config"
	"github.com/go-i2p/tunnelbuild/lib/util/time/monotonic"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedTiers map[common.Hash]PeerTier

func (f fixedTiers) Tier(peer common.Hash) PeerTier {
	return f[peer]
}

func newRequestThrottler(load int, tiers TierSource, bans *fakeBanlist, clock monotonic.Source) *RequestThrottler {
	cfg := config.Defaults()
	return NewRequestThrottler(cfg.Throttle, cfg.Pool.TunnelLifetime, ThrottleDeps{
		Clock:        clock,
		Load:         func() int { return load },
		Tiers:        tiers,
		Banlist:      bans,
		Disconnector: bans,
	})
}

func TestThrottleLimitClamp(t *testing.T) {
	clock := monotonic.NewManual(testEpoch)
	tests := []struct {
		load int
		want int
	}{
		{0, 20},       // below min
		{1000, 120},   // 12%
		{100000, 200}, // above max
	}
	for _, tt := range tests {
		th := newRequestThrottler(tt.load, nil, newFakeBanlist(), clock)
		assert.Equal(t, tt.want, th.Limit(), "load %d", tt.load)
	}
}

func TestThrottleClassificationSequence(t *testing.T) {
	clock := monotonic.NewManual(testEpoch)
	bans := newFakeBanlist()
	peer := hashOf(9)
	th := newRequestThrottler(0, nil, bans, clock)

	// limit 20, default multiplier 2.0 → ceiling 40
	for i := 1; i <= 20; i++ {
		require.Equal(t, Accept, th.RecordAndClassify(peer), "call %d", i)
	}
	for i := 21; i <= 40; i++ {
		require.Equal(t, Reject, th.RecordAndClassify(peer), "call %d", i)
	}
	for i := 41; i <= 45; i++ {
		require.Equal(t, Drop, th.RecordAndClassify(peer), "call %d", i)
	}
	assert.Equal(t, 1, bans.bans(peer))
	assert.Equal(t, 1, bans.disconnects(peer))
	assert.Equal(t, 45, th.Count(peer))
}

func TestThrottleTierCeilings(t *testing.T) {
	clock := monotonic.NewManual(testEpoch)
	low, high := hashOf(1), hashOf(2)
	th := newRequestThrottler(0, fixedTiers{low: TierLow, high: TierHigh}, newFakeBanlist(), clock)

	firstDrop := func(peer common.Hash) int {
		for i := 1; i <= 100; i++ {
			if th.RecordAndClassify(peer) == Drop {
				return i
			}
		}
		return -1
	}
	assert.Equal(t, 31, firstDrop(low))  // 20 * 1.5
	assert.Equal(t, 61, firstDrop(high)) // 20 * 3.0
}

func TestThrottleResetsAfterPeriod(t *testing.T) {
	clock := monotonic.NewManual(testEpoch)
	bans := newFakeBanlist()
	peer := hashOf(3)
	th := newRequestThrottler(0, nil, bans, clock)

	for i := 0; i < 50; i++ {
		th.RecordAndClassify(peer)
	}
	require.Equal(t, 1, bans.bans(peer))

	// requests reset every lifetime / 3
	clock.Advance(10*time.Minute/3 + time.Second)
	assert.Equal(t, Accept, th.RecordAndClassify(peer))
	assert.Equal(t, 1, th.Count(peer))

	for i := 0; i < 50; i++ {
		th.RecordAndClassify(peer)
	}
	assert.Equal(t, 2, bans.bans(peer), "escalation happens once per period")
}

func TestParticipatingThrottlerPeriod(t *testing.T) {
	cfg := config.Defaults()
	clock := monotonic.NewManual(testEpoch)
	th := NewParticipatingThrottler(cfg.Throttle, cfg.Pool.TunnelLifetime, ThrottleDeps{Clock: clock})
	peer := hashOf(4)

	for i := 0; i < cfg.Throttle.Participating.MinLimit; i++ {
		require.Equal(t, Accept, th.RecordAndClassify(peer))
	}
	assert.Equal(t, Reject, th.RecordAndClassify(peer))

	clock.Advance(4 * time.Minute)
	assert.Equal(t, Reject, th.RecordAndClassify(peer), "lifetime/2 has not elapsed")
	clock.Advance(time.Minute + time.Second)
	assert.Equal(t, Accept, th.RecordAndClassify(peer))
}

func TestThrottleMonotonicity(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("classification never decreases within a period", prop.ForAll(
		func(load, tier, calls int) string {
			clock := monotonic.NewManual(testEpoch)
			peer := hashOf(5)
			bans := newFakeBanlist()
			th := newRequestThrottler(load, fixedTiers{peer: PeerTier(tier)}, bans, clock)

			prev := Accept
			drops := 0
			for i := 1; i <= calls; i++ {
				c := th.RecordAndClassify(peer)
				if c < prev {
					return fmt.Sprintf("call %d classified %s after %s", i, c, prev)
				}
				if c == Drop {
					drops++
				}
				prev = c
			}
			if drops > 0 && bans.bans(peer) != 1 {
				return fmt.Sprintf("expected one ban, got %d", bans.bans(peer))
			}
			if drops == 0 && bans.bans(peer) != 0 {
				return "banned without dropping"
			}
			return ""
		},
		gen.IntRange(0, 5000),
		gen.IntRange(0, 2),
		gen.IntRange(1, 700),
	))

	properties.TestingRun(t)
}
