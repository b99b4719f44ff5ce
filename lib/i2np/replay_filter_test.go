package i2np

import (
	"fmt"
	"testing"
	"time"

	"github.com/go-i2p/tunnelbuild/lib/config"
	"github.com/go-i2p/tunnelbuild/lib/util/time/monotonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterBits(t *testing.T) {
	cfg := config.Defaults().Codec
	cfg.ReplayMemoryFraction = 0.001

	tests := []struct {
		name      string
		available uint64
		want      int
	}{
		{"unknown memory", 0, cfg.ReplayMinBits},
		{"small host", 1 << 20, cfg.ReplayMinBits},
		{"mid host", 1 << 31, 24},
		{"large host", 1 << 40, cfg.ReplayMaxBits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, filterBits(tt.available, cfg))
		})
	}

	// 2^30 bytes * 2^-10 * 8 = 2^23 bits
	cfg.ReplayMemoryFraction = 1.0 / 1024
	assert.Equal(t, 23, filterBits(1<<30, cfg))
}

func TestReplayFilterDetectsRepeats(t *testing.T) {
	clock := monotonic.NewManual(testNow)
	f, err := newReplayFilter(config.Defaults().Codec, 16, clock)
	require.NoError(t, err)

	assert.False(t, f.IsReplay([]byte("key-a")))
	assert.True(t, f.IsReplay([]byte("key-a")))
	assert.False(t, f.IsReplay([]byte("key-b")))
	assert.Equal(t, 2, f.Entries())
}

func TestReplayFilterRotation(t *testing.T) {
	cfg := config.Defaults().Codec
	clock := monotonic.NewManual(testNow)
	f, err := newReplayFilter(cfg, 16, clock)
	require.NoError(t, err)

	require.False(t, f.IsReplay([]byte("old")))

	// one rotation: the key survives in the previous generation
	clock.Advance(cfg.ReplayRotation + time.Second)
	assert.True(t, f.IsReplay([]byte("old")))

	// a second rotation drops it
	clock.Advance(cfg.ReplayRotation + time.Second)
	assert.False(t, f.IsReplay([]byte("old")))
}

func TestReplayFilterRotatesWhenSaturated(t *testing.T) {
	cfg := config.Defaults().Codec
	cfg.ReplayFalsePositive = 0.1
	f, err := newReplayFilter(cfg, 8, monotonic.NewManual(testNow))
	require.NoError(t, err)

	max := f.current.MaxEntries()
	for i := 0; i < 100*max && f.previous == nil; i++ {
		f.IsReplay([]byte(fmt.Sprintf("key-%d", i)))
	}
	require.NotNil(t, f.previous, "filter never rotated")
	assert.GreaterOrEqual(t, f.previous.Entries(), max)
	assert.LessOrEqual(t, f.Entries(), 1)
}
