package tunnel

import (
	"testing"
	"time"

	"github.com/go-i2p/tunnelbuild/lib/util/time/monotonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRateLimiterHardCeiling(t *testing.T) {
	clock := monotonic.NewManual(testEpoch)
	l := NewBuildRateLimiter(10, 5, 5, clock)

	for i := 0; i < 5; i++ {
		require.Equal(t, Accept, l.RecordGlobal(), "call %d", i)
	}
	for i := 0; i < 20; i++ {
		assert.Equal(t, Drop, l.RecordGlobal())
	}
	assert.Equal(t, 5, l.Rate(), "dropped calls are not counted")

	// still inside the one second window
	clock.Advance(900 * time.Millisecond)
	assert.Equal(t, Drop, l.RecordGlobal())

	// the bucket holding the accepted calls has rotated out
	clock.Advance(200 * time.Millisecond)
	assert.Equal(t, Accept, l.RecordGlobal())
	assert.Equal(t, 1, l.Rate())
}

func TestBuildRateLimiterSpreadsAcrossBuckets(t *testing.T) {
	clock := monotonic.NewManual(testEpoch)
	l := NewBuildRateLimiter(10, 100, 100, clock)

	for i := 0; i < 10; i++ {
		for j := 0; j < 3; j++ {
			require.Equal(t, Accept, l.RecordGlobal())
		}
		clock.Advance(100 * time.Millisecond)
	}
	// the first bucket is now stale
	assert.Equal(t, 27, l.Rate())
}

func TestBuildRateLimiterSoftZone(t *testing.T) {
	clock := monotonic.NewManual(testEpoch)
	l := NewBuildRateLimiter(10, 4, 8, clock)

	draws := 0.99
	l.SetRandom(func() float64 { return draws })

	for i := 0; i < 4; i++ {
		require.Equal(t, Accept, l.RecordGlobal())
	}
	// sum 4: p = 0, a high draw is accepted
	assert.Equal(t, Accept, l.RecordGlobal())
	// sum 5: p = 0.25
	draws = 0.1
	assert.Equal(t, Drop, l.RecordGlobal())
	draws = 0.3
	assert.Equal(t, Accept, l.RecordGlobal())
	assert.Equal(t, 6, l.Rate())
}

func TestBuildRateLimiterCeilingScenario(t *testing.T) {
	clock := monotonic.NewManual(testEpoch)
	l := NewBuildRateLimiter(10, 30, 60, clock)
	l.SetRandom(func() float64 { return 1 })

	accepted := 0
	for i := 0; i < 500; i++ {
		if l.RecordGlobal() == Accept {
			accepted++
		}
	}
	assert.Equal(t, 60, accepted)

	// once saturated every further call within the window is dropped
	for i := 0; i < 50; i++ {
		clock.Advance(time.Millisecond)
		require.Equal(t, Drop, l.RecordGlobal())
	}
	clock.Advance(time.Second)
	assert.Equal(t, Accept, l.RecordGlobal())
}
