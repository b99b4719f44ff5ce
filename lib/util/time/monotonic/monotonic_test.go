package monotonic

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClockOffset(t *testing.T) {
	c := NewClock()
	assert.Zero(t, c.Offset())

	before := time.Now()
	c.SetOffset(time.Hour)
	now := c.Now()
	assert.Equal(t, time.Hour, c.Offset())
	assert.True(t, now.Sub(before) >= time.Hour, "offset should move the clock forward")
}

func TestClockConcurrentAccess(t *testing.T) {
	c := NewClock()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			c.SetOffset(time.Duration(i) * time.Second)
		}(i)
		go func() {
			defer wg.Done()
			_ = c.Now()
		}()
	}
	wg.Wait()
}

func TestManual(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := NewManual(start)
	assert.Equal(t, start, m.Now())

	got := m.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), got)
	assert.Equal(t, 90*time.Second, Since(m, start))

	m.Set(start)
	assert.Equal(t, start, m.Now())
}
