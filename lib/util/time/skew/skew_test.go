package skew

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowCheck(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 37, 20, 0, time.UTC)
	hourly := Window{Granularity: time.Hour, MaxAge: 65 * time.Minute, MaxFuture: 5 * time.Minute}
	minutely := Window{Granularity: time.Minute, MaxAge: 8 * time.Minute, MaxFuture: 5 * time.Minute}

	tests := []struct {
		name     string
		window   Window
		declared time.Time
		want     error
	}{
		{"legacy current hour", hourly, hourly.Round(now), nil},
		{"legacy previous hour", hourly, hourly.Round(now).Add(-time.Hour), nil},
		{"legacy two hours back", hourly, hourly.Round(now).Add(-2 * time.Hour), ErrTooOld},
		{"legacy next hour", hourly, hourly.Round(now).Add(time.Hour), ErrTooNew},
		{"modern current minute", minutely, minutely.Round(now), nil},
		{"modern seven minutes back", minutely, minutely.Round(now).Add(-7 * time.Minute), nil},
		{"modern nine minutes back", minutely, minutely.Round(now).Add(-9 * time.Minute), ErrTooOld},
		{"modern four minutes ahead", minutely, now.Add(4 * time.Minute), nil},
		{"modern six minutes ahead", minutely, now.Add(6 * time.Minute), ErrTooNew},
		{"zero", minutely, time.Time{}, ErrZeroTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.window.Check(tt.declared, now)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}
