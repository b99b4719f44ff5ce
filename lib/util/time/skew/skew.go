package skew

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTooOld is returned for timestamps older than the window allows.
	ErrTooOld = errors.New("clock skew: timestamp too far in the past")
	// ErrTooNew is returned for timestamps too far in the future.
	ErrTooNew = errors.New("clock skew: timestamp too far in the future")
	// ErrZeroTimestamp is returned for a zero declared time.
	ErrZeroTimestamp = errors.New("clock skew: timestamp is zero")
)

// Window describes how far a declared time may stray from now.
type Window struct {
	// Granularity is the unit the declared time was rounded to.
	Granularity time.Duration
	// MaxAge is the largest accepted age after rounding now down.
	MaxAge time.Duration
	// MaxFuture is how far ahead of now the declared time may be.
	MaxFuture time.Duration
}

// Check returns nil when declared falls inside the window around now.
func (w Window) Check(declared, now time.Time) error {
	if declared.IsZero() {
		return ErrZeroTimestamp
	}
	rounded := now
	if w.Granularity > 0 {
		rounded = now.Truncate(w.Granularity)
	}

	age := rounded.Sub(declared)
	if age > w.MaxAge {
		return fmt.Errorf("%w: %s old (max %s)", ErrTooOld, age, w.MaxAge)
	}
	if ahead := declared.Sub(now); ahead > w.MaxFuture {
		return fmt.Errorf("%w: %s ahead (max %s)", ErrTooNew, ahead, w.MaxFuture)
	}
	return nil
}

// Round truncates t to the window's granularity, which is what a sender
// puts on the wire.
func (w Window) Round(t time.Time) time.Time {
	if w.Granularity <= 0 {
		return t
	}
	return t.Truncate(w.Granularity)
}
