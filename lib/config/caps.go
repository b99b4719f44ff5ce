package config

import (
	"fmt"
	"strings"
)

// BandwidthClass represents a single-letter bandwidth capability flag.
//
// Spec: https://geti2p.net/spec/common-structures#router-info
type BandwidthClass string

const (
	// BandwidthClassK indicates under 12 KB/s shared bandwidth.
	BandwidthClassK BandwidthClass = "K"

	// BandwidthClassL indicates 12–48 KB/s shared bandwidth.
	BandwidthClassL BandwidthClass = "L"

	// BandwidthClassM indicates 48–64 KB/s shared bandwidth.
	BandwidthClassM BandwidthClass = "M"

	// BandwidthClassN indicates 64–128 KB/s shared bandwidth.
	BandwidthClassN BandwidthClass = "N"

	// BandwidthClassO indicates 128–256 KB/s shared bandwidth.
	BandwidthClassO BandwidthClass = "O"

	// BandwidthClassP indicates 256–2000 KB/s shared bandwidth.
	BandwidthClassP BandwidthClass = "P"

	// BandwidthClassX indicates over 2000 KB/s shared bandwidth.
	BandwidthClassX BandwidthClass = "X"
)

// bandwidthOrder lists the classes from slowest to fastest.
const bandwidthOrder = "KLMNOPX"

// BandwidthClassFromRate returns the bandwidth class letter for the given
// shared bandwidth in bytes per second.
func BandwidthClassFromRate(bytesPerSec uint64) BandwidthClass {
	kbps := bytesPerSec / 1024
	switch {
	case kbps >= 2000:
		return BandwidthClassX
	case kbps >= 256:
		return BandwidthClassP
	case kbps >= 128:
		return BandwidthClassO
	case kbps >= 64:
		return BandwidthClassN
	case kbps >= 48:
		return BandwidthClassM
	case kbps >= 12:
		return BandwidthClassL
	default:
		return BandwidthClassK
	}
}

// String returns the single-letter representation of the bandwidth class.
func (b BandwidthClass) String() string {
	return string(b)
}

// Rank orders classes from K (0) to X (6). Unknown classes rank -1.
func (b BandwidthClass) Rank() int {
	if len(b) != 1 {
		return -1
	}
	return strings.Index(bandwidthOrder, string(b))
}

// Caps is a parsed router capability string.
type Caps struct {
	Bandwidth  BandwidthClass
	Reachable  bool
	Floodfill  bool
	Hidden     bool
	Congestion CongestionFlag
}

// ParseCaps parses a caps string. It requires exactly one bandwidth class
// and one reachability flag, allows at most one congestion flag and
// rejects unknown or repeated letters.
func ParseCaps(s string) (Caps, error) {
	var (
		c                   Caps
		seen                = make(map[rune]bool)
		bw, reach, congests int
	)
	if s == "" {
		return c, newValidationError("caps string must not be empty")
	}
	for _, r := range s {
		if seen[r] {
			return c, newValidationError(fmt.Sprintf("duplicate caps flag: %c", r))
		}
		seen[r] = true

		switch {
		case strings.ContainsRune(bandwidthOrder, r):
			c.Bandwidth = BandwidthClass(r)
			bw++
		case r == 'R' || r == 'U':
			c.Reachable = r == 'R'
			reach++
		case r == 'D' || r == 'E' || r == 'G':
			c.Congestion = CongestionFlag(r)
			congests++
		case r == 'f':
			c.Floodfill = true
		case r == 'H':
			c.Hidden = true
		default:
			return c, newValidationError(fmt.Sprintf("unrecognized caps flag: %c", r))
		}
	}

	if bw != 1 {
		return c, newValidationError(fmt.Sprintf(
			"caps string must contain exactly one bandwidth class letter (K/L/M/N/O/P/X), found %d", bw))
	}
	if reach != 1 {
		return c, newValidationError(fmt.Sprintf(
			"caps string must contain exactly one reachability flag (R/U), found %d", reach))
	}
	if congests > 1 {
		return c, newValidationError(fmt.Sprintf(
			"caps string must contain at most one congestion flag (D/E/G), found %d", congests))
	}
	return c, nil
}

// String assembles the caps in canonical order:
//
//	bandwidth + reachability + [floodfill] + [hidden] + [congestion]
func (c Caps) String() string {
	var b strings.Builder
	b.WriteString(string(c.Bandwidth))
	if c.Reachable {
		b.WriteRune('R')
	} else {
		b.WriteRune('U')
	}
	if c.Floodfill {
		b.WriteRune('f')
	}
	if c.Hidden {
		b.WriteRune('H')
	}
	if c.Congestion != CongestionFlagNone {
		b.WriteString(c.Congestion.String())
	}
	return b.String()
}

// ValidateCongestionFlag checks that a CongestionFlag value is one of the
// recognized values: "" (none), "D", "E", or "G".
func ValidateCongestionFlag(flag CongestionFlag) error {
	switch flag {
	case CongestionFlagNone, CongestionFlagD, CongestionFlagE, CongestionFlagG:
		return nil
	default:
		return newValidationError(fmt.Sprintf(
			"invalid congestion flag: %q (must be empty, D, E, or G)", flag))
	}
}
