package config

import "time"

// CongestionDefaults controls the local congestion self-flag consulted by
// admission control before any throttle is applied.
//
// Three levels are tracked from the ratio of participating tunnels to
// Router.MaxParticipating, averaged over AveragingWindow:
//   - D (Medium): elevated load, transit requests still accepted
//   - E (High): near capacity
//   - G (Critical): every transit request is rejected
//
// Values should maintain DFlagThreshold < EFlagThreshold < GFlagThreshold
// and ClearXFlagThreshold < XFlagThreshold to give each flag hysteresis.
type CongestionDefaults struct {
	DFlagThreshold float64
	EFlagThreshold float64
	GFlagThreshold float64

	ClearDFlagThreshold float64
	ClearEFlagThreshold float64
	ClearGFlagThreshold float64

	// AveragingWindow is the duration over which samples are averaged.
	// Default: 5 minutes
	AveragingWindow time.Duration

	// SampleInterval is how often a sample is taken.
	// Default: 1 second
	SampleInterval time.Duration
}

// CongestionFlag is the congestion level a router advertises for itself.
type CongestionFlag string

const (
	CongestionFlagNone CongestionFlag = ""
	CongestionFlagD    CongestionFlag = "D"
	CongestionFlagE    CongestionFlag = "E"
	CongestionFlagG    CongestionFlag = "G"
)

// CongestionLevel returns 0 for none, 1 for D, 2 for E and 3 for G.
func (f CongestionFlag) CongestionLevel() int {
	switch f {
	case CongestionFlagD:
		return 1
	case CongestionFlagE:
		return 2
	case CongestionFlagG:
		return 3
	default:
		return 0
	}
}

func (f CongestionFlag) String() string {
	return string(f)
}

func buildCongestionDefaults() CongestionDefaults {
	return CongestionDefaults{
		DFlagThreshold: 0.70,
		EFlagThreshold: 0.85,
		GFlagThreshold: 1.00,

		ClearDFlagThreshold: 0.60,
		ClearEFlagThreshold: 0.75,
		ClearGFlagThreshold: 0.95,

		AveragingWindow: 5 * time.Minute,
		SampleInterval:  time.Second,
	}
}

func validateCongestion(c CongestionDefaults) error {
	if c.DFlagThreshold < 0 || c.GFlagThreshold > 1 {
		return newValidationError("Congestion thresholds must lie within [0, 1]")
	}
	if !(c.DFlagThreshold < c.EFlagThreshold && c.EFlagThreshold < c.GFlagThreshold) {
		return newValidationError("Congestion thresholds must satisfy D < E < G")
	}
	if c.ClearDFlagThreshold >= c.DFlagThreshold ||
		c.ClearEFlagThreshold >= c.EFlagThreshold ||
		c.ClearGFlagThreshold >= c.GFlagThreshold {
		return newValidationError("Congestion clear thresholds must be below their flag thresholds")
	}
	if c.AveragingWindow <= 0 || c.SampleInterval <= 0 {
		return newValidationError("Congestion.AveragingWindow and SampleInterval must be positive")
	}
	return nil
}
