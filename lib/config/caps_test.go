package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBandwidthClassFromRate(t *testing.T) {
	tests := []struct {
		name        string
		bytesPerSec uint64
		want        BandwidthClass
	}{
		{"zero bandwidth", 0, BandwidthClassK},
		{"11 KB/s (top of K)", 11 * 1024, BandwidthClassK},
		{"12 KB/s (L boundary)", 12 * 1024, BandwidthClassL},
		{"47 KB/s (top of L)", 47 * 1024, BandwidthClassL},
		{"48 KB/s (M boundary)", 48 * 1024, BandwidthClassM},
		{"64 KB/s (N boundary)", 64 * 1024, BandwidthClassN},
		{"128 KB/s (O boundary)", 128 * 1024, BandwidthClassO},
		{"256 KB/s (P boundary)", 256 * 1024, BandwidthClassP},
		{"1999 KB/s (top of P)", 1999 * 1024, BandwidthClassP},
		{"2000 KB/s (X boundary)", 2000 * 1024, BandwidthClassX},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BandwidthClassFromRate(tt.bytesPerSec); got != tt.want {
				t.Errorf("BandwidthClassFromRate(%d) = %s, want %s", tt.bytesPerSec, got, tt.want)
			}
		})
	}
}

func TestBandwidthClassRank(t *testing.T) {
	assert.Equal(t, 0, BandwidthClassK.Rank())
	assert.Equal(t, 6, BandwidthClassX.Rank())
	assert.Less(t, BandwidthClassM.Rank(), BandwidthClassO.Rank())
	assert.Equal(t, -1, BandwidthClass("Z").Rank())
	assert.Equal(t, -1, BandwidthClass("").Rank())
}

func TestDefaultTransitShareIsClassX(t *testing.T) {
	d := Defaults()
	assert.Equal(t, BandwidthClassX, BandwidthClassFromRate(uint64(d.Router.TransitShareKBps)*1024))
}

func TestParseCaps(t *testing.T) {
	c, err := ParseCaps("XRfE")
	require.NoError(t, err)
	assert.Equal(t, Caps{
		Bandwidth:  BandwidthClassX,
		Reachable:  true,
		Floodfill:  true,
		Congestion: CongestionFlagE,
	}, c)

	c, err = ParseCaps("LU")
	require.NoError(t, err)
	assert.False(t, c.Reachable)
	assert.Equal(t, CongestionFlagNone, c.Congestion)
}

func TestParseCapsRejectsMalformed(t *testing.T) {
	for _, caps := range []string{
		"",
		"R",
		"X",
		"XLR",
		"XRU",
		"XRDE",
		"XRR",
		"XRz",
		"xr",
		"PRfHG!",
	} {
		_, err := ParseCaps(caps)
		assert.Error(t, err, "caps %q", caps)
	}
}

func TestCapsStringIsCanonical(t *testing.T) {
	c := Caps{Bandwidth: BandwidthClassP, Reachable: true, Floodfill: true, Hidden: true, Congestion: CongestionFlagG}
	assert.Equal(t, "PRfHG", c.String())

	parsed, err := ParseCaps("GHfRP")
	require.NoError(t, err)
	assert.Equal(t, c, parsed)
	assert.Equal(t, "KU", Caps{Bandwidth: BandwidthClassK}.String())
}

func TestValidateCongestionFlag(t *testing.T) {
	for _, f := range []CongestionFlag{CongestionFlagNone, CongestionFlagD, CongestionFlagE, CongestionFlagG} {
		assert.NoError(t, ValidateCongestionFlag(f))
	}
	for _, f := range []CongestionFlag{"A", "DE", "g"} {
		assert.Error(t, ValidateCongestionFlag(f))
	}
}
