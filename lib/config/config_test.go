package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCurrentConfigDefaultsRoundTrip verifies that every default registered
// by RegisterDefaults() is read back by CurrentConfig() from the same key.
func TestCurrentConfigDefaultsRoundTrip(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	RegisterDefaults()

	assert.Equal(t, Defaults(), CurrentConfig())
}

// TestCurrentConfigOverrides verifies that overrides reach the typed tree.
func TestCurrentConfigOverrides(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	RegisterDefaults()

	viper.Set("tunnel.build.request_timeout", "3s")
	viper.Set("tunnel.throttle.request.max_limit", 42)
	viper.Set("tunnel.pool.format", "legacy")
	viper.Set("router.congestion.g_threshold", 0.99)

	cfg := CurrentConfig()
	assert.Equal(t, 3*time.Second, cfg.Build.RequestTimeout)
	assert.Equal(t, 42, cfg.Throttle.Request.MaxLimit)
	assert.Equal(t, "legacy", cfg.Pool.Format)
	assert.InDelta(t, 0.99, cfg.Congestion.GFlagThreshold, 1e-9)
	require.NoError(t, Validate(cfg))
}

func TestBuildI2PDirPath(t *testing.T) {
	assert.Contains(t, BuildI2PDirPath(), GOI2P_BASE_DIR)
}
