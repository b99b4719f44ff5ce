package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-i2p/tunnelbuild/lib/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDumpConfigRoundTrips(t *testing.T) {
	settings := map[string]interface{}{
		"tunnel": map[string]interface{}{
			"build": map[string]interface{}{
				"request_timeout": 10 * time.Second,
				"min_concurrent":  2,
			},
			"pool": map[string]interface{}{"format": "modern"},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, dumpConfig(&buf, settings))
	assert.Contains(t, buf.String(), "request_timeout: 10s")

	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(&buf))
	assert.Equal(t, 10*time.Second, v.GetDuration("tunnel.build.request_timeout"))
	assert.Equal(t, 2, v.GetInt("tunnel.build.min_concurrent"))
	assert.Equal(t, "modern", v.GetString("tunnel.pool.format"))
}

func TestReadableLeavesScalars(t *testing.T) {
	out, err := yaml.Marshal(readable(map[string]interface{}{"n": 3, "ok": true}))
	require.NoError(t, err)
	assert.Equal(t, "n: 3\nok: true\n", string(out))
}

func TestClientHashesDiffer(t *testing.T) {
	assert.NotEqual(t, clientHash(0), clientHash(1))
	assert.Equal(t, clientHash(2), clientHash(2))
}

func TestSimulationReport(t *testing.T) {
	cfg := config.Defaults()
	cfg.Pool.Length = 1
	cfg.Pool.LengthVariance = 0
	cfg.Build.LoopWait = 20 * time.Millisecond
	cfg.Router.BaseDir = t.TempDir()
	cfg.Router.WorkingDir = t.TempDir()
	setViper(t, cfg)

	var out bytes.Buffer
	err := runSimulation(context.Background(), &out, simulateOptions{
		routers:  3,
		clients:  1,
		duration: 2 * time.Second,
	})
	require.NoError(t, err)

	text := out.String()
	for _, want := range []string{"Routers", "ROUTER", "POOL", "SUCCESS RATE", "router-0(", "router-2("} {
		assert.Contains(t, text, want)
	}
	assert.Greater(t, strings.Count(text, "\n"), 10)
}

// setViper stores cfg in viper under the keys CurrentConfig reads.
func setViper(t *testing.T, cfg config.ConfigDefaults) {
	t.Helper()
	config.CfgFile = ""
	t.Cleanup(viper.Reset)
	viper.Set("tunnel.pool.length", cfg.Pool.Length)
	viper.Set("tunnel.pool.length_variance", cfg.Pool.LengthVariance)
	viper.Set("tunnel.build.loop_wait", cfg.Build.LoopWait)
	viper.Set("base_dir", cfg.Router.BaseDir)
	viper.Set("working_dir", cfg.Router.WorkingDir)
	config.RegisterDefaults()
}
