package config

import (
	"path/filepath"
	"testing"
	"time"
)

// TestDefaults verifies that Defaults() returns a complete configuration
// with the documented default values.
func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Router.BaseDir == "" || !filepath.IsAbs(cfg.Router.WorkingDir) {
		t.Errorf("router directories not set: base=%q working=%q", cfg.Router.BaseDir, cfg.Router.WorkingDir)
	}
	if cfg.Router.MaxParticipating != 15000 {
		t.Errorf("Router.MaxParticipating = %d, want 15000", cfg.Router.MaxParticipating)
	}
	if cfg.Build.RequestTimeout != 10*time.Second {
		t.Errorf("Build.RequestTimeout = %v, want 10s", cfg.Build.RequestTimeout)
	}
	if cfg.Build.GraceWindow != 60*time.Second {
		t.Errorf("Build.GraceWindow = %v, want 60s", cfg.Build.GraceWindow)
	}
	if cfg.Build.LegacyMaxAge != 65*time.Minute || cfg.Build.ModernMaxAge != 8*time.Minute {
		t.Errorf("request age windows = %v/%v, want 65m/8m", cfg.Build.LegacyMaxAge, cfg.Build.ModernMaxAge)
	}
	if cfg.Build.MaxFutureSkew != 5*time.Minute {
		t.Errorf("Build.MaxFutureSkew = %v, want 5m", cfg.Build.MaxFutureSkew)
	}
	if cfg.Throttle.GlobalBuckets != 10 {
		t.Errorf("Throttle.GlobalBuckets = %d, want 10", cfg.Throttle.GlobalBuckets)
	}
	if cfg.Pool.TunnelLifetime != 10*time.Minute {
		t.Errorf("Pool.TunnelLifetime = %v, want 10m", cfg.Pool.TunnelLifetime)
	}
	if cfg.Pool.Format != "modern" {
		t.Errorf("Pool.Format = %q, want modern", cfg.Pool.Format)
	}
}

// TestDefaultsValidate verifies the defaults pass their own validation.
func TestDefaultsValidate(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("Validate(Defaults()) = %v", err)
	}
}

// TestTierMultipliersOrdered verifies the drop ceiling grows with peer tier.
func TestTierMultipliersOrdered(t *testing.T) {
	th := Defaults().Throttle
	if !(th.LowTierMultiplier < th.DefaultMultiplier && th.DefaultMultiplier < th.HighTierMultiplier) {
		t.Errorf("multipliers not ordered: %v %v %v", th.LowTierMultiplier, th.DefaultMultiplier, th.HighTierMultiplier)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*ConfigDefaults)
	}{
		{"zero request timeout", func(c *ConfigDefaults) { c.Build.RequestTimeout = 0 }},
		{"negative grace window", func(c *ConfigDefaults) { c.Build.GraceWindow = -time.Second }},
		{"unbounded loop wait", func(c *ConfigDefaults) { c.Build.LoopWait = 5 * time.Second }},
		{"max below min concurrency", func(c *ConfigDefaults) { c.Build.MaxConcurrentBuilds = 1 }},
		{"rtt alpha zero", func(c *ConfigDefaults) { c.Build.RTTAlpha = 0 }},
		{"legacy window under an hour", func(c *ConfigDefaults) { c.Build.LegacyMaxAge = 30 * time.Minute }},
		{"request max below min", func(c *ConfigDefaults) { c.Throttle.Request.MaxLimit = 1 }},
		{"participating zero reset", func(c *ConfigDefaults) { c.Throttle.Participating.ResetFraction = 0 }},
		{"high tier below default", func(c *ConfigDefaults) { c.Throttle.HighTierMultiplier = 1.0 }},
		{"hard ceiling below soft", func(c *ConfigDefaults) { c.Throttle.GlobalHardCeiling = 10 }},
		{"tunnel too long", func(c *ConfigDefaults) { c.Pool.Length = 7; c.Pool.LengthVariance = 2 }},
		{"unknown format", func(c *ConfigDefaults) { c.Pool.Format = "sphinx" }},
		{"early expire past lifetime", func(c *ConfigDefaults) { c.Expiration.EarlyExpire = time.Hour }},
		{"replay bits inverted", func(c *ConfigDefaults) { c.Codec.ReplayMaxBits = 8 }},
		{"zero outbound bandwidth", func(c *ConfigDefaults) { c.Router.OutboundKBps = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			if err := Validate(cfg); err == nil {
				t.Errorf("Validate() accepted invalid configuration")
			}
		})
	}
}
