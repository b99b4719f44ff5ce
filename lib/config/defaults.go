package config

import (
	"path/filepath"
	"time"

	"github.com/go-i2p/logger"
)

// ConfigDefaults contains every tunable of the tunnel build subsystem.
// Each section maps onto a viper key prefix (see RegisterDefaults).
type ConfigDefaults struct {
	Router     RouterDefaults
	Build      BuildDefaults
	Throttle   ThrottleDefaults
	Pool       PoolDefaults
	Expiration ExpirationDefaults
	Codec      CodecDefaults
	Congestion CongestionDefaults
}

// RouterDefaults contains the router-wide resources the build subsystem draws on.
type RouterDefaults struct {
	// BaseDir is where per-system defaults are stored
	// Default: $HOME/.go-i2p/base
	BaseDir string

	// WorkingDir is where runtime files are modified
	// Default: $HOME/.go-i2p/config
	WorkingDir string

	// TransitShareKBps is the bandwidth offered to participating tunnels.
	// Default: 2048 KBps
	TransitShareKBps int

	// OutboundKBps is the outbound bandwidth limit used to size the build budget.
	// Default: 512 KBps
	OutboundKBps int

	// MaxParticipating is the hard limit on tunnels where we act as a transit hop.
	// Default: 15000
	MaxParticipating int

	// MaxConnections is the transport connection limit consulted by admission control.
	// Default: 200
	MaxConnections int
}

// BuildDefaults configures the build scheduler and the protocol handler.
type BuildDefaults struct {
	// RequestTimeout is the authoritative expiration of a build attempt.
	// Default: 10 seconds
	RequestTimeout time.Duration

	// GraceWindow is how long a late reply is still credited after expiration.
	// Default: 60 seconds
	GraceWindow time.Duration

	// LoopWait bounds the scheduler's idle wait between iterations.
	// Default: 100 milliseconds
	LoopWait time.Duration

	// MinConcurrentBuilds is the floor of the allowed concurrency.
	// Default: 2
	MinConcurrentBuilds int

	// MaxConcurrentBuilds caps the allowed concurrency.
	// Default: 40
	MaxConcurrentBuilds int

	// PerCoreBuilds scales the core-count ceiling.
	// Default: 8
	PerCoreBuilds int

	// TrickleBuilds is the concurrency used under sustained overload.
	// Default: 1
	TrickleBuilds int

	// KBpsPerBuild is the outbound bandwidth reserved per concurrent build.
	// Default: 6 KBps
	KBpsPerBuild int

	// RTTTarget is the average build round trip above which concurrency shrinks.
	// Default: 1 second
	RTTTarget time.Duration

	// RTTAlpha is the EWMA weight given to each new round-trip sample.
	// Default: 0.2
	RTTAlpha float64

	// HighCPUPercent is the CPU load above which builds collapse to a trickle.
	// Default: 90
	HighCPUPercent float64

	// MaxJobLag is the job queue lag above which builds collapse to a trickle.
	// Default: 2 seconds
	MaxJobLag time.Duration

	// ShuffleEvery randomises the pool ordering every N scheduler iterations.
	// Default: 5
	ShuffleEvery int

	// InboundWorkers is the number of goroutines draining inbound build messages.
	// Default: 4
	InboundWorkers int

	// InboundQueueSize bounds the inbound build message queue.
	// Default: 256
	InboundQueueSize int

	// JobWorkers is the number of goroutines running asynchronous jobs.
	// Default: 2
	JobWorkers int

	// LookupTimeout bounds an asynchronous next-hop lookup.
	// Default: 15 seconds
	LookupTimeout time.Duration

	// LookupRate limits asynchronous next-hop lookups per second.
	// Default: 50
	LookupRate float64

	// LegacyMaxAge is the oldest accepted legacy request time (hour granularity).
	// Default: 65 minutes
	LegacyMaxAge time.Duration

	// ModernMaxAge is the oldest accepted modern request time (minute granularity).
	// Default: 8 minutes
	ModernMaxAge time.Duration

	// MaxFutureSkew is how far in the future a request time may be.
	// Default: 5 minutes
	MaxFutureSkew time.Duration

	// ViolationBanDuration is how long a peer is banned after a protocol violation.
	// Default: 30 minutes
	ViolationBanDuration time.Duration

	// DefaultHopKBps is allocated to a hop whose request carries no bandwidth hint.
	// Default: 32 KBps
	DefaultHopKBps int
}

// CounterDefaults configures one per-peer throttle counter.
type CounterDefaults struct {
	// MinLimit and MaxLimit clamp the load-scaled accept limit.
	MinLimit int
	MaxLimit int

	// PercentLimit is the accept limit as a percentage of participating tunnels.
	PercentLimit int

	// ResetFraction resets the counters every TunnelLifetime / ResetFraction.
	ResetFraction int
}

// ThrottleDefaults configures the throttle bank.
type ThrottleDefaults struct {
	// Request throttles requests by previous hop.
	// Default: 20-200, 12%, reset every lifetime/3
	Request CounterDefaults

	// Participating throttles participation by next hop.
	// Default: 15-150, 3%, reset every lifetime/2
	Participating CounterDefaults

	// LowTierMultiplier scales the drop ceiling for unreachable or slow peers.
	// Default: 1.5
	LowTierMultiplier float64

	// DefaultMultiplier scales the drop ceiling for ordinary peers.
	// Default: 2.0
	DefaultMultiplier float64

	// HighTierMultiplier scales the drop ceiling for high-bandwidth peers.
	// Default: 3.0
	HighTierMultiplier float64

	// BanDuration is how long a peer that crosses the drop ceiling is banned.
	// Default: 15 minutes
	BanDuration time.Duration

	// GlobalBuckets is the number of buckets covering the one second window.
	// Default: 10
	GlobalBuckets int

	// GlobalSoftCeiling is where probabilistic drops start.
	// Default: 60 requests per second
	GlobalSoftCeiling int

	// GlobalHardCeiling is where every request is dropped.
	// Default: 120 requests per second
	GlobalHardCeiling int
}

// PoolDefaults configures tunnel pools.
type PoolDefaults struct {
	// Length is the number of remote hops per tunnel.
	// Default: 3
	Length int

	// LengthVariance randomly adds 0..LengthVariance hops.
	// Default: 0
	LengthVariance int

	// Quantity is the number of tunnels a pool keeps.
	// Default: 2
	Quantity int

	// Backup is the number of spare tunnels a pool keeps.
	// Default: 1
	Backup int

	// ExploratoryZeroHop allows exploratory pools to fall back to zero-hop tunnels.
	// Default: true
	ExploratoryZeroHop bool

	// TunnelLifetime is how long tunnels stay active.
	// Default: 10 minutes
	TunnelLifetime time.Duration

	// DefaultBuildTime seeds the average build time before any sample exists.
	// Default: 5 seconds
	DefaultBuildTime time.Duration

	// Urgency is the multiple of the average build time before expiration at
	// which a tunnel stops counting as usable.
	// Default: 2
	Urgency float64

	// MinSuccessRate bounds the success-rate boost.
	// Default: 0.25
	MinSuccessRate float64

	// SuccessAlpha is the EWMA weight of each build outcome.
	// Default: 0.25
	SuccessAlpha float64

	// MaxBuildsPerPool caps attempts requested by one pool per tick.
	// Default: 8
	MaxBuildsPerPool int

	// Format is the record format used for new builds ("modern" or "legacy").
	// Default: modern
	Format string

	// TestInterval is how often to test tunnel health.
	// Default: 60 seconds
	TestInterval time.Duration

	// TestTimeout is maximum time to wait for a test response.
	// Default: 5 seconds
	TestTimeout time.Duration

	// TestFailures is how many consecutive failures remove a tunnel.
	// Default: 2
	TestFailures int
}

// ExpirationDefaults configures two-phase tunnel expiration.
type ExpirationDefaults struct {
	// EarlyExpire is how long before expiration a tunnel leaves the pool.
	// Default: 60 seconds
	EarlyExpire time.Duration

	// ClockSkewAllowance is added to expiration before the tunnel is unregistered.
	// Default: 60 seconds
	ClockSkewAllowance time.Duration

	// TickInterval is how often the expiration queue is drained.
	// Default: 1 second
	TickInterval time.Duration
}

// CodecDefaults configures the record codec's duplicate filter.
type CodecDefaults struct {
	// ReplayMinBits and ReplayMaxBits clamp the log2 bit size of each filter.
	// Default: 16 and 24
	ReplayMinBits int
	ReplayMaxBits int

	// ReplayMemoryFraction is the share of available memory the filter may use.
	// Default: 0.0005
	ReplayMemoryFraction float64

	// ReplayFalsePositive is the target false positive rate.
	// Default: 0.001
	ReplayFalsePositive float64

	// ReplayRotation is how often the older generation is discarded.
	// Default: 35 minutes
	ReplayRotation time.Duration
}

// Defaults returns the default configuration.
func Defaults() ConfigDefaults {
	baseDir := filepath.Join(BuildI2PDirPath(), "base")
	workingDir := filepath.Join(BuildI2PDirPath(), "config")

	return ConfigDefaults{
		Router:     buildRouterDefaults(baseDir, workingDir),
		Build:      buildBuildDefaults(),
		Throttle:   buildThrottleDefaults(),
		Pool:       buildPoolDefaults(),
		Expiration: buildExpirationDefaults(),
		Codec:      buildCodecDefaults(),
		Congestion: buildCongestionDefaults(),
	}
}

func buildRouterDefaults(baseDir, workingDir string) RouterDefaults {
	return RouterDefaults{
		BaseDir:          baseDir,
		WorkingDir:       workingDir,
		TransitShareKBps: 2048,
		OutboundKBps:     512,
		MaxParticipating: 15000,
		MaxConnections:   200,
	}
}

func buildBuildDefaults() BuildDefaults {
	return BuildDefaults{
		RequestTimeout:       10 * time.Second,
		GraceWindow:          60 * time.Second,
		LoopWait:             100 * time.Millisecond,
		MinConcurrentBuilds:  2,
		MaxConcurrentBuilds:  40,
		PerCoreBuilds:        8,
		TrickleBuilds:        1,
		KBpsPerBuild:         6,
		RTTTarget:            time.Second,
		RTTAlpha:             0.2,
		HighCPUPercent:       90,
		MaxJobLag:            2 * time.Second,
		ShuffleEvery:         5,
		InboundWorkers:       4,
		InboundQueueSize:     256,
		JobWorkers:           2,
		LookupTimeout:        15 * time.Second,
		LookupRate:           50,
		LegacyMaxAge:         65 * time.Minute,
		ModernMaxAge:         8 * time.Minute,
		MaxFutureSkew:        5 * time.Minute,
		ViolationBanDuration: 30 * time.Minute,
		DefaultHopKBps:       32,
	}
}

func buildThrottleDefaults() ThrottleDefaults {
	return ThrottleDefaults{
		Request: CounterDefaults{
			MinLimit:      20,
			MaxLimit:      200,
			PercentLimit:  12,
			ResetFraction: 3,
		},
		Participating: CounterDefaults{
			MinLimit:      15,
			MaxLimit:      150,
			PercentLimit:  3,
			ResetFraction: 2,
		},
		LowTierMultiplier:  1.5,
		DefaultMultiplier:  2.0,
		HighTierMultiplier: 3.0,
		BanDuration:        15 * time.Minute,
		GlobalBuckets:      10,
		GlobalSoftCeiling:  60,
		GlobalHardCeiling:  120,
	}
}

func buildPoolDefaults() PoolDefaults {
	return PoolDefaults{
		Length:             3,
		LengthVariance:     0,
		Quantity:           2,
		Backup:             1,
		ExploratoryZeroHop: true,
		TunnelLifetime:     10 * time.Minute,
		DefaultBuildTime:   5 * time.Second,
		Urgency:            2,
		MinSuccessRate:     0.25,
		SuccessAlpha:       0.25,
		MaxBuildsPerPool:   8,
		Format:             "modern",
		TestInterval:       60 * time.Second,
		TestTimeout:        5 * time.Second,
		TestFailures:       2,
	}
}

func buildExpirationDefaults() ExpirationDefaults {
	return ExpirationDefaults{
		EarlyExpire:        60 * time.Second,
		ClockSkewAllowance: 60 * time.Second,
		TickInterval:       time.Second,
	}
}

func buildCodecDefaults() CodecDefaults {
	return CodecDefaults{
		ReplayMinBits:        16,
		ReplayMaxBits:        24,
		ReplayMemoryFraction: 0.0005,
		ReplayFalsePositive:  0.001,
		ReplayRotation:       35 * time.Minute,
	}
}

// Validate checks every section and returns the first violation.
func Validate(cfg ConfigDefaults) error {
	log.WithFields(logger.Fields{
		"at":     "ValidateConfigDefaults",
		"reason": "verification_requested",
	}).Debug("validating configuration defaults")
	return runConfigValidators(cfg)
}

func runConfigValidators(cfg ConfigDefaults) error {
	validators := []func() error{
		func() error { return validateRouter(cfg.Router) },
		func() error { return validateBuild(cfg.Build) },
		func() error { return validateThrottle(cfg.Throttle) },
		func() error { return validatePool(cfg.Pool) },
		func() error { return validateExpiration(cfg.Expiration, cfg.Pool) },
		func() error { return validateCodec(cfg.Codec) },
		func() error { return validateCongestion(cfg.Congestion) },
	}

	for _, validator := range validators {
		if err := validator(); err != nil {
			log.WithError(err).Error("Configuration validation failed")
			return err
		}
	}
	log.WithFields(logger.Fields{
		"at":     "ValidateConfigDefaults",
		"reason": "all_validators_passed",
	}).Debug("all configuration validations passed successfully")
	return nil
}

func validateRouter(router RouterDefaults) error {
	if router.TransitShareKBps < 0 || router.OutboundKBps < 1 {
		log.WithFields(logger.Fields{
			"at":                 "validateRouterConfig",
			"reason":             "bandwidth_out_of_range",
			"transit_share_kbps": router.TransitShareKBps,
			"outbound_kbps":      router.OutboundKBps,
		}).Error("invalid router configuration")
		return newValidationError("Router.OutboundKBps must be at least 1 and TransitShareKBps non-negative")
	}
	if router.MaxParticipating < 0 || router.MaxConnections < 1 {
		return newValidationError("Router.MaxConnections must be at least 1 and MaxParticipating non-negative")
	}
	return nil
}

func validateBuild(build BuildDefaults) error {
	if build.RequestTimeout <= 0 || build.GraceWindow < 0 {
		log.WithFields(logger.Fields{
			"at":              "validateBuildConfig",
			"reason":          "timeout_out_of_range",
			"request_timeout": build.RequestTimeout,
			"grace_window":    build.GraceWindow,
		}).Error("invalid build configuration")
		return newValidationError("Build.RequestTimeout must be positive and GraceWindow non-negative")
	}
	if build.LoopWait <= 0 || build.LoopWait > time.Second {
		return newValidationError("Build.LoopWait must be between 1ns and 1s")
	}
	if build.MinConcurrentBuilds < 1 || build.MaxConcurrentBuilds < build.MinConcurrentBuilds {
		log.WithFields(logger.Fields{
			"at":                    "validateBuildConfig",
			"reason":                "concurrency_out_of_range",
			"min_concurrent_builds": build.MinConcurrentBuilds,
			"max_concurrent_builds": build.MaxConcurrentBuilds,
		}).Error("invalid build configuration")
		return newValidationError("Build.MaxConcurrentBuilds must be >= MinConcurrentBuilds >= 1")
	}
	if build.TrickleBuilds < 1 || build.PerCoreBuilds < 1 || build.KBpsPerBuild < 1 {
		return newValidationError("Build.TrickleBuilds, PerCoreBuilds and KBpsPerBuild must be at least 1")
	}
	if build.RTTAlpha <= 0 || build.RTTAlpha > 1 {
		return newValidationError("Build.RTTAlpha must be in (0, 1]")
	}
	if build.InboundWorkers < 1 || build.InboundQueueSize < 1 || build.JobWorkers < 1 {
		return newValidationError("Build.InboundWorkers, InboundQueueSize and JobWorkers must be at least 1")
	}
	if build.LegacyMaxAge < time.Hour {
		return newValidationError("Build.LegacyMaxAge must cover at least one hour of rounding")
	}
	if build.ModernMaxAge < time.Minute || build.MaxFutureSkew <= 0 {
		return newValidationError("Build.ModernMaxAge must be at least 1m and MaxFutureSkew positive")
	}
	return nil
}

func validateCounter(name string, c CounterDefaults) error {
	if c.MinLimit < 1 || c.MaxLimit < c.MinLimit {
		log.WithFields(logger.Fields{
			"at":        "validateThrottleConfig",
			"reason":    "limits_out_of_range",
			"counter":   name,
			"min_limit": c.MinLimit,
			"max_limit": c.MaxLimit,
		}).Error("invalid throttle configuration")
		return newValidationError("Throttle." + name + ".MaxLimit must be >= MinLimit >= 1")
	}
	if c.PercentLimit < 1 || c.ResetFraction < 1 {
		return newValidationError("Throttle." + name + ".PercentLimit and ResetFraction must be at least 1")
	}
	return nil
}

func validateThrottle(t ThrottleDefaults) error {
	if err := validateCounter("Request", t.Request); err != nil {
		return err
	}
	if err := validateCounter("Participating", t.Participating); err != nil {
		return err
	}
	if t.LowTierMultiplier < 1 || t.DefaultMultiplier < t.LowTierMultiplier || t.HighTierMultiplier < t.DefaultMultiplier {
		log.WithFields(logger.Fields{
			"at":                   "validateThrottleConfig",
			"reason":               "tier_multipliers_not_ordered",
			"low_tier_multiplier":  t.LowTierMultiplier,
			"default_multiplier":   t.DefaultMultiplier,
			"high_tier_multiplier": t.HighTierMultiplier,
		}).Error("invalid throttle configuration")
		return newValidationError("Throttle multipliers must satisfy 1 <= low <= default <= high")
	}
	if t.GlobalBuckets < 1 || t.GlobalSoftCeiling < 1 || t.GlobalHardCeiling < t.GlobalSoftCeiling {
		return newValidationError("Throttle.GlobalHardCeiling must be >= GlobalSoftCeiling >= 1 with at least one bucket")
	}
	return nil
}

func validatePool(pool PoolDefaults) error {
	if pool.Length < 1 || pool.Length+pool.LengthVariance > 7 {
		log.WithFields(logger.Fields{
			"at":              "validatePoolConfig",
			"reason":          "tunnel_length_out_of_range",
			"length":          pool.Length,
			"length_variance": pool.LengthVariance,
			"valid_range":     "1-7",
		}).Error("invalid pool configuration")
		return newValidationError("Pool.Length plus LengthVariance must be between 1 and 7")
	}
	if pool.Quantity < 1 || pool.Backup < 0 {
		return newValidationError("Pool.Quantity must be at least 1 and Backup non-negative")
	}
	if pool.TunnelLifetime <= 0 || pool.DefaultBuildTime <= 0 {
		return newValidationError("Pool.TunnelLifetime and DefaultBuildTime must be positive")
	}
	if pool.MinSuccessRate <= 0 || pool.MinSuccessRate > 1 || pool.SuccessAlpha <= 0 || pool.SuccessAlpha > 1 {
		return newValidationError("Pool.MinSuccessRate and SuccessAlpha must be in (0, 1]")
	}
	if pool.Format != "modern" && pool.Format != "legacy" {
		return newValidationError("Pool.Format must be \"modern\" or \"legacy\"")
	}
	if pool.MaxBuildsPerPool < 1 || pool.TestFailures < 1 {
		return newValidationError("Pool.MaxBuildsPerPool and TestFailures must be at least 1")
	}
	return nil
}

func validateExpiration(exp ExpirationDefaults, pool PoolDefaults) error {
	if exp.EarlyExpire < 0 || exp.EarlyExpire >= pool.TunnelLifetime {
		log.WithFields(logger.Fields{
			"at":              "validateExpirationConfig",
			"reason":          "early_expire_out_of_range",
			"early_expire":    exp.EarlyExpire,
			"tunnel_lifetime": pool.TunnelLifetime,
		}).Error("invalid expiration configuration")
		return newValidationError("Expiration.EarlyExpire must be shorter than Pool.TunnelLifetime")
	}
	if exp.ClockSkewAllowance < 0 || exp.TickInterval <= 0 {
		return newValidationError("Expiration.ClockSkewAllowance must be non-negative and TickInterval positive")
	}
	return nil
}

func validateCodec(codec CodecDefaults) error {
	if codec.ReplayMinBits < 3 || codec.ReplayMaxBits < codec.ReplayMinBits || codec.ReplayMaxBits > 32 {
		return newValidationError("Codec.ReplayMaxBits must be >= ReplayMinBits >= 3 and at most 32")
	}
	if codec.ReplayFalsePositive <= 0 || codec.ReplayFalsePositive >= 1 {
		return newValidationError("Codec.ReplayFalsePositive must be in (0, 1)")
	}
	if codec.ReplayRotation <= 0 {
		return newValidationError("Codec.ReplayRotation must be positive")
	}
	return nil
}

type validationError struct {
	message string
}

func newValidationError(message string) error {
	return &validationError{message: message}
}

func (e *validationError) Error() string {
	return "configuration validation failed: " + e.message
}
