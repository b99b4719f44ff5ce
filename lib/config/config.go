package config

import (
	"os"
	"path/filepath"

	"github.com/go-i2p/logger"
	"github.com/spf13/viper"
)

var (
	CfgFile string
	log     = logger.GetGoI2PLogger()
)

const GOI2P_BASE_DIR = ".go-i2p"

// InitConfig points viper at the config file, registers defaults and
// creates the default file when none exists.
func InitConfig() {
	if CfgFile != "" {
		viper.SetConfigFile(CfgFile)
	} else {
		viper.AddConfigPath(BuildI2PDirPath())
		viper.SetConfigName("tunnelbuild")
		viper.SetConfigType("yaml")
	}

	RegisterDefaults()
	handleConfigFile()
}

func RegisterDefaults() {
	d := Defaults()

	viper.SetDefault("base_dir", d.Router.BaseDir)
	viper.SetDefault("working_dir", d.Router.WorkingDir)
	viper.SetDefault("router.transit_share_kbps", d.Router.TransitShareKBps)
	viper.SetDefault("router.outbound_kbps", d.Router.OutboundKBps)
	viper.SetDefault("router.max_participating", d.Router.MaxParticipating)
	viper.SetDefault("router.max_connections", d.Router.MaxConnections)

	viper.SetDefault("tunnel.build.request_timeout", d.Build.RequestTimeout)
	viper.SetDefault("tunnel.build.grace_window", d.Build.GraceWindow)
	viper.SetDefault("tunnel.build.loop_wait", d.Build.LoopWait)
	viper.SetDefault("tunnel.build.min_concurrent", d.Build.MinConcurrentBuilds)
	viper.SetDefault("tunnel.build.max_concurrent", d.Build.MaxConcurrentBuilds)
	viper.SetDefault("tunnel.build.per_core", d.Build.PerCoreBuilds)
	viper.SetDefault("tunnel.build.trickle", d.Build.TrickleBuilds)
	viper.SetDefault("tunnel.build.kbps_per_build", d.Build.KBpsPerBuild)
	viper.SetDefault("tunnel.build.rtt_target", d.Build.RTTTarget)
	viper.SetDefault("tunnel.build.rtt_alpha", d.Build.RTTAlpha)
	viper.SetDefault("tunnel.build.high_cpu_percent", d.Build.HighCPUPercent)
	viper.SetDefault("tunnel.build.max_job_lag", d.Build.MaxJobLag)
	viper.SetDefault("tunnel.build.shuffle_every", d.Build.ShuffleEvery)
	viper.SetDefault("tunnel.build.inbound_workers", d.Build.InboundWorkers)
	viper.SetDefault("tunnel.build.inbound_queue_size", d.Build.InboundQueueSize)
	viper.SetDefault("tunnel.build.job_workers", d.Build.JobWorkers)
	viper.SetDefault("tunnel.build.lookup_timeout", d.Build.LookupTimeout)
	viper.SetDefault("tunnel.build.lookup_rate", d.Build.LookupRate)
	viper.SetDefault("tunnel.build.legacy_max_age", d.Build.LegacyMaxAge)
	viper.SetDefault("tunnel.build.modern_max_age", d.Build.ModernMaxAge)
	viper.SetDefault("tunnel.build.max_future_skew", d.Build.MaxFutureSkew)
	viper.SetDefault("tunnel.build.violation_ban", d.Build.ViolationBanDuration)
	viper.SetDefault("tunnel.build.default_hop_kbps", d.Build.DefaultHopKBps)

	setCounterDefaults("tunnel.throttle.request", d.Throttle.Request)
	setCounterDefaults("tunnel.throttle.participating", d.Throttle.Participating)
	viper.SetDefault("tunnel.throttle.low_tier_multiplier", d.Throttle.LowTierMultiplier)
	viper.SetDefault("tunnel.throttle.default_multiplier", d.Throttle.DefaultMultiplier)
	viper.SetDefault("tunnel.throttle.high_tier_multiplier", d.Throttle.HighTierMultiplier)
	viper.SetDefault("tunnel.throttle.ban_duration", d.Throttle.BanDuration)
	viper.SetDefault("tunnel.throttle.global_buckets", d.Throttle.GlobalBuckets)
	viper.SetDefault("tunnel.throttle.global_soft_ceiling", d.Throttle.GlobalSoftCeiling)
	viper.SetDefault("tunnel.throttle.global_hard_ceiling", d.Throttle.GlobalHardCeiling)

	viper.SetDefault("tunnel.pool.length", d.Pool.Length)
	viper.SetDefault("tunnel.pool.length_variance", d.Pool.LengthVariance)
	viper.SetDefault("tunnel.pool.quantity", d.Pool.Quantity)
	viper.SetDefault("tunnel.pool.backup", d.Pool.Backup)
	viper.SetDefault("tunnel.pool.exploratory_zero_hop", d.Pool.ExploratoryZeroHop)
	viper.SetDefault("tunnel.pool.lifetime", d.Pool.TunnelLifetime)
	viper.SetDefault("tunnel.pool.default_build_time", d.Pool.DefaultBuildTime)
	viper.SetDefault("tunnel.pool.urgency", d.Pool.Urgency)
	viper.SetDefault("tunnel.pool.min_success_rate", d.Pool.MinSuccessRate)
	viper.SetDefault("tunnel.pool.success_alpha", d.Pool.SuccessAlpha)
	viper.SetDefault("tunnel.pool.max_builds", d.Pool.MaxBuildsPerPool)
	viper.SetDefault("tunnel.pool.format", d.Pool.Format)
	viper.SetDefault("tunnel.pool.test_interval", d.Pool.TestInterval)
	viper.SetDefault("tunnel.pool.test_timeout", d.Pool.TestTimeout)
	viper.SetDefault("tunnel.pool.test_failures", d.Pool.TestFailures)

	viper.SetDefault("tunnel.expiration.early_expire", d.Expiration.EarlyExpire)
	viper.SetDefault("tunnel.expiration.clock_skew_allowance", d.Expiration.ClockSkewAllowance)
	viper.SetDefault("tunnel.expiration.tick_interval", d.Expiration.TickInterval)

	viper.SetDefault("tunnel.codec.replay_min_bits", d.Codec.ReplayMinBits)
	viper.SetDefault("tunnel.codec.replay_max_bits", d.Codec.ReplayMaxBits)
	viper.SetDefault("tunnel.codec.replay_memory_fraction", d.Codec.ReplayMemoryFraction)
	viper.SetDefault("tunnel.codec.replay_false_positive", d.Codec.ReplayFalsePositive)
	viper.SetDefault("tunnel.codec.replay_rotation", d.Codec.ReplayRotation)

	viper.SetDefault("router.congestion.d_threshold", d.Congestion.DFlagThreshold)
	viper.SetDefault("router.congestion.e_threshold", d.Congestion.EFlagThreshold)
	viper.SetDefault("router.congestion.g_threshold", d.Congestion.GFlagThreshold)
	viper.SetDefault("router.congestion.clear_d_threshold", d.Congestion.ClearDFlagThreshold)
	viper.SetDefault("router.congestion.clear_e_threshold", d.Congestion.ClearEFlagThreshold)
	viper.SetDefault("router.congestion.clear_g_threshold", d.Congestion.ClearGFlagThreshold)
	viper.SetDefault("router.congestion.averaging_window", d.Congestion.AveragingWindow)
	viper.SetDefault("router.congestion.sample_interval", d.Congestion.SampleInterval)
}

func setCounterDefaults(prefix string, c CounterDefaults) {
	viper.SetDefault(prefix+".min_limit", c.MinLimit)
	viper.SetDefault(prefix+".max_limit", c.MaxLimit)
	viper.SetDefault(prefix+".percent_limit", c.PercentLimit)
	viper.SetDefault(prefix+".reset_fraction", c.ResetFraction)
}

func counterFromViper(prefix string) CounterDefaults {
	return CounterDefaults{
		MinLimit:      viper.GetInt(prefix + ".min_limit"),
		MaxLimit:      viper.GetInt(prefix + ".max_limit"),
		PercentLimit:  viper.GetInt(prefix + ".percent_limit"),
		ResetFraction: viper.GetInt(prefix + ".reset_fraction"),
	}
}

// CurrentConfig reads the configuration tree from viper. Keys that were
// never set fall back to the values registered by RegisterDefaults.
func CurrentConfig() ConfigDefaults {
	return ConfigDefaults{
		Router: RouterDefaults{
			BaseDir:          viper.GetString("base_dir"),
			WorkingDir:       viper.GetString("working_dir"),
			TransitShareKBps: viper.GetInt("router.transit_share_kbps"),
			OutboundKBps:     viper.GetInt("router.outbound_kbps"),
			MaxParticipating: viper.GetInt("router.max_participating"),
			MaxConnections:   viper.GetInt("router.max_connections"),
		},
		Build: BuildDefaults{
			RequestTimeout:       viper.GetDuration("tunnel.build.request_timeout"),
			GraceWindow:          viper.GetDuration("tunnel.build.grace_window"),
			LoopWait:             viper.GetDuration("tunnel.build.loop_wait"),
			MinConcurrentBuilds:  viper.GetInt("tunnel.build.min_concurrent"),
			MaxConcurrentBuilds:  viper.GetInt("tunnel.build.max_concurrent"),
			PerCoreBuilds:        viper.GetInt("tunnel.build.per_core"),
			TrickleBuilds:        viper.GetInt("tunnel.build.trickle"),
			KBpsPerBuild:         viper.GetInt("tunnel.build.kbps_per_build"),
			RTTTarget:            viper.GetDuration("tunnel.build.rtt_target"),
			RTTAlpha:             viper.GetFloat64("tunnel.build.rtt_alpha"),
			HighCPUPercent:       viper.GetFloat64("tunnel.build.high_cpu_percent"),
			MaxJobLag:            viper.GetDuration("tunnel.build.max_job_lag"),
			ShuffleEvery:         viper.GetInt("tunnel.build.shuffle_every"),
			InboundWorkers:       viper.GetInt("tunnel.build.inbound_workers"),
			InboundQueueSize:     viper.GetInt("tunnel.build.inbound_queue_size"),
			JobWorkers:           viper.GetInt("tunnel.build.job_workers"),
			LookupTimeout:        viper.GetDuration("tunnel.build.lookup_timeout"),
			LookupRate:           viper.GetFloat64("tunnel.build.lookup_rate"),
			LegacyMaxAge:         viper.GetDuration("tunnel.build.legacy_max_age"),
			ModernMaxAge:         viper.GetDuration("tunnel.build.modern_max_age"),
			MaxFutureSkew:        viper.GetDuration("tunnel.build.max_future_skew"),
			ViolationBanDuration: viper.GetDuration("tunnel.build.violation_ban"),
			DefaultHopKBps:       viper.GetInt("tunnel.build.default_hop_kbps"),
		},
		Throttle: ThrottleDefaults{
			Request:            counterFromViper("tunnel.throttle.request"),
			Participating:      counterFromViper("tunnel.throttle.participating"),
			LowTierMultiplier:  viper.GetFloat64("tunnel.throttle.low_tier_multiplier"),
			DefaultMultiplier:  viper.GetFloat64("tunnel.throttle.default_multiplier"),
			HighTierMultiplier: viper.GetFloat64("tunnel.throttle.high_tier_multiplier"),
			BanDuration:        viper.GetDuration("tunnel.throttle.ban_duration"),
			GlobalBuckets:      viper.GetInt("tunnel.throttle.global_buckets"),
			GlobalSoftCeiling:  viper.GetInt("tunnel.throttle.global_soft_ceiling"),
			GlobalHardCeiling:  viper.GetInt("tunnel.throttle.global_hard_ceiling"),
		},
		Pool: PoolDefaults{
			Length:             viper.GetInt("tunnel.pool.length"),
			LengthVariance:     viper.GetInt("tunnel.pool.length_variance"),
			Quantity:           viper.GetInt("tunnel.pool.quantity"),
			Backup:             viper.GetInt("tunnel.pool.backup"),
			ExploratoryZeroHop: viper.GetBool("tunnel.pool.exploratory_zero_hop"),
			TunnelLifetime:     viper.GetDuration("tunnel.pool.lifetime"),
			DefaultBuildTime:   viper.GetDuration("tunnel.pool.default_build_time"),
			Urgency:            viper.GetFloat64("tunnel.pool.urgency"),
			MinSuccessRate:     viper.GetFloat64("tunnel.pool.min_success_rate"),
			SuccessAlpha:       viper.GetFloat64("tunnel.pool.success_alpha"),
			MaxBuildsPerPool:   viper.GetInt("tunnel.pool.max_builds"),
			Format:             viper.GetString("tunnel.pool.format"),
			TestInterval:       viper.GetDuration("tunnel.pool.test_interval"),
			TestTimeout:        viper.GetDuration("tunnel.pool.test_timeout"),
			TestFailures:       viper.GetInt("tunnel.pool.test_failures"),
		},
		Expiration: ExpirationDefaults{
			EarlyExpire:        viper.GetDuration("tunnel.expiration.early_expire"),
			ClockSkewAllowance: viper.GetDuration("tunnel.expiration.clock_skew_allowance"),
			TickInterval:       viper.GetDuration("tunnel.expiration.tick_interval"),
		},
		Codec: CodecDefaults{
			ReplayMinBits:        viper.GetInt("tunnel.codec.replay_min_bits"),
			ReplayMaxBits:        viper.GetInt("tunnel.codec.replay_max_bits"),
			ReplayMemoryFraction: viper.GetFloat64("tunnel.codec.replay_memory_fraction"),
			ReplayFalsePositive:  viper.GetFloat64("tunnel.codec.replay_false_positive"),
			ReplayRotation:       viper.GetDuration("tunnel.codec.replay_rotation"),
		},
		Congestion: CongestionDefaults{
			DFlagThreshold:      viper.GetFloat64("router.congestion.d_threshold"),
			EFlagThreshold:      viper.GetFloat64("router.congestion.e_threshold"),
			GFlagThreshold:      viper.GetFloat64("router.congestion.g_threshold"),
			ClearDFlagThreshold: viper.GetFloat64("router.congestion.clear_d_threshold"),
			ClearEFlagThreshold: viper.GetFloat64("router.congestion.clear_e_threshold"),
			ClearGFlagThreshold: viper.GetFloat64("router.congestion.clear_g_threshold"),
			AveragingWindow:     viper.GetDuration("router.congestion.averaging_window"),
			SampleInterval:      viper.GetDuration("router.congestion.sample_interval"),
		},
	}
}

func createDefaultConfig(defaultConfigDir string) {
	defaultConfigFile := filepath.Join(defaultConfigDir, "tunnelbuild.yaml")
	if err := os.MkdirAll(defaultConfigDir, 0o755); err != nil {
		log.Fatalf("Could not create config directory: %s", err)
	}

	if err := viper.SafeWriteConfigAs(defaultConfigFile); err != nil {
		log.WithError(err).Warn("Could not write default config file")
		return
	}

	log.Debugf("Created default configuration at: %s", defaultConfigFile)
}

func handleConfigFile() {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if CfgFile != "" {
				log.Fatalf("Config file %s is not found: %s", CfgFile, err)
			} else {
				createDefaultConfig(BuildI2PDirPath())
			}
		} else {
			log.Fatalf("Error reading config file: %s", err)
		}
	} else {
		log.Debugf("Using config file: %s", viper.ConfigFileUsed())
	}
}

// BuildI2PDirPath returns $HOME/.go-i2p, falling back to the working
// directory when no home directory can be determined.
func BuildI2PDirPath() string {
	return filepath.Join(userHome(), GOI2P_BASE_DIR)
}

func userHome() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	log.WithField("working_dir", wd).Warn("no home directory, using working directory")
	return wd
}
