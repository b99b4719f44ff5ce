// Package config provides configuration management for the tunnel build
// subsystem.
//
// Every tunable lives in one typed tree returned by Defaults and mirrored into
// viper by InitConfig, so a YAML file or environment override can change any
// of them:
//
//	router.*              bandwidth shares, participating and connection limits
//	router.congestion.*   the local congestion self-flag
//	tunnel.build.*        scheduler concurrency, timeouts, admission windows
//	tunnel.throttle.*     per-peer and global request throttles
//	tunnel.pool.*         pool sizing, tunnel lifetime, tunnel testing
//	tunnel.expiration.*   two-phase expiration offsets
//	tunnel.codec.*        duplicate-record filter sizing
//
// CurrentConfig reads the tree back out of viper and Validate checks it.
// The numeric heuristics are defaults only; each keeps the same monotonic
// response to load when tuned.
package config
