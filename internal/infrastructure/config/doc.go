// Package config provides 12-factor configuration for the pool process.
//
// Configuration is loaded from environment variables with sensible defaults.
// The supervisor renders its options with PoolConfig.Environ and hands them to
// the child it spawns, so the pool process never parses flags.
//
// Configuration Sections:
//   - Pool: concurrency bounds, debug mode, preload module, acquire interval
//   - Logging: log level and output format
//   - Admin: optional HTTP address for /metrics and /stats
//
// Example Usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//		return err
//	}
//	p := pool.New(factory, pool.Options{Min: cfg.Pool.MinConcurrency, Max: cfg.Pool.MaxConcurrency})
//
// The command line can also overlay a YAML or TOML file onto the pool
// settings with LoadFile before they are rendered for the child.
//
// Environment Variables:
//   - SCRIPTPOOL_MIN_CONCURRENCY, SCRIPTPOOL_MAX_CONCURRENCY
//   - SCRIPTPOOL_DEBUG_MODE, SCRIPTPOOL_PRELOAD_REQUIRE, SCRIPTPOOL_ACQUIRE_INTERVAL
//   - SCRIPTPOOL_ADMIN_ADDR
//   - LOG_LEVEL, LOG_DEV
package config
