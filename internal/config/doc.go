// Package config provides 12-factor configuration management for the
// tether daemon.
//
// Configuration is loaded from environment variables with sensible
// defaults, and can be overridden by a YAML file for development setups.
//
// Configuration Sections:
//   - Server: HTTP server settings (port, host)
//   - Bus: per-instance engine tunables (buffer size, page size, threads)
//   - Logging: log level and output format
//   - RateLimit: per-IP rate limiting configuration
//   - Snapshot: instance snapshot export directory
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Listening on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//
// Environment Variables:
//   - TETHER_PORT, TETHER_HOST
//   - TETHER_BUFFER_SIZE, TETHER_PAGE_SIZE, TETHER_MAX_THREADS
//   - TETHER_LOG_LEVEL, TETHER_LOG_DEV
//   - TETHER_RATE_LIMIT_RPS, TETHER_RATE_LIMIT_BURST
package config
