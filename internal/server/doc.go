// Package server provides the HTTP surface of the tether daemon.
//
// This package orchestrates the outward-facing components:
//   - HTTP routing with Gin framework
//   - Middleware stack (CORS, per-IP rate limiting, request logging)
//   - Instance lifecycle REST endpoints (mount, unmount, stats)
//   - Snapshot export and allocator self-test triggers
//   - Prometheus metrics endpoint
//   - WebSocket stream of engine lifecycle events
//
// Server Lifecycle:
//  1. Load configuration from environment/flags
//  2. Initialize logger (production or development)
//  3. Mount manifest-declared instances
//  4. Setup HTTP routes and middleware
//  5. Start HTTP server
//  6. Graceful shutdown on signal
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	srv := server.New(cfg, log, instances, metrics, promReg)
//	if err := srv.Start(); err != nil {
//	    log.Fatal(err)
//	}
package server
