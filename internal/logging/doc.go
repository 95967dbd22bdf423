// Package logging provides structured logging built on zap.
//
// Production gets JSON encoding at info level; development gets console
// encoding at debug with stacktraces. Components derive named sub-loggers
// via Named so log lines carry their origin.
package logging
