/*
Package log provides structured logging for Shepherd using zerolog.

The package wraps zerolog with a global logger instance and helpers for
creating child loggers with common contextual fields (component, repo_id,
stack_name, cycle_id). All Shepherd components log through this package so
that output format and level are controlled in one place.

# Usage

Initialize once at startup, then derive component loggers:

	log.Init(log.Config{Level: log.ParseLevel(cfg.Main.LogLevel)})
	logger := log.WithComponent("reconciler")
	logger.Info().Str("stack", name).Msg("deploying stack")

Console output (human-readable, colored) is the default; JSON output is
available for log aggregation setups.

Never log URLs that may embed credentials; callers scrub userinfo first.
*/
package log
