/*
Package log provides structured logging for dnsmgmt using zerolog.

A single global zerolog.Logger is configured once via Init and shared by
every package. Components derive child loggers so each line carries the
context an operator needs when a DNS record drifts:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("reconciler")
	logger.Info().
		Str("allocation_id", alloc.ID).
		Str("name", entry.Name).
		Msg("dns entry added")

Until Init is called the global logger discards everything, which keeps
package tests quiet.

# Fields

Conventional field names used across the code base:

  - component: reconciler, dnsclient, directory, filter, api, storage
  - allocation_id, node_id, entry_id, filter_id
  - service, zone, name, action, status

# Levels

  - debug: guard skips, per-filter evaluation
  - info: entries added/removed, resyncs
  - warn: DNS service not found, deferred updates, bad attribute payloads
  - error: remote update failures surfaced to callers
*/
package log
