/*
Package log provides structured logging for cache nodes using zerolog:
console (human) output by default, JSON output when Config.JSONOutput is
set, and
component-scoped child loggers so every subsystem's lines carry a
"component" field ("topology", "txmanager", "preloader", "eviction",
"near", "recovery", "dispatch", "membership").

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	txLog := log.WithComponent("txmanager")
	txLog.Info().Str("tx_id", tx.TxID.String()).Msg("transaction committed")

# Core Components

Config: level, JSON-vs-console output, and destination writer, set once
at process startup via Init.

WithComponent: returns a child zerolog.Logger with a "component" field,
the only context helper every subsystem needs — unlike the per-entity
helpers (node/service/task) some sibling systems carry, a cache node's
logging context is just "which subsystem" plus whatever fields that
subsystem's call site attaches (tx_id, partition, node_id, ...).
*/
package log
