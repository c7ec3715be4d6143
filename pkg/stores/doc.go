// Package stores provides the persistence layer for Loom. It includes
// SQLite-based storage with WAL mode and connection pooling for node state,
// run history, per-run node outcomes, and the orchestration event log. The
// SQLite store satisfies the engine's StateStore and EventSink contracts.
package stores
