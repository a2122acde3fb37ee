// Package store provides the durable context store for operatord.
//
// The store owns all per-trace data: versioned app/motor context snapshots,
// the append-only event log, decision records, checkpoints, and the motor
// changelog. Context versions are immutable and content-addressed; advancing
// a lineage uses optimistic concurrency on the parent version, so concurrent
// writers race on ErrConflict instead of corrupting history.
//
// App and motor artifacts live in disjoint namespaces. Any write that mixes
// the two is rejected with ErrIsolationViolation and never auto-corrected.
//
// The backing database is embedded SQLite in WAL mode. All writes are durable
// before the call returns.
package store
