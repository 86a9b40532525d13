// Package stores provides the SQLite-backed registry for Cookie Guardian.
// It holds monitored items with their leases, the append-only audit log,
// extraction metadata, run summaries and the budget ledger. The database runs
// in WAL mode with synchronous commits so a crash loses at most the in-flight
// task, whose lease then expires and is reclaimed.
package stores
