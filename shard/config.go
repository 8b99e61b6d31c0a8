// Package shard implements the Shard Engine: the per-shard event log,
// namespace sequence counters, buffered-event WAL, bulk-bypass pending row
// groups, event-sourced entity reconstruction, and the relationship graph.
// It is grounded on the teacher's embedded-storage and object-store
// wrappers (embedded.DB, objectstore.Store) composed the way the teacher
// composes its db/ and storage/ packages behind a single service type.
package shard

import "time"

// Config holds the tunables named throughout §3/§4.1 of the shard design.
type Config struct {
	// BulkThreshold is the minimum body count that triggers bulk bypass in
	// createMany (default 5).
	BulkThreshold int
	// WALBatchSize is the in-memory buffer threshold per ns before an
	// automatic flush (default 100 events).
	WALBatchSize int
	// MultipartTTL is the age limit for stale multipart uploads (default
	// 30m). It is carried in Config and settable through --shard-config, but
	// the shard never reads it: the shard starts no multipart uploads and
	// runs no garbage collection of stale ones.
	MultipartTTL time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		BulkThreshold: 5,
		WALBatchSize:  100,
		MultipartTTL:  30 * time.Minute,
	}
}
