package shard

import (
	"context"

	"github.com/parquedb/parquedb/eventlog"
	"github.com/parquedb/parquedb/perr"
)

// pendingRef identifies one pending row group created during the active
// transaction, tracked so Rollback can delete both the metadata row and the
// uploaded object.
type pendingRef struct {
	ns, id, path string
}

// transaction records what Commit/Rollback need to know: a pre-begin
// snapshot of every namespace buffer (to discard in-memory growth on
// rollback) and every pending row group created since begin.
type transaction struct {
	bufferSnapshot map[string]nsBuffer
	pending        []pendingRef
}

// BeginTransaction marks a boundary; every write until Commit/Rollback
// appears atomically from the outside. Only one transaction may be open
// per shard at a time (§4.1: "Only one transaction per shard at a time").
func (e *Engine) BeginTransaction() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.txn != nil {
		return perr.Conflict("shard.BeginTransaction", "a transaction is already open on this shard")
	}

	snapshot := make(map[string]nsBuffer, len(e.buffers))
	for ns, buf := range e.buffers {
		cp := *buf
		cp.events = append([]eventlog.Event(nil), buf.events...)
		snapshot[ns] = cp
	}
	e.txn = &transaction{bufferSnapshot: snapshot}
	return nil
}

// Commit closes the open transaction, making its writes permanent: it
// drops the rollback bookkeeping, then flushes to the WAL every namespace
// whose buffer reached WALBatchSize while auto-flush was suppressed.
// Smaller buffers stay in memory until a later flush.
func (e *Engine) Commit() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.txn == nil {
		return perr.Conflict("shard.Commit", "no transaction is open on this shard")
	}
	e.txn = nil

	// Auto-flush was suppressed for every namespace while the transaction
	// was open; now that the writes are permanent, catch up on any
	// namespace that crossed WALBatchSize in the meantime.
	for ns, buf := range e.buffers {
		if buf.eventCount() >= e.cfg.WALBatchSize {
			if err := e.flushNsEventBatchLocked(ns); err != nil {
				return err
			}
		}
	}
	return nil
}

// Rollback discards in-memory buffer growth since BeginTransaction and
// deletes any pending-row-group metadata and uploaded objects created
// during the transaction.
func (e *Engine) Rollback(ctx context.Context) error {
	e.mu.Lock()
	txn := e.txn
	e.mu.Unlock()

	if txn == nil {
		return perr.Conflict("shard.Rollback", "no transaction is open on this shard")
	}

	for _, ref := range txn.pending {
		if err := e.store.Delete(ctx, ref.path); err != nil {
			return perr.Storage("shard.Rollback", err).WithTarget(ref.path)
		}
		if err := e.db.PendingRowGroups().Delete(ref.ns, ref.id); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for ns, snapshot := range txn.bufferSnapshot {
		cp := snapshot
		e.buffers[ns] = &cp
	}
	for ns, buf := range e.buffers {
		if _, hadSnapshot := txn.bufferSnapshot[ns]; !hadSnapshot {
			buf.reset()
		}
	}
	e.txn = nil
	return nil
}
