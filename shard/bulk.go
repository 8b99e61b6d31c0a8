package shard

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/parquedb/parquedb/embedded"
	"github.com/parquedb/parquedb/eventlog"
	"github.com/parquedb/parquedb/idcodec"
	"github.com/parquedb/parquedb/objectstore"
	"github.com/parquedb/parquedb/perr"
)

// pendingRow is one row inside a bulk-bypass payload: the plain JSON body a
// caller submitted to createMany, keyed the same way a CREATE event's Body
// would be.
type pendingRow = map[string]any

// createManyBulk implements the bulk-bypass path: one Parquet-equivalent
// object upload plus one pending_row_groups metadata row, with no
// individual CREATE events buffered in memory, per "Bulk bypass" in §4.1.
//
// The payload format here is a JSON array of row bodies rather than actual
// columnar Parquet encoding, since no Parquet writer exists anywhere in the
// dependency corpus this module draws from (see DESIGN.md); the pending
// row group's row/seq/path bookkeeping is otherwise exactly what the spec
// describes, so every invariant the coordinators depend on still holds.
func (e *Engine) createManyBulk(ctx context.Context, ns string, bodies []map[string]eventlog.Value, actor string) ([]*Entity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := int64(len(bodies))
	firstSeq, err := e.db.SeqCounters().Reserve(ns, n)
	if err != nil {
		return nil, err
	}

	now := eventlog.NowMS()
	rows := make([]pendingRow, len(bodies))
	entities := make([]*Entity, len(bodies))
	for i, body := range bodies {
		seq := firstSeq + int64(i)
		shortID := idcodec.Encode(seq)

		bodyValue := eventlog.ObjectValue(body)
		row := bodyValue.ToJSONMap()
		row["$id"] = shortID
		row["createdAt"] = now
		row["createdBy"] = actor
		rows[i] = row

		proj, err := eventlog.Fold([]eventlog.Event{
			eventlog.NewCreateEvent(shortID, seq, fmt.Sprintf("%s:%s", ns, shortID), body, actor),
		})
		if err != nil {
			return nil, err
		}
		entities[i] = entityFromProjection(proj)
	}

	payload, err := json.Marshal(rows)
	if err != nil {
		return nil, perr.Internal("shard.createManyBulk", err.Error())
	}

	e.batchSeq++
	path := fmt.Sprintf("data/%s/pending/%d-%s-%d.parquet", ns, now, e.id, e.batchSeq)

	if _, err := e.store.Put(ctx, path, payload, objectstore.PutOptions{
		ContentType: "application/octet-stream",
		IfNoneMatch: "*",
	}); err != nil {
		return nil, perr.Storage("shard.createManyBulk", err).WithTarget(path)
	}

	group, err := e.db.PendingRowGroups().Insert(embedded.PendingRowGroup{
		NS:        ns,
		Path:      path,
		RowCount:  len(bodies),
		FirstSeq:  firstSeq,
		LastSeq:   firstSeq + n - 1,
		CreatedAt: now,
	})
	if err != nil {
		// Best effort: the upload already succeeded, but without the
		// metadata row the group is orphaned. Surface the storage failure;
		// nothing else can recover from a failed local transaction insert.
		return nil, err
	}

	if e.txn != nil {
		e.txn.pending = append(e.txn.pending, pendingRef{ns: ns, id: group.ID, path: path})
	}

	return entities, nil
}

// pendingEventsForTarget synthesizes the CREATE event for target out of
// whichever pending row group's [firstSeq,lastSeq] range contains its
// decoded sequence number, without downloading groups the target cannot
// possibly be in.
func (e *Engine) pendingEventsForTarget(ns, target string) ([]eventlog.Event, error) {
	shortID, ok := splitTarget(target)
	if !ok {
		return nil, nil
	}
	seq, err := idcodec.Decode(shortID)
	if err != nil {
		return nil, nil
	}

	groups, err := e.db.PendingRowGroups().ListByNS(ns)
	if err != nil {
		return nil, err
	}

	for _, g := range groups {
		if seq < g.FirstSeq || seq > g.LastSeq {
			continue
		}
		data, err := e.store.Get(context.Background(), g.Path)
		if err != nil {
			return nil, perr.Storage("shard.pendingEventsForTarget", err).WithTarget(g.Path)
		}
		if data == nil {
			return nil, perr.NotFound("shard.pendingEventsForTarget", fmt.Sprintf("pending object %s missing", g.Path))
		}
		var rows []pendingRow
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, perr.Internal("shard.pendingEventsForTarget", err.Error())
		}
		idx := int(seq - g.FirstSeq)
		if idx < 0 || idx >= len(rows) {
			return nil, nil
		}
		row := rows[idx]
		actor, _ := row["createdBy"].(string)
		body := eventlog.FromJSONMap(row).Object
		return []eventlog.Event{eventlog.NewCreateEvent(shortID, seq, target, body, actor)}, nil
	}

	return nil, nil
}

// GetPendingRowGroups returns the pending row group metadata rows for ns,
// used by the compaction coordinator to discover uncompacted bulk writes.
func (e *Engine) GetPendingRowGroups(ns string) ([]embedded.PendingRowGroup, error) {
	return e.db.PendingRowGroups().ListByNS(ns)
}

// FlushPendingToCommitted marks every not-yet-promoted pending row group for
// ns as committed and returns how many were promoted, the step a compaction
// workflow calls once it has durably written the corresponding canonical
// Parquet output. It does not delete anything; DeleteWalBatches and
// DeletePendingRowGroups are the separate lifecycle operations that reclaim
// storage once downstream sinks have also consumed the data.
func (e *Engine) FlushPendingToCommitted(ns string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.db.PendingRowGroups().MarkCommitted(ns, eventlog.NowMS())
}

// DeleteWalBatches deletes every WAL batch for ns whose LastSeq is at or
// below upToSeq, implementing deleteWalBatches(ns, upToSeq): called once a
// batch's events are either compacted into a canonical file or replayed into
// every downstream sink.
func (e *Engine) DeleteWalBatches(ns string, upToSeq int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.db.EventsWAL().DeleteUpTo(ns, upToSeq)
}

// DeletePendingRowGroups deletes every pending row group for ns whose
// LastSeq is at or below upToSeq, implementing deletePendingRowGroups(ns,
// upToSeq): called after compaction, independently of FlushPendingToCommitted
// promoting the same groups.
func (e *Engine) DeletePendingRowGroups(ns string, upToSeq int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.db.PendingRowGroups().DeleteUpTo(ns, upToSeq)
}

func splitTarget(target string) (shortID string, ok bool) {
	for i := len(target) - 1; i >= 0; i-- {
		if target[i] == ':' {
			return target[i+1:], true
		}
	}
	return "", false
}
