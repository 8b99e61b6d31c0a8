package embedded

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/parquedb/parquedb/perr"
)

// WALBatch is one row of events_wal: a contiguous run of events for one ns,
// persisted as a single row so that flushing N events costs O(1) rows, not
// O(N) (invariant 5).
type WALBatch struct {
	ID         string `json:"id"`
	NS         string `json:"ns"`
	FirstSeq   int64  `json:"first_seq"`
	LastSeq    int64  `json:"last_seq"`
	EventCount int    `json:"event_count"`
	SizeBytes  int    `json:"size_bytes"`
	Payload    []byte `json:"payload"` // serialized []eventlog.Event
	FlushedAt  int64  `json:"flushed_at"`
}

// EventsWALRepo persists flushed event batches.
type EventsWALRepo struct {
	db *DB
}

// Insert persists a new WAL batch row, assigning it an id if not already set.
func (r *EventsWALRepo) Insert(batch WALBatch) (WALBatch, error) {
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	if err := r.db.putJSON(BucketEventsWAL, r.key(batch.NS, batch.ID), batch); err != nil {
		return WALBatch{}, err
	}
	return batch, nil
}

// ListByNS returns all WAL batches for ns, ordered by FirstSeq ascending,
// which is the order replay must fold them in.
func (r *EventsWALRepo) ListByNS(ns string) ([]WALBatch, error) {
	var batches []WALBatch
	prefix := []byte(ns + "/")
	err := r.db.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketEventsWAL))
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var batch WALBatch
			if err := json.Unmarshal(v, &batch); err != nil {
				return err
			}
			batches = append(batches, batch)
		}
		return nil
	})
	if err != nil {
		return nil, perr.Storage("embedded.EventsWALRepo.ListByNS", err)
	}
	sortBatches(batches)
	return batches, nil
}

// DeleteUpTo removes every WAL batch for ns whose LastSeq <= upToSeq,
// implementing deleteWalBatches(ns, upToSeq).
func (r *EventsWALRepo) DeleteUpTo(ns string, upToSeq int64) error {
	batches, err := r.ListByNS(ns)
	if err != nil {
		return err
	}
	for _, batch := range batches {
		if batch.LastSeq <= upToSeq {
			if err := r.db.delete(BucketEventsWAL, r.key(ns, batch.ID)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *EventsWALRepo) key(ns, id string) string {
	return fmt.Sprintf("%s/%s", ns, id)
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func sortBatches(batches []WALBatch) {
	for i := 1; i < len(batches); i++ {
		for j := i; j > 0 && batches[j-1].FirstSeq > batches[j].FirstSeq; j-- {
			batches[j-1], batches[j] = batches[j], batches[j-1]
		}
	}
}
