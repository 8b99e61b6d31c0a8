package embedded

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/parquedb/parquedb/perr"
)

// PendingRowGroup is one row of pending_row_groups: metadata for a Parquet
// file uploaded by bulk bypass, not yet compacted.
type PendingRowGroup struct {
	ID          string `json:"id"`
	NS          string `json:"ns"`
	Path        string `json:"path"`
	RowCount    int    `json:"row_count"`
	FirstSeq    int64  `json:"first_seq"`
	LastSeq     int64  `json:"last_seq"`
	CreatedAt   int64  `json:"created_at"`
	CommittedAt int64  `json:"committed_at"` // 0 until flushPendingToCommitted promotes it
}

// PendingRowGroupsRepo persists pending bulk-write metadata rows.
type PendingRowGroupsRepo struct {
	db *DB
}

// Insert records a new pending row group, assigning an id if absent.
func (r *PendingRowGroupsRepo) Insert(g PendingRowGroup) (PendingRowGroup, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if err := r.db.putJSON(BucketPendingRowGroups, r.key(g.NS, g.ID), g); err != nil {
		return PendingRowGroup{}, err
	}
	return g, nil
}

// ListByNS returns all pending row groups for ns, ordered by FirstSeq.
func (r *PendingRowGroupsRepo) ListByNS(ns string) ([]PendingRowGroup, error) {
	var groups []PendingRowGroup
	prefix := []byte(ns + "/")
	err := r.db.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketPendingRowGroups))
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var g PendingRowGroup
			if err := json.Unmarshal(v, &g); err != nil {
				return err
			}
			groups = append(groups, g)
		}
		return nil
	})
	if err != nil {
		return nil, perr.Storage("embedded.PendingRowGroupsRepo.ListByNS", err)
	}
	for i := 1; i < len(groups); i++ {
		for j := i; j > 0 && groups[j-1].FirstSeq > groups[j].FirstSeq; j-- {
			groups[j-1], groups[j] = groups[j], groups[j-1]
		}
	}
	return groups, nil
}

// MarkCommitted stamps every not-yet-committed pending row group for ns with
// committedAt and returns how many were promoted, implementing
// flushPendingToCommitted(ns). Promotion only marks a group as safe to
// compact; the metadata row itself is only removed later, by DeleteUpTo,
// once compaction has durably written the canonical output.
func (r *PendingRowGroupsRepo) MarkCommitted(ns string, committedAt int64) (int, error) {
	groups, err := r.ListByNS(ns)
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, g := range groups {
		if g.CommittedAt != 0 {
			continue
		}
		g.CommittedAt = committedAt
		if err := r.db.putJSON(BucketPendingRowGroups, r.key(ns, g.ID), g); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// DeleteUpTo removes pending row groups for ns whose LastSeq <= upToSeq,
// implementing deletePendingRowGroups(ns, upToSeq) after compaction.
func (r *PendingRowGroupsRepo) DeleteUpTo(ns string, upToSeq int64) error {
	groups, err := r.ListByNS(ns)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if g.LastSeq <= upToSeq {
			if err := r.db.delete(BucketPendingRowGroups, r.key(ns, g.ID)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Delete removes a single pending row group by id, used by transaction
// rollback to discard metadata created inside an aborted transaction.
func (r *PendingRowGroupsRepo) Delete(ns, id string) error {
	return r.db.delete(BucketPendingRowGroups, r.key(ns, id))
}

func (r *PendingRowGroupsRepo) key(ns, id string) string {
	return fmt.Sprintf("%s/%s", ns, id)
}
