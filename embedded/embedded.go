// Package embedded wraps a bbolt database with the typed bucket repositories
// a shard needs: events_wal, pending_row_groups, seq_counters, and
// relationships, per §6's persisted state layout. It is adapted directly
// from db/bolt/bolt.go's thin JSON-over-bbolt wrapper, generalized from a
// single flat key/value store into named, typed repositories.
package embedded

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/parquedb/parquedb/perr"
)

// Bucket names, one per logical table from spec §6.
const (
	BucketEventsWAL        = "events_wal"
	BucketPendingRowGroups = "pending_row_groups"
	BucketSeqCounters      = "seq_counters"
	BucketRelationships    = "relationships"
)

var allBuckets = []string{BucketEventsWAL, BucketPendingRowGroups, BucketSeqCounters, BucketRelationships}

// DB wraps a bbolt database and ensures the shard's buckets exist.
type DB struct {
	bolt *bolt.DB
}

// Open opens (creating if necessary) the embedded database at path and
// ensures all shard buckets exist, so sequence counters and WAL rows survive
// restarts as required by the spec.
func Open(path string) (*DB, error) {
	b, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, perr.Storage("embedded.Open", err)
	}

	db := &DB{bolt: b}
	for _, name := range allBuckets {
		if err := db.createBucket(name); err != nil {
			b.Close()
			return nil, err
		}
	}
	return db, nil
}

func (db *DB) createBucket(name string) error {
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return perr.Storage("embedded.createBucket", err)
	}
	return nil
}

// Close closes the underlying bbolt database.
func (db *DB) Close() error {
	if err := db.bolt.Close(); err != nil {
		return perr.Storage("embedded.Close", err)
	}
	return nil
}

func (db *DB) putJSON(bucket, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return perr.Internal("embedded.putJSON", err.Error())
	}
	err = db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return perr.Storage("embedded.putJSON", err)
	}
	return nil
}

func (db *DB) getJSON(bucket, key string, value interface{}) (bool, error) {
	var found bool
	err := db.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, value)
	})
	if err != nil {
		return false, perr.Storage("embedded.getJSON", err)
	}
	return found, nil
}

func (db *DB) delete(bucket, key string) error {
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return perr.Storage("embedded.delete", err)
	}
	return nil
}

func (db *DB) forEach(bucket string, fn func(key, value []byte) error) error {
	err := db.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		return b.ForEach(fn)
	})
	if err != nil {
		return perr.Storage("embedded.forEach", err)
	}
	return nil
}

// EventsWAL returns the WAL batch repository.
func (db *DB) EventsWAL() *EventsWALRepo { return &EventsWALRepo{db: db} }

// PendingRowGroups returns the pending row group repository.
func (db *DB) PendingRowGroups() *PendingRowGroupsRepo { return &PendingRowGroupsRepo{db: db} }

// SeqCounters returns the sequence counter repository.
func (db *DB) SeqCounters() *SeqCountersRepo { return &SeqCountersRepo{db: db} }

// Relationships returns the relationship repository.
func (db *DB) Relationships() *RelationshipsRepo { return &RelationshipsRepo{db: db} }
