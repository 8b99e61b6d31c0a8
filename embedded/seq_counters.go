package embedded

import (
	"encoding/binary"

	bolt "go.etcd.io/bbolt"

	"github.com/parquedb/parquedb/perr"
)

// SeqCountersRepo persists one monotonic integer counter per (shard, ns).
// Counters are created on first use and persist forever; the first
// allocation after a restart equals the last persisted value plus one.
type SeqCountersRepo struct {
	db *DB
}

// Next atomically increments the counter for ns and returns the new value.
// The read-modify-write happens inside a single bbolt transaction so it is
// safe even though the shard engine itself is single-threaded per instance.
func (r *SeqCountersRepo) Next(ns string) (int64, error) {
	var next int64
	err := r.db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketSeqCounters))
		key := []byte(ns)
		current := int64(0)
		if data := b.Get(key); data != nil {
			current = int64(binary.BigEndian.Uint64(data))
		}
		next = current + 1
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(next))
		return b.Put(key, buf)
	})
	if err != nil {
		return 0, perr.Storage("embedded.SeqCountersRepo.Next", err)
	}
	return next, nil
}

// Current returns the last allocated value for ns, or 0 if never used.
func (r *SeqCountersRepo) Current(ns string) (int64, error) {
	var current int64
	err := r.db.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketSeqCounters))
		data := b.Get([]byte(ns))
		if data != nil {
			current = int64(binary.BigEndian.Uint64(data))
		}
		return nil
	})
	if err != nil {
		return 0, perr.Storage("embedded.SeqCountersRepo.Current", err)
	}
	return current, nil
}

// Reserve atomically increments the counter by n and returns the first
// value in the newly allocated contiguous range [first, first+n-1], used by
// createMany's bulk bypass to allocate a contiguous seq range in one step.
func (r *SeqCountersRepo) Reserve(ns string, n int64) (int64, error) {
	if n <= 0 {
		return 0, perr.Validation("embedded.SeqCountersRepo.Reserve", "n must be positive")
	}
	var first int64
	err := r.db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketSeqCounters))
		key := []byte(ns)
		current := int64(0)
		if data := b.Get(key); data != nil {
			current = int64(binary.BigEndian.Uint64(data))
		}
		first = current + 1
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(current+n))
		return b.Put(key, buf)
	})
	if err != nil {
		return 0, perr.Storage("embedded.SeqCountersRepo.Reserve", err)
	}
	return first, nil
}
