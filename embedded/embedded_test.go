package embedded

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shard.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSeqCountersNextIsMonotonic(t *testing.T) {
	db := openTestDB(t)
	repo := db.SeqCounters()

	for i := int64(1); i <= 5; i++ {
		seq, err := repo.Next("posts")
		require.NoError(t, err)
		assert.Equal(t, i, seq)
	}
}

func TestSeqCountersSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.db")

	db, err := Open(path)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := db.SeqCounters().Next("posts")
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	next, err := reopened.SeqCounters().Next("posts")
	require.NoError(t, err)
	assert.Equal(t, int64(6), next, "first allocation after restart must be last persisted value plus one")
}

func TestSeqCountersReserveContiguousRange(t *testing.T) {
	db := openTestDB(t)
	repo := db.SeqCounters()

	first, err := repo.Reserve("posts", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)

	next, err := repo.Next("posts")
	require.NoError(t, err)
	assert.Equal(t, int64(101), next)
}

func TestEventsWALInsertListDelete(t *testing.T) {
	db := openTestDB(t)
	repo := db.EventsWAL()

	_, err := repo.Insert(WALBatch{NS: "posts", FirstSeq: 1, LastSeq: 100, EventCount: 100})
	require.NoError(t, err)
	_, err = repo.Insert(WALBatch{NS: "posts", FirstSeq: 101, LastSeq: 150, EventCount: 50})
	require.NoError(t, err)

	batches, err := repo.ListByNS("posts")
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, int64(1), batches[0].FirstSeq)
	assert.Equal(t, int64(101), batches[1].FirstSeq)

	require.NoError(t, repo.DeleteUpTo("posts", 100))

	batches, err = repo.ListByNS("posts")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, int64(101), batches[0].FirstSeq)
}

func TestPendingRowGroupsInsertAndList(t *testing.T) {
	db := openTestDB(t)
	repo := db.PendingRowGroups()

	g, err := repo.Insert(PendingRowGroup{NS: "posts", Path: "data/posts/pending/1.parquet", RowCount: 100, FirstSeq: 1, LastSeq: 100})
	require.NoError(t, err)
	assert.NotEmpty(t, g.ID)

	groups, err := repo.ListByNS("posts")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 100, groups[0].RowCount)
}

func TestPendingRowGroupsMarkCommittedPromotesWithoutDeleting(t *testing.T) {
	db := openTestDB(t)
	repo := db.PendingRowGroups()

	_, err := repo.Insert(PendingRowGroup{NS: "posts", Path: "data/posts/pending/1.parquet", RowCount: 100, FirstSeq: 1, LastSeq: 100})
	require.NoError(t, err)
	_, err = repo.Insert(PendingRowGroup{NS: "posts", Path: "data/posts/pending/2.parquet", RowCount: 50, FirstSeq: 101, LastSeq: 150})
	require.NoError(t, err)

	promoted, err := repo.MarkCommitted("posts", 12345)
	require.NoError(t, err)
	assert.Equal(t, 2, promoted)

	groups, err := repo.ListByNS("posts")
	require.NoError(t, err)
	require.Len(t, groups, 2, "MarkCommitted must not delete any row")
	for _, g := range groups {
		assert.Equal(t, int64(12345), g.CommittedAt)
	}

	// A second call finds nothing left to promote.
	promoted, err = repo.MarkCommitted("posts", 99999)
	require.NoError(t, err)
	assert.Equal(t, 0, promoted)

	require.NoError(t, repo.DeleteUpTo("posts", 100))
	groups, err = repo.ListByNS("posts")
	require.NoError(t, err)
	require.Len(t, groups, 1, "DeleteUpTo remains the separate, independent deletion step")
	assert.Equal(t, int64(101), groups[0].FirstSeq)
}

func TestRelationshipsLinkUnlink(t *testing.T) {
	db := openTestDB(t)
	repo := db.Relationships()

	rel := Relationship{FromNS: "posts", FromID: "A", Predicate: "authoredBy", ToNS: "users", ToID: "U1", CreatedAt: 1, Version: 1}
	require.NoError(t, repo.Upsert(rel))

	edges, err := repo.ListByEntity("posts", "A", "", DirectionOutbound, false)
	require.NoError(t, err)
	require.Len(t, edges, 1)

	require.NoError(t, repo.SoftDelete("posts", "A", "authoredBy", "users", "U1", 999))

	edges, err = repo.ListByEntity("posts", "A", "", DirectionOutbound, false)
	require.NoError(t, err)
	assert.Empty(t, edges, "unlinked edge must not appear in default non-deleted listing")

	edges, err = repo.ListByEntity("posts", "A", "", DirectionOutbound, true)
	require.NoError(t, err)
	assert.Len(t, edges, 1, "includeDeleted listing should still show the soft-deleted edge")
}
