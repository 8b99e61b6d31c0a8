package shard

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parquedb/parquedb/embedded"
	"github.com/parquedb/parquedb/eventlog"
	"github.com/parquedb/parquedb/idcodec"
	"github.com/parquedb/parquedb/objectstore"
)

func openTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "shard.db")
	store := objectstore.NewMockStore()
	e, err := Open("shard-1", dbPath, store, DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, dbPath
}

func postBody(title string) map[string]eventlog.Value {
	return map[string]eventlog.Value{
		"$type": eventlog.StringValue("post"),
		"name":  eventlog.StringValue(title),
	}
}

func TestCreateThenGetRoundTrips(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()
	ns := e.NS("posts")

	created, err := ns.Create(ctx, postBody("hello world"), CreateOptions{Actor: "alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)
	assert.Equal(t, "post", created.Type)

	shortID := created.ID[len("posts:"):]
	got, err := ns.Get(ctx, shortID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hello world", got.Name)
}

func TestUpdateAppliesOperatorsAndBumpsVersion(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()
	ns := e.NS("posts")

	created, err := ns.Create(ctx, map[string]eventlog.Value{
		"$type": eventlog.StringValue("post"),
		"views": eventlog.IntValue(0),
	}, CreateOptions{Actor: "alice"})
	require.NoError(t, err)
	shortID := created.ID[len("posts:"):]

	mutation := NewMutation().Inc("views", 5).Set("name", eventlog.StringValue("updated"))
	updated, err := ns.Update(ctx, shortID, mutation, UpdateOptions{Actor: "bob"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "updated", updated.Name)
	assert.EqualValues(t, 5, updated.Attrs["views"])
}

func TestUpdateRejectsVersionMismatch(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()
	ns := e.NS("posts")

	created, err := ns.Create(ctx, postBody("v1"), CreateOptions{Actor: "alice"})
	require.NoError(t, err)
	shortID := created.ID[len("posts:"):]

	_, err = ns.Update(ctx, shortID, NewMutation().Set("name", eventlog.StringValue("v2")),
		UpdateOptions{Actor: "alice", ExpectedVersion: 99})
	require.Error(t, err)
}

func TestUpdateRejectsIncOnNonNumericWithoutAppendingEvent(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()
	ns := e.NS("posts")

	created, err := ns.Create(ctx, map[string]eventlog.Value{
		"$type": eventlog.StringValue("post"),
		"title": eventlog.StringValue("not a number"),
	}, CreateOptions{Actor: "alice"})
	require.NoError(t, err)
	shortID := created.ID[len("posts:"):]

	_, err = ns.Update(ctx, shortID, NewMutation().Inc("title", 1), UpdateOptions{Actor: "alice"})
	require.Error(t, err)

	// The failed $inc must never have become a durable event: replaying the
	// entity again must succeed and still see the original, unmutated state,
	// not re-fail the same way on every future read.
	got, err := ns.Get(ctx, shortID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, "not a number", got.Attrs["title"])
}

func TestDeleteThenGetReturnsNil(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()
	ns := e.NS("posts")

	created, err := ns.Create(ctx, postBody("to delete"), CreateOptions{Actor: "alice"})
	require.NoError(t, err)
	shortID := created.ID[len("posts:"):]

	require.NoError(t, ns.Delete(ctx, shortID, UpdateOptions{Actor: "alice"}))

	got, err := ns.Get(ctx, shortID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCreateManyBelowThresholdBuffersEvents(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()
	ns := e.NS("posts")

	bodies := make([]map[string]eventlog.Value, 3)
	for i := range bodies {
		bodies[i] = postBody(fmt.Sprintf("post-%d", i))
	}

	entities, err := ns.CreateMany(ctx, bodies, CreateOptions{Actor: "alice"})
	require.NoError(t, err)
	require.Len(t, entities, 3)

	groups, err := e.GetPendingRowGroups("posts")
	require.NoError(t, err)
	assert.Empty(t, groups, "below-threshold createMany must not create pending row groups")
}

func TestCreateManyBulkBypassCreatesOnePendingRowGroup(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()
	ns := e.NS("posts")

	bodies := make([]map[string]eventlog.Value, 100)
	for i := range bodies {
		bodies[i] = postBody(fmt.Sprintf("bulk-%d", i))
	}

	entities, err := ns.CreateMany(ctx, bodies, CreateOptions{Actor: "alice"})
	require.NoError(t, err)
	require.Len(t, entities, 100)

	groups, err := e.GetPendingRowGroups("posts")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 100, groups[0].RowCount)

	for i, want := range entities {
		shortID := want.ID[len("posts:"):]
		got, err := ns.Get(ctx, shortID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, fmt.Sprintf("bulk-%d", i), got.Name)
	}
}

func TestCreateManyEmptyCreatesNothing(t *testing.T) {
	e, _ := openTestEngine(t)
	entities, err := e.NS("posts").CreateMany(context.Background(), nil, CreateOptions{})
	require.NoError(t, err)
	assert.Empty(t, entities)

	groups, err := e.GetPendingRowGroups("posts")
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestFlushNsEventBatchProducesOneWALRowForNEvents(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()
	ns := e.NS("posts")

	for i := 0; i < 10; i++ {
		_, err := ns.Create(ctx, postBody(fmt.Sprintf("p%d", i)), CreateOptions{Actor: "alice"})
		require.NoError(t, err)
	}
	require.NoError(t, e.FlushNsEventBatch("posts"))

	batches, err := e.db.EventsWAL().ListByNS("posts")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, 10, batches[0].EventCount)
	assert.Equal(t, batches[0].LastSeq-batches[0].FirstSeq+1, int64(10))
}

func TestSequenceContinuesAcrossRestart(t *testing.T) {
	e, dbPath := openTestEngine(t)
	ctx := context.Background()
	ns := e.NS("posts")

	for i := 0; i < 3; i++ {
		_, err := ns.Create(ctx, postBody("p"), CreateOptions{Actor: "alice"})
		require.NoError(t, err)
	}
	require.NoError(t, e.Close())

	reopened, err := Open("shard-1", dbPath, objectstore.NewMockStore(), DefaultConfig(), nil)
	require.NoError(t, err)
	defer reopened.Close()

	created, err := reopened.NS("posts").Create(ctx, postBody("p4"), CreateOptions{Actor: "alice"})
	require.NoError(t, err)
	shortID := created.ID[len("posts:"):]
	seq, err := idcodec.Decode(shortID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), seq, "fourth create after a 3-create restart must continue the sequence, not restart it")
}

func TestTransactionRollbackDiscardsPendingUpload(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()
	ns := e.NS("posts")

	require.NoError(t, e.BeginTransaction())

	bodies := make([]map[string]eventlog.Value, 10)
	for i := range bodies {
		bodies[i] = postBody(fmt.Sprintf("txn-%d", i))
	}
	_, err := ns.CreateMany(ctx, bodies, CreateOptions{Actor: "alice"})
	require.NoError(t, err)

	groups, err := e.GetPendingRowGroups("posts")
	require.NoError(t, err)
	require.Len(t, groups, 1)

	require.NoError(t, e.Rollback(ctx))

	groups, err = e.GetPendingRowGroups("posts")
	require.NoError(t, err)
	assert.Empty(t, groups, "rollback must delete pending row group metadata")
}

func TestAutoFlushSuppressedDuringTransactionAndCaughtUpOnCommit(t *testing.T) {
	dir := t.TempDir()
	store := objectstore.NewMockStore()
	cfg := DefaultConfig()
	cfg.WALBatchSize = 5
	e, err := Open("shard-1", filepath.Join(dir, "shard.db"), store, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	ctx := context.Background()
	ns := e.NS("posts")

	require.NoError(t, e.BeginTransaction())
	for i := 0; i < cfg.WALBatchSize+2; i++ {
		_, err := ns.Create(ctx, postBody(fmt.Sprintf("txn-%d", i)), CreateOptions{Actor: "alice"})
		require.NoError(t, err)
	}

	batches, err := e.db.EventsWAL().ListByNS("posts")
	require.NoError(t, err)
	assert.Empty(t, batches, "crossing WALBatchSize mid-transaction must not durably flush ahead of commit/rollback")

	require.NoError(t, e.Commit())

	batches, err = e.db.EventsWAL().ListByNS("posts")
	require.NoError(t, err)
	require.Len(t, batches, 1, "commit must catch up the deferred flush for a namespace that crossed the threshold")
	assert.Equal(t, cfg.WALBatchSize+2, batches[0].EventCount)
}

func TestAutoFlushSuppressedDuringTransactionDiscardedOnRollback(t *testing.T) {
	dir := t.TempDir()
	store := objectstore.NewMockStore()
	cfg := DefaultConfig()
	cfg.WALBatchSize = 5
	e, err := Open("shard-1", filepath.Join(dir, "shard.db"), store, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	ctx := context.Background()
	ns := e.NS("posts")

	require.NoError(t, e.BeginTransaction())
	for i := 0; i < cfg.WALBatchSize+2; i++ {
		_, err := ns.Create(ctx, postBody(fmt.Sprintf("txn-%d", i)), CreateOptions{Actor: "alice"})
		require.NoError(t, err)
	}

	require.NoError(t, e.Rollback(ctx))

	batches, err := e.db.EventsWAL().ListByNS("posts")
	require.NoError(t, err)
	assert.Empty(t, batches, "rollback must discard events buffered during the transaction, including any that crossed WALBatchSize")
}

func TestFlushPendingToCommittedPromotesThenDeleteStepsReclaim(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()
	ns := e.NS("posts")

	bodies := make([]map[string]eventlog.Value, 10)
	for i := range bodies {
		bodies[i] = postBody(fmt.Sprintf("bulk-%d", i))
	}
	_, err := ns.CreateMany(ctx, bodies, CreateOptions{Actor: "alice"})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := ns.Create(ctx, postBody(fmt.Sprintf("p%d", i)), CreateOptions{Actor: "alice"})
		require.NoError(t, err)
	}
	require.NoError(t, e.FlushNsEventBatch("posts"))

	promoted, err := e.FlushPendingToCommitted("posts")
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	groups, err := e.GetPendingRowGroups("posts")
	require.NoError(t, err)
	require.Len(t, groups, 1, "FlushPendingToCommitted only marks groups committed, it never deletes them")
	assert.NotZero(t, groups[0].CommittedAt)

	require.NoError(t, e.DeletePendingRowGroups("posts", groups[0].LastSeq))
	groups, err = e.GetPendingRowGroups("posts")
	require.NoError(t, err)
	assert.Empty(t, groups, "DeletePendingRowGroups is the separate step that reclaims the metadata row")

	batches, err := e.db.EventsWAL().ListByNS("posts")
	require.NoError(t, err)
	require.Len(t, batches, 1)

	require.NoError(t, e.DeleteWalBatches("posts", batches[0].LastSeq))
	batches, err = e.db.EventsWAL().ListByNS("posts")
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestLinkAndUnlinkRelationship(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()

	author, err := e.NS("users").Create(ctx, map[string]eventlog.Value{"$type": eventlog.StringValue("user")}, CreateOptions{Actor: "alice"})
	require.NoError(t, err)
	authorShortID := author.ID[len("users:"):]

	post, err := e.NS("posts").Create(ctx, postBody("p"), CreateOptions{Actor: "alice"})
	require.NoError(t, err)
	postShortID := post.ID[len("posts:"):]

	require.NoError(t, e.NS("posts").Link(ctx, postShortID, "authoredBy", "users", authorShortID, LinkOptions{Actor: "alice"}))

	rels, err := e.NS("posts").GetRelationships(ctx, postShortID, "authoredBy", embedded.DirectionOutbound, false)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, authorShortID, rels[0].ToID)

	require.NoError(t, e.NS("posts").Unlink(ctx, postShortID, "authoredBy", "users", authorShortID, LinkOptions{Actor: "alice"}))
	rels, err = e.NS("posts").GetRelationships(ctx, postShortID, "authoredBy", embedded.DirectionOutbound, false)
	require.NoError(t, err)
	assert.Empty(t, rels)
}
