package objectstore

import (
	"context"
	"testing"

	"github.com/parquedb/parquedb/perr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStorePutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()

	_, err := store.Put(ctx, "data/posts/pending/1.parquet", []byte("hello"), PutOptions{})
	require.NoError(t, err)

	data, err := store.Get(ctx, "data/posts/pending/1.parquet")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestMockStoreGetMissingReturnsNilNoError(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()

	data, err := store.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestMockStoreIfNoneMatchStarPreventsOverwrite(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()
	key := "data/posts/pending/1700000000-shard1-1.parquet"

	_, err := store.Put(ctx, key, []byte("first"), PutOptions{IfNoneMatch: "*"})
	require.NoError(t, err)

	_, err = store.Put(ctx, key, []byte("second"), PutOptions{IfNoneMatch: "*"})
	require.Error(t, err)
	assert.Equal(t, perr.KindConflict, perr.KindOf(err))

	data, _ := store.Get(ctx, key)
	assert.Equal(t, []byte("first"), data, "second write must not have overwritten")
}

func TestMockStoreRangeReadPastEndReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()
	_, err := store.Put(ctx, "k", []byte("12345"), PutOptions{})
	require.NoError(t, err)

	data, err := store.GetRange(ctx, "k", 100, 10)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestMockStoreMultipartRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()
	key := "data/posts/pending/batch.parquet"

	uploadID, err := store.CreateMultipart(ctx, key)
	require.NoError(t, err)

	p1, err := store.UploadPart(ctx, key, uploadID, 1, []byte("AAA"))
	require.NoError(t, err)
	p2, err := store.UploadPart(ctx, key, uploadID, 2, []byte("BBB"))
	require.NoError(t, err)

	result, err := store.CompleteMultipart(ctx, key, uploadID, []MultipartPart{p2, p1})
	require.NoError(t, err)
	assert.NotEmpty(t, result.ETag)

	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("AAABBB"), data, "parts must be reassembled in part-number order regardless of completion order")
}

func TestMockStoreListPrefixAndLexicalOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()
	for _, k := range []string{"data/posts/pending/c.parquet", "data/posts/pending/a.parquet", "data/orders/pending/b.parquet"} {
		_, err := store.Put(ctx, k, []byte("x"), PutOptions{})
		require.NoError(t, err)
	}

	result, err := store.List(ctx, ListOptions{Prefix: "data/posts/"})
	require.NoError(t, err)
	require.Len(t, result.Files, 2)
	assert.Equal(t, "data/posts/pending/a.parquet", result.Files[0].Key)
	assert.Equal(t, "data/posts/pending/c.parquet", result.Files[1].Key)
}
