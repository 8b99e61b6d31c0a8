package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterAcceptsValidBulkPendingKey(t *testing.T) {
	a, ok := Filter(RawNotification{
		EventName:   EventPutObject,
		Key:         "data/posts/pending/1700000000000-shard-1-3.parquet",
		Size:        1024,
		TimestampMs: 1700000000000,
	})
	require.True(t, ok)
	assert.Equal(t, "posts", a.NS)
	assert.Equal(t, "shard", a.WriterID)
	assert.Equal(t, int64(1024), a.Size)
}

func TestFilterRejectsNonParquetKey(t *testing.T) {
	_, ok := Filter(RawNotification{
		EventName: EventPutObject,
		Key:       "data/posts/pending/manifest.json",
	})
	assert.False(t, ok)
}

func TestFilterRejectsKeyOutsideDataPrefix(t *testing.T) {
	_, ok := Filter(RawNotification{
		EventName: EventPutObject,
		Key:       "other/posts/file.parquet",
	})
	assert.False(t, ok)
}

func TestFilterRejectsNonCreationEvent(t *testing.T) {
	_, ok := Filter(RawNotification{
		EventName: "s3:ObjectRemoved:Delete",
		Key:       "data/posts/pending/1-shard-1.parquet",
	})
	assert.False(t, ok)
}

func TestFilterAcceptsCompactedCanonicalKeyWithUnknownWriter(t *testing.T) {
	a, ok := Filter(RawNotification{
		EventName: EventCompleteMultipartUpload,
		Key:       "data/posts/committed/part-00001.parquet",
	})
	require.True(t, ok)
	assert.Equal(t, "posts", a.NS)
	assert.Equal(t, "unknown", a.WriterID)
}
