// Package notify filters raw object-store arrival notifications down to
// valid Parquet file creations under a known data prefix, and wires an
// AMQP consumer that hands each resulting Arrival, tagged with its
// namespace, to a Dispatch callback.
package notify

import (
	"strings"
)

// EventName enumerates the S3-style notification event names the upstream
// bucket configuration is expected to emit. Anything else is ignored.
type EventName string

const (
	EventPutObject              EventName = "s3:ObjectCreated:Put"
	EventCopyObject             EventName = "s3:ObjectCreated:Copy"
	EventCompleteMultipartUpload EventName = "s3:ObjectCreated:CompleteMultipartUpload"
)

func isCreationEvent(name EventName) bool {
	switch name {
	case EventPutObject, EventCopyObject, EventCompleteMultipartUpload:
		return true
	default:
		return false
	}
}

// RawNotification is one record from the object store's event payload,
// shaped after the common S3 notification record.
type RawNotification struct {
	EventName EventName
	Bucket    string
	Key       string
	Size      int64
	TimestampMs int64
}

// Arrival is a filtered, parsed notification: a Parquet file write under
// data/<ns>/..., with the namespace and writer id extracted from the key.
type Arrival struct {
	NS        string
	WriterID  string
	File      string
	Timestamp int64
	Size      int64
}

// DataPrefix is the well-known prefix every namespace's canonical and
// pending Parquet output is written under (shard.createManyBulk and the
// compaction workflow's output both live under it).
const DataPrefix = "data/"

// Filter converts a raw notification into an Arrival, returning ok=false
// for anything that is not a creation event for a .parquet key under
// DataPrefix (§4.3: "filtered upstream to valid object creations of
// Parquet files under a known prefix").
func Filter(raw RawNotification) (Arrival, bool) {
	if !isCreationEvent(raw.EventName) {
		return Arrival{}, false
	}
	if !strings.HasPrefix(raw.Key, DataPrefix) || !strings.HasSuffix(raw.Key, ".parquet") {
		return Arrival{}, false
	}

	rest := strings.TrimPrefix(raw.Key, DataPrefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		return Arrival{}, false
	}
	ns := parts[0]

	writerID := writerIDFromKey(raw.Key)

	return Arrival{
		NS:        ns,
		WriterID:  writerID,
		File:      raw.Key,
		Timestamp: raw.TimestampMs,
		Size:      raw.Size,
	}, true
}

// writerIDFromKey extracts the writerId segment out of the bulk-bypass
// path shape data/<ns>/pending/<unix-ms>-<shardId>-<batchN>.parquet by
// taking the second dash-separated segment of the file name, for any
// layout; it falls back to the bucket-level "unknown" writer when the file
// name has fewer than three such segments (e.g. part-00001.parquet).
func writerIDFromKey(key string) string {
	base := key
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	base = strings.TrimSuffix(base, ".parquet")

	segments := strings.Split(base, "-")
	if len(segments) >= 3 {
		return segments[1]
	}
	return "unknown"
}
