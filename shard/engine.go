package shard

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/parquedb/parquedb/embedded"
	"github.com/parquedb/parquedb/eventlog"
	"github.com/parquedb/parquedb/idcodec"
	"github.com/parquedb/parquedb/objectstore"
	"github.com/parquedb/parquedb/perr"
)

// CompactedReader is the external collaborator that yields events for an
// entity from already-compacted canonical Parquet files. It is out of core
// scope (§1); the engine only folds whatever it returns. A nil reader means
// "nothing compacted yet" and is the default for a fresh shard.
type CompactedReader interface {
	ReadEvents(ns, target string) ([]eventlog.Event, error)
}

// EventSink receives every accepted event before the operation that
// produced it returns to the caller, the integration point for the
// Streaming MV Engine (§5: "an event is published to the MV engine before
// the engine call that produced it returns to the caller").
type EventSink interface {
	ProcessEvent(ev eventlog.Event)
}

// Engine is a single shard: its embedded storage, object store, namespace
// buffers, and transaction state. Per §5, an Engine is single-threaded
// cooperative — e.mu serializes all operations to make that explicit even
// though callers may invoke it from multiple goroutines.
type Engine struct {
	mu sync.Mutex

	id     string
	cfg    Config
	db     *embedded.DB
	store  objectstore.Store
	reader CompactedReader
	sink   EventSink
	log    *logrus.Entry

	buffers  map[string]*nsBuffer
	txn      *transaction
	batchSeq int64 // monotonic counter for bulk-bypass path names
}

// Open opens (or creates) a shard's embedded storage at dbPath and returns
// a ready Engine. Sequence counters and WAL rows persist across restarts
// because embedded.Open reuses the same bbolt file.
func Open(id, dbPath string, store objectstore.Store, cfg Config, log *logrus.Entry) (*Engine, error) {
	db, err := embedded.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		id:      id,
		cfg:     cfg,
		db:      db,
		store:   store,
		log:     log.WithField("shard", id),
		buffers: make(map[string]*nsBuffer),
	}, nil
}

// Close flushes every namespace and closes the underlying embedded storage.
func (e *Engine) Close() error {
	if err := e.FlushAllNsEventBatches(); err != nil {
		return err
	}
	return e.db.Close()
}

// SetCompactedReader installs the external reader for already-compacted files.
func (e *Engine) SetCompactedReader(r CompactedReader) { e.reader = r }

// SetEventSink installs the Streaming MV Engine (or any other event sink).
func (e *Engine) SetEventSink(s EventSink) { e.sink = s }

// NS returns the typed namespace handle for name, the capability-based
// replacement for proxy-style per-namespace attribute access (see design
// notes: "do not rely on runtime attribute interception").
func (e *Engine) NS(name string) *Namespace {
	return &Namespace{engine: e, name: name}
}

// AppendEventWithSeq allocates the next event-sequence value for ns and
// builds the event via build(seq, eventID). For CREATE, targetShortID must
// be "" and the new entity's shortId is the allocated eventID itself; for
// UPDATE/DELETE, targetShortID is the existing entity the event mutates,
// while the event still receives its own freshly allocated eventID (ID
// allocation, §4.1: every event gets a sequence-derived id distinct from
// the entity it targets, except at CREATE time where the two coincide).
// The event is buffered and published to the event sink before returning,
// per the ordering guarantee in §5.
func (e *Engine) AppendEventWithSeq(ns, targetShortID string, build func(seq int64, eventID string) eventlog.Event) (eventlog.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.appendEventWithSeqLocked(ns, targetShortID, build)
}

func (e *Engine) appendEventWithSeqLocked(ns, targetShortID string, build func(seq int64, eventID string) eventlog.Event) (eventlog.Event, error) {
	seq, err := e.db.SeqCounters().Next(ns)
	if err != nil {
		return eventlog.Event{}, err
	}
	eventID := idcodec.Encode(seq)
	entityShortID := targetShortID
	if entityShortID == "" {
		entityShortID = eventID
	}

	ev := build(seq, eventID)
	ev.Seq = seq
	ev.ID = eventID
	ev.Target = fmt.Sprintf("%s:%s", ns, entityShortID)

	buf := e.bufferFor(ns)
	buf.append(ev)

	if e.sink != nil {
		e.sink.ProcessEvent(ev)
	}

	// Auto-flush is suppressed while a transaction is open: flushing mid-
	// transaction would make events durable in events_wal ahead of
	// Rollback, which only ever restores buffer snapshots and never
	// un-flushes a WAL row. Commit catches up any deferred flush once the
	// writes are permanent.
	if e.txn == nil && buf.eventCount() >= e.cfg.WALBatchSize {
		if err := e.flushNsEventBatchLocked(ns); err != nil {
			return eventlog.Event{}, err
		}
	}

	return ev, nil
}

// replayTarget gathers every event for ns:shortId from the external
// compacted reader, flushed WAL batches, pending row groups and the
// in-memory buffer, sorts them by seq, and folds them, per the read path
// in §4.1.
func (e *Engine) replayTarget(ns, shortID string) (*eventlog.Projection, error) {
	target := fmt.Sprintf("%s:%s", ns, shortID)

	var events []eventlog.Event

	if e.reader != nil {
		compacted, err := e.reader.ReadEvents(ns, target)
		if err != nil {
			return nil, perr.Storage("shard.replayTarget", err).WithTarget(target)
		}
		events = append(events, compacted...)
	}

	walBatches, err := e.db.EventsWAL().ListByNS(ns)
	if err != nil {
		return nil, err
	}
	for _, batch := range walBatches {
		var batchEvents []eventlog.Event
		if err := unmarshalEvents(batch.Payload, &batchEvents); err != nil {
			return nil, perr.Internal("shard.replayTarget", err.Error())
		}
		for _, ev := range batchEvents {
			if ev.Target == target {
				events = append(events, ev)
			}
		}
	}

	// Pending row groups hold bulk-created entities reconstructed directly
	// from the uploaded Parquet payload.
	pendingEvents, err := e.pendingEventsForTarget(ns, target)
	if err != nil {
		return nil, err
	}
	events = append(events, pendingEvents...)

	for _, ev := range e.bufferedEvents(ns) {
		if ev.Target == target {
			events = append(events, ev)
		}
	}

	if len(events) == 0 {
		return nil, nil
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return eventlog.Fold(events)
}

func unmarshalEvents(payload []byte, out *[]eventlog.Event) error {
	return json.Unmarshal(payload, out)
}
