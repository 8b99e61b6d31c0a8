package shard

import (
	"encoding/json"

	"github.com/parquedb/parquedb/embedded"
	"github.com/parquedb/parquedb/eventlog"
	"github.com/parquedb/parquedb/perr"
)

// nsBuffer holds the in-memory, not-yet-flushed events for one namespace,
// per "Event buffering" in §4.1.
type nsBuffer struct {
	firstSeq  int64
	lastSeq   int64
	events    []eventlog.Event
	sizeBytes int
}

func (b *nsBuffer) append(ev eventlog.Event) {
	if len(b.events) == 0 {
		b.firstSeq = ev.Seq
	}
	b.lastSeq = ev.Seq
	b.events = append(b.events, ev)
	if data, err := json.Marshal(ev); err == nil {
		b.sizeBytes += len(data)
	}
}

func (b *nsBuffer) eventCount() int { return len(b.events) }

func (b *nsBuffer) reset() {
	b.events = nil
	b.firstSeq = 0
	b.lastSeq = 0
	b.sizeBytes = 0
}

// bufferFor returns (creating if needed) the in-memory buffer for ns. Must
// be called with e.mu held.
func (e *Engine) bufferFor(ns string) *nsBuffer {
	buf, ok := e.buffers[ns]
	if !ok {
		buf = &nsBuffer{}
		e.buffers[ns] = buf
	}
	return buf
}

// flushNsEventBatchLocked serializes the ns buffer into a single events_wal
// row and clears memory, satisfying invariant 5 (one row regardless of N).
// Must be called with e.mu held.
func (e *Engine) flushNsEventBatchLocked(ns string) error {
	buf, ok := e.buffers[ns]
	if !ok || buf.eventCount() == 0 {
		return nil
	}

	payload, err := json.Marshal(buf.events)
	if err != nil {
		return perr.Internal("shard.flushNsEventBatch", err.Error())
	}

	_, err = e.db.EventsWAL().Insert(embedded.WALBatch{
		NS:         ns,
		FirstSeq:   buf.firstSeq,
		LastSeq:    buf.lastSeq,
		EventCount: buf.eventCount(),
		SizeBytes:  buf.sizeBytes,
		Payload:    payload,
		FlushedAt:  eventlog.NowMS(),
	})
	if err != nil {
		return err
	}

	buf.reset()
	return nil
}

// FlushNsEventBatch forces a flush of ns's in-memory buffer to a WAL row.
func (e *Engine) FlushNsEventBatch(ns string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushNsEventBatchLocked(ns)
}

// FlushAllNsEventBatches flushes every namespace with a non-empty buffer.
func (e *Engine) FlushAllNsEventBatches() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ns := range e.buffers {
		if err := e.flushNsEventBatchLocked(ns); err != nil {
			return err
		}
	}
	return nil
}

// bufferedEvents returns a copy of the in-memory events for ns, used by the
// read path to merge buffered events with flushed/pending/compacted ones.
func (e *Engine) bufferedEvents(ns string) []eventlog.Event {
	buf, ok := e.buffers[ns]
	if !ok {
		return nil
	}
	out := make([]eventlog.Event, len(buf.events))
	copy(out, buf.events)
	return out
}
