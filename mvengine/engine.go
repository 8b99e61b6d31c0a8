// Package mvengine implements the Streaming MV Engine: it fans events out
// to registered materialized-view handlers with per-handler batching and
// backpressure tracking. Grounded on the teacher's worker pool
// (worker/pool.go) shape of one dedicated goroutine draining a queue per
// named worker, here one goroutine per registered view rather than per
// configured queue name, since the set of views is dynamic.
package mvengine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parquedb/parquedb/eventlog"
)

// DefaultBatchSize and DefaultBatchTimeoutMs are the documented defaults
// used when a ViewHandler leaves them at zero (§4.2).
const (
	DefaultBatchSize      = 100
	DefaultBatchTimeoutMs = 50
)

// ViewHandler is what registerMV requires: a name, the namespaces it
// subscribes to, and the batch callback.
type ViewHandler struct {
	Name             string
	SourceNamespaces []string
	Process          func(batch []eventlog.Event) error
	BatchSize        int
	BatchTimeoutMs   int
}

// Stats is the snapshot returned by Engine.Stats(), per the required
// statistics surface in §4.2.
type Stats struct {
	EventsReceived       int64
	EventsProcessed      int64
	BatchesProcessed      int64
	FailedBatches         int64
	BackpressureEvents    int64
	AvgBatchProcessingMs  float64
	EventsByOp            map[eventlog.Op]int64
	EventsByNamespace     map[string]int64
}

// Engine is the Streaming MV Engine; it implements shard.EventSink so a
// shard.Engine can publish events to it directly.
type Engine struct {
	log *logrus.Entry

	mu               sync.RWMutex
	handlers         map[string]*handlerRuntime
	byNamespace      map[string][]*handlerRuntime
	eventsReceived   int64
	eventsByOp       map[eventlog.Op]*int64
	eventsByNS       map[string]*int64
	nsMu             sync.Mutex // guards lazily-created eventsByNS entries
	backpressureHigh int        // queued-batch count considered backpressure
}

// New returns an Engine with no registered views.
func New(log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		log:              log.WithField("component", "mvengine"),
		handlers:         make(map[string]*handlerRuntime),
		byNamespace:      make(map[string][]*handlerRuntime),
		eventsByOp:       make(map[eventlog.Op]*int64),
		eventsByNS:       make(map[string]*int64),
		backpressureHigh: 4,
	}
}

// RegisterMV adds a view handler and starts its dedicated drain goroutine.
// Registering a name that already exists replaces it; the old handler's
// goroutine is stopped once its current batch (if any) drains.
func (e *Engine) RegisterMV(h ViewHandler) {
	if h.BatchSize <= 0 {
		h.BatchSize = DefaultBatchSize
	}
	if h.BatchTimeoutMs <= 0 {
		h.BatchTimeoutMs = DefaultBatchTimeoutMs
	}

	rt := newHandlerRuntime(h, e.log)

	e.mu.Lock()
	if old, ok := e.handlers[h.Name]; ok {
		old.stop()
		for _, ns := range old.handler.SourceNamespaces {
			kept := make([]*handlerRuntime, 0, len(e.byNamespace[ns]))
			for _, r := range e.byNamespace[ns] {
				if r != old {
					kept = append(kept, r)
				}
			}
			e.byNamespace[ns] = kept
		}
	}
	e.handlers[h.Name] = rt
	for _, ns := range h.SourceNamespaces {
		e.byNamespace[ns] = append(e.byNamespace[ns], rt)
	}
	e.mu.Unlock()

	go rt.run()
}

// ProcessEvent implements shard.EventSink: it is called synchronously by
// the shard engine before the operation that produced ev returns to its
// caller (§5's ordering guarantee), so routing here must never block on a
// handler's process() call -- only on appending to that handler's queue.
func (e *Engine) ProcessEvent(ev eventlog.Event) {
	atomic.AddInt64(&e.eventsReceived, 1)
	e.bumpOp(ev.Op)
	e.bumpNS(namespaceOf(ev.Target))

	e.mu.RLock()
	targets := e.byNamespace[namespaceOf(ev.Target)]
	e.mu.RUnlock()

	for _, rt := range targets {
		rt.enqueue(ev)
	}
}

// Flush forces immediate invocation of every handler's non-empty batch.
func (e *Engine) Flush() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, rt := range e.handlers {
		rt.flushNow()
	}
}

// Stats returns a point-in-time snapshot across every registered handler.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Stats{
		EventsReceived: atomic.LoadInt64(&e.eventsReceived),
		EventsByOp:     make(map[eventlog.Op]int64),
		EventsByNamespace: make(map[string]int64),
	}
	for op, n := range e.eventsByOp {
		s.EventsByOp[op] = atomic.LoadInt64(n)
	}
	for ns, n := range e.eventsByNS {
		s.EventsByNamespace[ns] = atomic.LoadInt64(n)
	}

	var totalMs float64
	var totalBatches int64
	for _, rt := range e.handlers {
		hs := rt.snapshot()
		s.EventsProcessed += hs.eventsProcessed
		s.BatchesProcessed += hs.batchesProcessed
		s.FailedBatches += hs.failedBatches
		s.BackpressureEvents += hs.backpressureEvents
		totalMs += hs.totalProcessingMs
		totalBatches += hs.batchesProcessed
	}
	if totalBatches > 0 {
		s.AvgBatchProcessingMs = totalMs / float64(totalBatches)
	}
	return s
}

func (e *Engine) bumpOp(op eventlog.Op) {
	e.nsMu.Lock()
	n, ok := e.eventsByOp[op]
	if !ok {
		var zero int64
		n = &zero
		e.eventsByOp[op] = n
	}
	e.nsMu.Unlock()
	atomic.AddInt64(n, 1)
}

func (e *Engine) bumpNS(ns string) {
	if ns == "" {
		return
	}
	e.nsMu.Lock()
	n, ok := e.eventsByNS[ns]
	if !ok {
		var zero int64
		n = &zero
		e.eventsByNS[ns] = n
	}
	e.nsMu.Unlock()
	atomic.AddInt64(n, 1)
}

func namespaceOf(target string) string {
	for i := 0; i < len(target); i++ {
		if target[i] == ':' {
			return target[:i]
		}
	}
	return target
}

// handlerStats is the internal, lock-protected counter set for one handler.
type handlerStats struct {
	eventsProcessed    int64
	batchesProcessed   int64
	failedBatches      int64
	backpressureEvents int64
	totalProcessingMs  float64
}

// handlerRuntime owns one view's queue and its dedicated drain goroutine,
// the unit of failure isolation required by §4.2 ("a failed handler does
// not block other handlers").
type handlerRuntime struct {
	handler ViewHandler
	log     *logrus.Entry

	mu     sync.Mutex
	queue  []eventlog.Event
	timer  *time.Timer
	wake   chan struct{}
	done   chan struct{}
	stats  handlerStats
}

func newHandlerRuntime(h ViewHandler, log *logrus.Entry) *handlerRuntime {
	return &handlerRuntime{
		handler: h,
		log:     log.WithField("view", h.Name),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (rt *handlerRuntime) enqueue(ev eventlog.Event) {
	rt.mu.Lock()
	rt.queue = append(rt.queue, ev)
	ready := len(rt.queue) >= rt.handler.BatchSize
	backlog := len(rt.queue) > rt.handler.BatchSize*4
	if backlog {
		rt.stats.backpressureEvents++
	}
	if len(rt.queue) == 1 && !ready {
		rt.timer = time.AfterFunc(time.Duration(rt.handler.BatchTimeoutMs)*time.Millisecond, rt.signalWake)
	}
	rt.mu.Unlock()

	if ready {
		rt.signalWake()
	}
}

func (rt *handlerRuntime) signalWake() {
	select {
	case rt.wake <- struct{}{}:
	default:
	}
}

func (rt *handlerRuntime) flushNow() {
	rt.signalWake()
}

// run is the handler's dedicated goroutine: it drains whatever is queued
// whenever woken (by batchSize, by the timeout timer, or by Flush), one
// batch at a time in arrival order, isolating this handler's failures from
// every other registered view.
func (rt *handlerRuntime) run() {
	for {
		select {
		case <-rt.done:
			return
		case <-rt.wake:
			rt.drainOnce()
		}
	}
}

func (rt *handlerRuntime) drainOnce() {
	rt.mu.Lock()
	if rt.timer != nil {
		rt.timer.Stop()
		rt.timer = nil
	}
	if len(rt.queue) == 0 {
		rt.mu.Unlock()
		return
	}
	batch := rt.queue
	rt.queue = nil
	rt.mu.Unlock()

	start := time.Now()
	err := rt.handler.Process(batch)
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0

	rt.mu.Lock()
	rt.stats.batchesProcessed++
	rt.stats.totalProcessingMs += elapsed
	if err != nil {
		rt.stats.failedBatches++
		rt.log.WithError(err).WithField("batch_size", len(batch)).Warn("mv handler batch failed")
	} else {
		rt.stats.eventsProcessed += int64(len(batch))
	}
	rt.mu.Unlock()
}

func (rt *handlerRuntime) snapshot() handlerStats {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.stats
}

func (rt *handlerRuntime) stop() {
	close(rt.done)
}
