// Package compaction implements the Compaction Coordinator: one instance
// per namespace, aggregating Parquet file-arrival notifications into
// windows and deciding when a window is ready for a compaction workflow.
// It is grounded on coordinator.PhaseManager's shape (mutex-guarded state
// map, typed state struct, explicit transition methods) generalized from a
// single global workflow phase to many independent per-window states.
package compaction

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parquedb/parquedb/perr"
)

// Status enumerates a window's place in the dispatch protocol.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDispatched Status = "dispatched"
)

// WriterInactiveThresholdMs is how long a writer may go unseen before it no
// longer counts toward the "every active writer contributed" readiness
// check (§4.3).
const WriterInactiveThresholdMs int64 = 30 * 60 * 1000

// ProcessingTimeoutMs bounds how long a window may sit in processing before
// stuck-window recovery resets it to pending.
const ProcessingTimeoutMs int64 = 5 * 60 * 1000

// FileArrival is one file-creation notification filtered upstream to valid
// Parquet object writes under a known prefix.
type FileArrival struct {
	WriterID  string
	File      string
	Timestamp int64
	Size      int64
}

// WindowConfig carries the per-call tunables; a coordinator has no fixed
// config of its own since these MAY vary between update() calls.
type WindowConfig struct {
	WindowSizeMs      int64
	MaxWaitTimeMs     int64
	MinFilesToCompact int
	TargetFormat      string // native | iceberg | delta, passed opaquely
}

// window is the internal mutable state for one windowStart.
type window struct {
	ns            string
	windowStart   int64
	windowEnd     int64
	filesByWriter map[string][]string
	writers       map[string]struct{}
	lastActivityAt int64
	totalSize     int64
	status        Status
	startedAt     int64  // set when status becomes processing
	workflowID    string // set when status becomes dispatched
	targetFormat  string
}

func (w *window) key() string { return fmt.Sprintf("%s:%d", w.ns, w.windowStart) }

func (w *window) fileCount() int {
	n := 0
	for _, files := range w.filesByWriter {
		n += len(files)
	}
	return n
}

// WindowReadyEntry is returned to the caller when a window transitions to
// processing: the payload a compaction workflow needs to merge-sort inputs.
type WindowReadyEntry struct {
	WindowKey    string
	NS           string
	WindowStart  int64
	WindowEnd    int64
	Files        []string // sorted lexicographically, for deterministic merge-sort
	TargetFormat string
}

// WindowStatus is the read-only snapshot returned by StatusSnapshot().
type WindowStatus struct {
	WindowKey   string
	Status      Status
	FileCount   int
	WriterCount int
}

// Coordinator tracks every open window for one namespace.
type Coordinator struct {
	mu sync.Mutex

	ns      string
	log     *logrus.Entry
	windows map[string]*window // windowKey -> window

	// lastSeenByWriter tracks writer liveness across ALL windows of this
	// namespace, since readiness rule 3 asks whether a writer active
	// *anywhere*, not just in this window, has contributed here.
	lastSeenByWriter map[string]int64
}

// New returns a Coordinator for one namespace.
func New(ns string, log *logrus.Entry) *Coordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		ns:               ns,
		log:              log.WithField("namespace", ns).WithField("component", "compaction"),
		windows:          make(map[string]*window),
		lastSeenByWriter: make(map[string]int64),
	}
}

// Update ingests a batch of file arrivals, performs stuck-window recovery,
// and returns every window newly transitioned pending -> processing.
func (c *Coordinator) Update(now int64, arrivals []FileArrival, cfg WindowConfig) []WindowReadyEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recoverStuckWindowsLocked(now)

	for _, a := range arrivals {
		c.lastSeenByWriter[a.WriterID] = a.Timestamp

		windowStart := (a.Timestamp / cfg.WindowSizeMs) * cfg.WindowSizeMs
		windowEnd := windowStart + cfg.WindowSizeMs

		w, ok := c.windows[fmt.Sprintf("%s:%d", c.ns, windowStart)]
		if !ok {
			w = &window{
				ns:            c.ns,
				windowStart:   windowStart,
				windowEnd:     windowEnd,
				filesByWriter: make(map[string][]string),
				writers:       make(map[string]struct{}),
				status:        StatusPending,
				targetFormat:  cfg.TargetFormat,
			}
			c.windows[w.key()] = w
		}

		w.filesByWriter[a.WriterID] = append(w.filesByWriter[a.WriterID], a.File)
		w.writers[a.WriterID] = struct{}{}
		w.totalSize += a.Size
		if a.Timestamp > w.lastActivityAt {
			w.lastActivityAt = a.Timestamp
		}
		if cfg.TargetFormat != "" {
			w.targetFormat = cfg.TargetFormat
		}
	}

	var ready []WindowReadyEntry
	for _, w := range c.windows {
		if w.status != StatusPending {
			continue
		}
		if !c.isReadyLocked(w, now, cfg) {
			continue
		}
		w.status = StatusProcessing
		w.startedAt = now

		files := make([]string, 0, w.fileCount())
		for _, fs := range w.filesByWriter {
			files = append(files, fs...)
		}
		sort.Strings(files)

		ready = append(ready, WindowReadyEntry{
			WindowKey:    w.key(),
			NS:           w.ns,
			WindowStart:  w.windowStart,
			WindowEnd:    w.windowEnd,
			Files:        files,
			TargetFormat: w.targetFormat,
		})
	}

	return ready
}

// isReadyLocked implements the three-part readiness rule in §4.3.
func (c *Coordinator) isReadyLocked(w *window, now int64, cfg WindowConfig) bool {
	if now < w.windowEnd+cfg.MaxWaitTimeMs {
		return false
	}
	if w.fileCount() < cfg.MinFilesToCompact {
		return false
	}

	// Every writer the coordinator currently considers active must either
	// have contributed to this window, or have gone quiet (by its own last
	// observation, not the window's) for longer than maxWaitTimeMs --
	// otherwise it might still be about to write into this window.
	for writerID, lastSeen := range c.lastSeenByWriter {
		if now-lastSeen > WriterInactiveThresholdMs {
			continue // writer is no longer active at all, never mind this window
		}
		if _, contributed := w.writers[writerID]; contributed {
			continue
		}
		if now-lastSeen > cfg.MaxWaitTimeMs {
			continue // active but quiet long enough to stop waiting on it
		}
		return false
	}
	return true
}

// recoverStuckWindowsLocked resets any window that has sat in processing
// longer than ProcessingTimeoutMs back to pending (§4.3 point 5).
func (c *Coordinator) recoverStuckWindowsLocked(now int64) {
	for _, w := range c.windows {
		if w.status == StatusProcessing && now-w.startedAt > ProcessingTimeoutMs {
			c.log.WithField("window", w.key()).Warn("compaction window stuck in processing, resetting to pending")
			w.status = StatusPending
			w.startedAt = 0
		}
	}
}

// ConfirmDispatch transitions a window processing -> dispatched once the
// caller has successfully created its compaction workflow.
func (c *Coordinator) ConfirmDispatch(windowKey, workflowID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[windowKey]
	if !ok {
		return perr.NotFound("compaction.ConfirmDispatch", "unknown window").WithTarget(windowKey)
	}
	if w.status != StatusProcessing {
		return perr.Conflict("compaction.ConfirmDispatch", fmt.Sprintf("window is %s, not processing", w.status)).WithTarget(windowKey)
	}
	w.status = StatusDispatched
	w.workflowID = workflowID
	return nil
}

// RollbackProcessing transitions processing -> pending when the caller
// failed to create a workflow for the window.
func (c *Coordinator) RollbackProcessing(windowKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[windowKey]
	if !ok {
		return perr.NotFound("compaction.RollbackProcessing", "unknown window").WithTarget(windowKey)
	}
	if w.status != StatusProcessing {
		return perr.Conflict("compaction.RollbackProcessing", fmt.Sprintf("window is %s, not processing", w.status)).WithTarget(windowKey)
	}
	w.status = StatusPending
	w.startedAt = 0
	return nil
}

// WorkflowComplete reports the outcome of a dispatched workflow: success
// deletes the window (it has been compacted); failure resets it to pending
// for retry. A workflow-id mismatch is a conflict and leaves state unchanged.
func (c *Coordinator) WorkflowComplete(windowKey, workflowID string, success bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[windowKey]
	if !ok {
		return perr.NotFound("compaction.WorkflowComplete", "unknown window").WithTarget(windowKey)
	}
	if w.status != StatusDispatched {
		return perr.Conflict("compaction.WorkflowComplete", fmt.Sprintf("window is %s, not dispatched", w.status)).WithTarget(windowKey)
	}
	if w.workflowID != workflowID {
		return perr.Conflict("compaction.WorkflowComplete", "workflow id mismatch").WithTarget(windowKey)
	}

	if success {
		delete(c.windows, windowKey)
		return nil
	}
	w.status = StatusPending
	w.startedAt = 0
	w.workflowID = ""
	return nil
}

// StatusSnapshot reports every tracked window, for the coordinator's
// status endpoint.
func (c *Coordinator) StatusSnapshot() []WindowStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]WindowStatus, 0, len(c.windows))
	for _, w := range c.windows {
		out = append(out, WindowStatus{
			WindowKey:   w.key(),
			Status:      w.status,
			FileCount:   w.fileCount(),
			WriterCount: len(w.writers),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowKey < out[j].WindowKey })
	return out
}

// ActiveWindowCount returns the number of windows not yet deleted (pending,
// processing, or dispatched), the figure the status scenario checks reaches
// zero once a compaction completes.
func (c *Coordinator) ActiveWindowCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}

// nowMS returns the current wall-clock time in milliseconds. Nothing in this
// package calls it; Update takes its now timestamp from the caller.
func nowMS() int64 { return time.Now().UnixMilli() }
