// Package mvrefresh implements the MV Refresh Coordinator: a single
// per-deployment instance tracking refresh needs for registered
// materialized views and deciding when a refresh workflow should run.
// Grounded on the same mutex-guarded state-map shape as
// coordinator.PhaseManager, generalized from one workflow phase per id to
// one debounce/max-wait accumulator per view.
package mvrefresh

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/parquedb/parquedb/perr"
)

// RefreshMode controls whether a view reacts to change notifications.
type RefreshMode string

const (
	RefreshStreaming RefreshMode = "streaming"
	RefreshScheduled RefreshMode = "scheduled"
	RefreshManual    RefreshMode = "manual"
)

// PendingStatus is a pending entry's place in the dispatch protocol, short
// of "dispatched" which lives in its own field once reached (see mvState).
type PendingStatus string

const (
	PendingWaiting    PendingStatus = "pending"
	PendingProcessing PendingStatus = "processing"
)

// MVRegistration is what registerMV requires.
type MVRegistration struct {
	Name        string
	Source      string // source namespace
	RefreshMode RefreshMode
}

// pendingEntry accumulates changes since the last successful refresh.
type pendingEntry struct {
	changedFiles  []string
	firstChangeAt int64
	lastChangeAt  int64
	status        PendingStatus
}

// dispatchedEntry is the one in-flight workflow for a view. It is tracked
// separately from pendingEntry so a fresh pendingEntry can accumulate
// changes concurrently, per §4.4: "If a dispatched entry exists, create a
// new pending entry (i.e., the view is eligible to be refreshed again)."
type dispatchedEntry struct {
	workflowID    string
	changedFiles  []string
	firstChangeAt int64
	lastChangeAt  int64
}

// ReadyMV is returned by GetReadyMVs: the payload a refresh workflow needs.
type ReadyMV struct {
	Name         string
	ChangedFiles []string
}

// mvState is the full tracked state for one registered view.
type mvState struct {
	reg        MVRegistration
	pending    *pendingEntry    // nil when nothing is accumulating
	dispatched *dispatchedEntry // nil when no workflow is in flight
}

// Coordinator tracks refresh state for every registered materialized view.
type Coordinator struct {
	mu  sync.Mutex
	log *logrus.Entry

	views map[string]*mvState // name -> state
}

// New returns an empty Coordinator.
func New(log *logrus.Entry) *Coordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		log:   log.WithField("component", "mvrefresh"),
		views: make(map[string]*mvState),
	}
}

// RegisterMV records a view's refresh configuration. Re-registering an
// existing name replaces its configuration but preserves any in-flight state.
func (c *Coordinator) RegisterMV(reg MVRegistration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.views[reg.Name]
	if !ok {
		c.views[reg.Name] = &mvState{reg: reg}
		return
	}
	st.reg = reg
}

// NotifyChange accumulates a change notification into every streaming view
// sourced from ns, per the aggregation rule in §4.4. A dispatched workflow
// in flight never blocks a fresh pending entry from forming.
func (c *Coordinator) NotifyChange(ns string, files []string, timestamp, now int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, st := range c.views {
		if st.reg.Source != ns || st.reg.RefreshMode != RefreshStreaming {
			continue
		}

		if st.pending == nil {
			st.pending = &pendingEntry{
				changedFiles:  append([]string(nil), files...),
				firstChangeAt: timestamp,
				lastChangeAt:  now,
				status:        PendingWaiting,
			}
			continue
		}
		st.pending.changedFiles = append(st.pending.changedFiles, files...)
		st.pending.lastChangeAt = now
	}
}

// GetReadyMVs returns every view whose pending entry has quiesced
// (now-lastChangeAt >= debounceMs) or exceeded its max wait
// (now-firstChangeAt >= maxWaitMs), transitioning each pending -> processing.
func (c *Coordinator) GetReadyMVs(now, debounceMs, maxWaitMs int64) []ReadyMV {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ready []ReadyMV
	for name, st := range c.views {
		if st.pending == nil || st.pending.status != PendingWaiting {
			continue
		}
		quiesced := now-st.pending.lastChangeAt >= debounceMs
		maxWaited := now-st.pending.firstChangeAt >= maxWaitMs
		if !quiesced && !maxWaited {
			continue
		}
		st.pending.status = PendingProcessing
		ready = append(ready, ReadyMV{
			Name:         name,
			ChangedFiles: append([]string(nil), st.pending.changedFiles...),
		})
	}
	return ready
}

// ConfirmDispatch promotes a view's processing pending entry into the
// dispatched slot, freeing pending to accumulate a new entry immediately.
func (c *Coordinator) ConfirmDispatch(name, workflowID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.views[name]
	if !ok || st.pending == nil {
		return perr.NotFound("mvrefresh.ConfirmDispatch", "no pending refresh for view").WithTarget(name)
	}
	if st.pending.status != PendingProcessing {
		return perr.Conflict("mvrefresh.ConfirmDispatch", fmt.Sprintf("view %s is %s, not processing", name, st.pending.status)).WithTarget(name)
	}

	st.dispatched = &dispatchedEntry{
		workflowID:    workflowID,
		changedFiles:  st.pending.changedFiles,
		firstChangeAt: st.pending.firstChangeAt,
		lastChangeAt:  st.pending.lastChangeAt,
	}
	st.pending = nil
	return nil
}

// RollbackProcessing transitions processing -> pending when workflow
// creation failed.
func (c *Coordinator) RollbackProcessing(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.views[name]
	if !ok || st.pending == nil {
		return perr.NotFound("mvrefresh.RollbackProcessing", "no pending refresh for view").WithTarget(name)
	}
	if st.pending.status != PendingProcessing {
		return perr.Conflict("mvrefresh.RollbackProcessing", fmt.Sprintf("view %s is %s, not processing", name, st.pending.status)).WithTarget(name)
	}
	st.pending.status = PendingWaiting
	return nil
}

// WorkflowComplete reports a dispatched refresh's outcome. Success deletes
// the dispatched entry; failure merges its files back into (or creates) the
// view's pending entry for retry. An unknown MV, or one with nothing
// currently dispatched, returns alreadyDeleted=true (§4.4); a workflow-id
// mismatch is a conflict and leaves state unchanged.
func (c *Coordinator) WorkflowComplete(name, workflowID string, success bool) (alreadyDeleted bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.views[name]
	if !ok || st.dispatched == nil {
		return true, nil
	}
	if st.dispatched.workflowID != workflowID {
		return false, perr.Conflict("mvrefresh.WorkflowComplete", "workflow id mismatch").WithTarget(name)
	}

	d := st.dispatched
	st.dispatched = nil
	if success {
		return false, nil
	}

	if st.pending == nil {
		st.pending = &pendingEntry{
			changedFiles:  d.changedFiles,
			firstChangeAt: d.firstChangeAt,
			lastChangeAt:  d.lastChangeAt,
			status:        PendingWaiting,
		}
	} else {
		st.pending.changedFiles = append(d.changedFiles, st.pending.changedFiles...)
		if d.firstChangeAt < st.pending.firstChangeAt {
			st.pending.firstChangeAt = d.firstChangeAt
		}
	}
	return false, nil
}

// PendingCount returns the number of views with an outstanding (non-nil)
// pending entry, used by the status endpoint.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, st := range c.views {
		if st.pending != nil {
			n++
		}
	}
	return n
}

// DispatchedCount returns the number of views with an in-flight workflow.
func (c *Coordinator) DispatchedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, st := range c.views {
		if st.dispatched != nil {
			n++
		}
	}
	return n
}
