package compaction

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTwoWritersReadinessScenario(t *testing.T) {
	c := New("events", nil)
	cfg := WindowConfig{WindowSizeMs: 1000, MaxWaitTimeMs: 500, MinFilesToCompact: 10, TargetFormat: "native"}

	var arrivals []FileArrival
	for i := 0; i < 10; i++ {
		arrivals = append(arrivals, FileArrival{WriterID: "w1", File: fmt.Sprintf("f%d.parquet", i), Timestamp: int64(i), Size: 100})
	}
	ready := c.Update(0, arrivals, cfg)
	assert.Empty(t, ready, "window not yet ended")

	// w2 is known to the coordinator (it wrote into the following window)
	// but has contributed nothing to window 0 yet, and its last activity
	// (t=1000) is still within maxWaitTimeMs of now (t=1500).
	ready = c.Update(1500, []FileArrival{{WriterID: "w2", File: "next-window.parquet", Timestamp: 1000, Size: 10}}, cfg)
	assert.Empty(t, ready, "writer w2 still active with no contribution to this window")

	var w2 []FileArrival
	for i := 0; i < 5; i++ {
		w2 = append(w2, FileArrival{WriterID: "w2", File: fmt.Sprintf("g%d.parquet", i), Timestamp: int64(995 + i), Size: 50})
	}
	ready = c.Update(1500, w2, cfg)
	require.Len(t, ready, 1)
	assert.Len(t, ready[0].Files, 15)
	assert.True(t, isSorted(ready[0].Files))

	windowKey := ready[0].WindowKey
	require.NoError(t, c.ConfirmDispatch(windowKey, "wf-1"))
	require.NoError(t, c.WorkflowComplete(windowKey, "wf-1", true))
	// Only the following window, opened by w2's t=1000 file, remains.
	assert.Equal(t, 1, c.ActiveWindowCount())
}

func TestRollbackProcessingReturnsToPending(t *testing.T) {
	c := New("events", nil)
	cfg := WindowConfig{WindowSizeMs: 1000, MaxWaitTimeMs: 0, MinFilesToCompact: 1, TargetFormat: "native"}

	ready := c.Update(2000, []FileArrival{{WriterID: "w1", File: "a.parquet", Timestamp: 0, Size: 10}}, cfg)
	require.Len(t, ready, 1)

	require.NoError(t, c.RollbackProcessing(ready[0].WindowKey))

	snap := c.StatusSnapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, StatusPending, snap[0].Status)
}

func TestWorkflowCompleteFailureResetsToPending(t *testing.T) {
	c := New("events", nil)
	cfg := WindowConfig{WindowSizeMs: 1000, MaxWaitTimeMs: 0, MinFilesToCompact: 1}

	ready := c.Update(2000, []FileArrival{{WriterID: "w1", File: "a.parquet", Timestamp: 0, Size: 10}}, cfg)
	require.Len(t, ready, 1)
	windowKey := ready[0].WindowKey

	require.NoError(t, c.ConfirmDispatch(windowKey, "wf-1"))
	require.NoError(t, c.WorkflowComplete(windowKey, "wf-1", false))

	snap := c.StatusSnapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, StatusPending, snap[0].Status)
}

func TestWorkflowCompleteWorkflowIDMismatchIsConflict(t *testing.T) {
	c := New("events", nil)
	cfg := WindowConfig{WindowSizeMs: 1000, MaxWaitTimeMs: 0, MinFilesToCompact: 1}

	ready := c.Update(2000, []FileArrival{{WriterID: "w1", File: "a.parquet", Timestamp: 0, Size: 10}}, cfg)
	require.Len(t, ready, 1)
	windowKey := ready[0].WindowKey
	require.NoError(t, c.ConfirmDispatch(windowKey, "wf-1"))

	err := c.WorkflowComplete(windowKey, "wf-wrong", true)
	require.Error(t, err)
	assert.Equal(t, 1, c.ActiveWindowCount(), "mismatch must not mutate state")
}

func TestStuckProcessingWindowRecoversOnNextUpdate(t *testing.T) {
	c := New("events", nil)
	cfg := WindowConfig{WindowSizeMs: 1000, MaxWaitTimeMs: 0, MinFilesToCompact: 1}

	ready := c.Update(2000, []FileArrival{{WriterID: "w1", File: "a.parquet", Timestamp: 0, Size: 10}}, cfg)
	require.Len(t, ready, 1, "window meets readiness immediately, transitions to processing")
	windowKey := ready[0].WindowKey

	// Never confirmed or rolled back: simulates a caller that crashed
	// mid-dispatch. After ProcessingTimeoutMs, the next update must
	// auto-reset it to pending per stuck-window recovery.
	stuckNow := int64(2000) + ProcessingTimeoutMs + 1
	ready = c.Update(stuckNow, nil, cfg)

	// Readiness conditions still hold at stuckNow, so the same update call
	// immediately re-promotes the recovered window pending -> processing.
	require.Len(t, ready, 1)
	assert.Equal(t, windowKey, ready[0].WindowKey)

	// Confirming against the original (pre-recovery) dispatch is no longer
	// meaningful since the window was never actually dispatched before.
	err := c.WorkflowComplete(windowKey, "some-stale-id", true)
	require.Error(t, err, "window is processing, not dispatched, so workflowComplete must reject it")
}

func isSorted(files []string) bool {
	for i := 1; i < len(files); i++ {
		if files[i-1] > files[i] {
			return false
		}
	}
	return true
}
