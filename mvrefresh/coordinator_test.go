package mvrefresh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderAnalyticsDebounceScenario(t *testing.T) {
	c := New(nil)
	c.RegisterMV(MVRegistration{Name: "OrderAnalytics", Source: "orders", RefreshMode: RefreshStreaming})

	var now int64
	for i := 0; i < 10; i++ {
		now = int64(i) * 500
		c.NotifyChange("orders", []string{"f" + string(rune('0'+i)) + ".parquet"}, now, now)

		ready := c.GetReadyMVs(now, 1000, 5000)
		assert.Empty(t, ready, "still within debounce window on every call")
	}

	assert.Equal(t, 1, c.PendingCount(), "ten notifyChange calls must accumulate into one pending entry")

	quiescentNow := now + 1000
	ready := c.GetReadyMVs(quiescentNow, 1000, 5000)
	require.Len(t, ready, 1)
	assert.Equal(t, "OrderAnalytics", ready[0].Name)
	assert.Len(t, ready[0].ChangedFiles, 10)

	require.NoError(t, c.ConfirmDispatch("OrderAnalytics", "wf-1"))
	_, err := c.WorkflowComplete("OrderAnalytics", "wf-1", true)
	require.NoError(t, err)
	assert.Equal(t, 0, c.PendingCount())
}

func TestNonStreamingMVIgnoresNotifyChange(t *testing.T) {
	c := New(nil)
	c.RegisterMV(MVRegistration{Name: "Scheduled", Source: "orders", RefreshMode: RefreshScheduled})

	c.NotifyChange("orders", []string{"f.parquet"}, 0, 0)
	assert.Equal(t, 0, c.PendingCount())
}

func TestMaxWaitExceedsDebounce(t *testing.T) {
	c := New(nil)
	c.RegisterMV(MVRegistration{Name: "OrderAnalytics", Source: "orders", RefreshMode: RefreshStreaming})

	c.NotifyChange("orders", []string{"f0.parquet"}, 0, 0)
	// Constant drip every 900ms keeps lastChangeAt within debounceMs(1000)
	// of "now" each time, so quiescence never fires, but maxWaitMs(5000)
	// measured from firstChangeAt eventually forces readiness.
	var now int64
	for i := int64(1); i <= 6; i++ {
		now = i * 900
		c.NotifyChange("orders", []string{"f.parquet"}, now, now)
		ready := c.GetReadyMVs(now, 1000, 5000)
		if now-0 >= 5000 {
			require.Len(t, ready, 1, "max wait exceeded must force readiness even without quiescence")
			return
		}
		assert.Empty(t, ready)
	}
	t.Fatal("loop should have hit max-wait exit")
}

func TestWorkflowCompleteFailureResetsPendingForRetry(t *testing.T) {
	c := New(nil)
	c.RegisterMV(MVRegistration{Name: "V", Source: "orders", RefreshMode: RefreshStreaming})
	c.NotifyChange("orders", []string{"a.parquet"}, 0, 0)

	ready := c.GetReadyMVs(2000, 1000, 5000)
	require.Len(t, ready, 1)
	require.NoError(t, c.ConfirmDispatch("V", "wf-1"))

	_, err := c.WorkflowComplete("V", "wf-1", false)
	require.NoError(t, err)
	assert.Equal(t, 1, c.PendingCount())

	ready = c.GetReadyMVs(2000, 1000, 5000)
	require.Len(t, ready, 1, "reset pending entry is ready again immediately since it already quiesced")
}

func TestWorkflowCompleteUnknownMVReportsAlreadyDeleted(t *testing.T) {
	c := New(nil)
	alreadyDeleted, err := c.WorkflowComplete("nonexistent", "wf-1", true)
	require.NoError(t, err)
	assert.True(t, alreadyDeleted)
}

func TestDispatchedEntryGetsFreshPendingOnNewChange(t *testing.T) {
	c := New(nil)
	c.RegisterMV(MVRegistration{Name: "V", Source: "orders", RefreshMode: RefreshStreaming})
	c.NotifyChange("orders", []string{"a.parquet"}, 0, 0)

	ready := c.GetReadyMVs(2000, 1000, 5000)
	require.Len(t, ready, 1)
	require.NoError(t, c.ConfirmDispatch("V", "wf-1"))

	// A new change arrives while the previous refresh is still dispatched.
	c.NotifyChange("orders", []string{"b.parquet"}, 2500, 2500)
	assert.Equal(t, 1, c.PendingCount())

	_, err := c.WorkflowComplete("V", "wf-1", true)
	require.NoError(t, err)
	// The fresh pending entry created during dispatch must survive the
	// prior workflow's completion.
	assert.Equal(t, 1, c.PendingCount())
}
