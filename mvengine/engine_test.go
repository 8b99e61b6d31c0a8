package mvengine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parquedb/parquedb/eventlog"
)

func makeEvent(ns string, seq int64) eventlog.Event {
	return eventlog.Event{
		ID:     fmt.Sprintf("e%d", seq),
		Seq:    seq,
		Op:     eventlog.OpCreate,
		Target: fmt.Sprintf("%s:id%d", ns, seq),
	}
}

func TestBatchFlushesAtBatchSize(t *testing.T) {
	e := New(nil)

	var mu sync.Mutex
	var batches [][]eventlog.Event
	done := make(chan struct{}, 10)

	e.RegisterMV(ViewHandler{
		Name:             "v1",
		SourceNamespaces: []string{"posts"},
		BatchSize:        5,
		BatchTimeoutMs:   5000,
		Process: func(batch []eventlog.Event) error {
			mu.Lock()
			batches = append(batches, batch)
			mu.Unlock()
			done <- struct{}{}
			return nil
		},
	})

	for i := int64(0); i < 5; i++ {
		e.ProcessEvent(makeEvent("posts", i))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("batch never flushed at batchSize")
	}

	mu.Lock()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 5)
	mu.Unlock()
}

func TestBatchFlushesAtTimeout(t *testing.T) {
	e := New(nil)
	done := make(chan []eventlog.Event, 1)

	e.RegisterMV(ViewHandler{
		Name:             "v1",
		SourceNamespaces: []string{"posts"},
		BatchSize:        100,
		BatchTimeoutMs:   20,
		Process: func(batch []eventlog.Event) error {
			done <- batch
			return nil
		},
	})

	e.ProcessEvent(makeEvent("posts", 1))

	select {
	case batch := <-done:
		assert.Len(t, batch, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("batch never flushed at timeout")
	}
}

func TestHandlerOnlyReceivesItsOwnNamespaces(t *testing.T) {
	e := New(nil)
	done := make(chan []eventlog.Event, 1)

	e.RegisterMV(ViewHandler{
		Name:             "postsOnly",
		SourceNamespaces: []string{"posts"},
		BatchSize:        1,
		Process: func(batch []eventlog.Event) error {
			done <- batch
			return nil
		},
	})

	e.ProcessEvent(makeEvent("users", 1))
	e.ProcessEvent(makeEvent("posts", 2))

	select {
	case batch := <-done:
		require.Len(t, batch, 1)
		assert.Equal(t, "posts:id2", batch[0].Target)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received its namespace's event")
	}
}

func TestFailedBatchDoesNotBlockOtherHandlers(t *testing.T) {
	e := New(nil)
	okDone := make(chan struct{}, 1)

	e.RegisterMV(ViewHandler{
		Name:             "failing",
		SourceNamespaces: []string{"posts"},
		BatchSize:        1,
		Process: func(batch []eventlog.Event) error {
			return assert.AnError
		},
	})
	e.RegisterMV(ViewHandler{
		Name:             "healthy",
		SourceNamespaces: []string{"posts"},
		BatchSize:        1,
		Process: func(batch []eventlog.Event) error {
			okDone <- struct{}{}
			return nil
		},
	})

	e.ProcessEvent(makeEvent("posts", 1))

	select {
	case <-okDone:
	case <-time.After(2 * time.Second):
		t.Fatal("healthy handler blocked by failing one")
	}

	require.Eventually(t, func() bool {
		return e.Stats().FailedBatches >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatsCountsByOpAndNamespace(t *testing.T) {
	e := New(nil)
	e.ProcessEvent(makeEvent("posts", 1))
	e.ProcessEvent(makeEvent("posts", 2))
	e.ProcessEvent(makeEvent("users", 3))

	stats := e.Stats()
	assert.Equal(t, int64(3), stats.EventsReceived)
	assert.Equal(t, int64(2), stats.EventsByNamespace["posts"])
	assert.Equal(t, int64(1), stats.EventsByNamespace["users"])
	assert.Equal(t, int64(3), stats.EventsByOp[eventlog.OpCreate])
}
