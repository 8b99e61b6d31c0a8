package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisqueue "github.com/parquedb/parquedb/queue/redis"
)

// fakeStateStore is an in-memory StateStore for tests that don't need a
// real Postgres connection, mirroring the phase fields db.StateStore tracks.
type fakeStateStore struct {
	mu     sync.Mutex
	phases map[string]string // workflowID -> phase
	errors map[string]string
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{
		phases: make(map[string]string),
		errors: make(map[string]string),
	}
}

func (f *fakeStateStore) CreateAction(ctx context.Context, workflowID, actionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phases[workflowID] = "pending"
	return nil
}

func (f *fakeStateStore) Start(ctx context.Context, workflowID, actionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phases[workflowID] = "running"
	return nil
}

func (f *fakeStateStore) Complete(ctx context.Context, workflowID, actionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phases[workflowID] = "completed"
	return nil
}

func (f *fakeStateStore) Fail(ctx context.Context, workflowID, actionID, errorMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phases[workflowID] = "failed"
	f.errors[workflowID] = errorMsg
	return nil
}

func (f *fakeStateStore) phaseOf(workflowID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phases[workflowID]
}

func newTestQueue(t *testing.T) *redisqueue.Queue {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	q, err := redisqueue.NewQueue(context.Background(), redisqueue.Config{
		RedisURL:  fmt.Sprintf("redis://%s/0", mr.Addr()),
		KeyPrefix: "test:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestRunnerDispatchExecutesAndReportsSuccess(t *testing.T) {
	q := newTestQueue(t)
	states := newFakeStateStore()

	done := make(chan Job, 1)
	var completed struct {
		sync.Mutex
		job     Job
		success bool
	}

	r := NewRunner(q, states, func(ctx context.Context, job Job) error {
		done <- job
		return nil
	}, func(job Job, success bool) {
		completed.Lock()
		completed.job = job
		completed.success = success
		completed.Unlock()
	}, DefaultPoolConfig(), nil)

	r.Start()
	defer r.Stop()

	id, err := r.Dispatch(context.Background(), Job{
		Kind:      KindCompaction,
		Namespace: "posts",
		WindowKey: "posts:1700000000000",
		Files:     []string{"data/posts/pending/1-shard-1.parquet"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case job := <-done:
		assert.Equal(t, "posts", job.Namespace)
	case <-time.After(2 * time.Second):
		t.Fatal("execute was never invoked")
	}

	require.Eventually(t, func() bool {
		return states.phaseOf(id) == "completed"
	}, 2*time.Second, 10*time.Millisecond)

	completed.Lock()
	assert.True(t, completed.success)
	assert.Equal(t, id, completed.job.ID)
	completed.Unlock()
}

func TestRunnerReportsFailureAndRecordsError(t *testing.T) {
	q := newTestQueue(t)
	states := newFakeStateStore()

	r := NewRunner(q, states, func(ctx context.Context, job Job) error {
		return assert.AnError
	}, nil, DefaultPoolConfig(), nil)

	r.Start()
	defer r.Stop()

	id, err := r.Dispatch(context.Background(), Job{
		Kind:   KindMVRefresh,
		MVName: "order_totals",
		Files:  []string{"data/orders/pending/1-shard-1.parquet"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return states.phaseOf(id) == "failed"
	}, 2*time.Second, 10*time.Millisecond)

	states.mu.Lock()
	assert.Equal(t, assert.AnError.Error(), states.errors[id])
	states.mu.Unlock()
}

func TestRunnerInFlightAndCancel(t *testing.T) {
	q := newTestQueue(t)
	states := newFakeStateStore()

	release := make(chan struct{})
	r := NewRunner(q, states, func(ctx context.Context, job Job) error {
		<-release
		return nil
	}, nil, DefaultPoolConfig(), nil)

	r.Start()
	defer r.Stop()

	id, err := r.Dispatch(context.Background(), Job{
		Kind:      KindCompaction,
		Namespace: "posts",
		WindowKey: "posts:1700000000000",
		Files:     []string{"data/posts/pending/1-shard-1.parquet"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, s := range r.InFlight() {
			if s.WorkflowID == id {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, r.RequestCancel(id, "test cancel"))

	close(release)
	require.Eventually(t, func() bool {
		return states.phaseOf(id) == "completed"
	}, 2*time.Second, 10*time.Millisecond)
}
