package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisqueue "github.com/parquedb/parquedb/queue/redis"
	"github.com/parquedb/parquedb/workflow"
)

// fakeStateStore is a minimal in-memory workflow.StateStore, enough to drive
// a Runner through dispatch/start/complete without a real Postgres instance.
type fakeStateStore struct {
	mu sync.Mutex
}

func (f *fakeStateStore) CreateAction(ctx context.Context, workflowID, actionID string) error {
	return nil
}
func (f *fakeStateStore) Start(ctx context.Context, workflowID, actionID string) error { return nil }
func (f *fakeStateStore) Complete(ctx context.Context, workflowID, actionID string) error {
	return nil
}
func (f *fakeStateStore) Fail(ctx context.Context, workflowID, actionID, errorMsg string) error {
	return nil
}

func newTestRunner(t *testing.T, execute workflow.ExecuteFunc) *workflow.Runner {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	q, err := redisqueue.NewQueue(context.Background(), redisqueue.Config{
		RedisURL:  fmt.Sprintf("redis://%s/0", mr.Addr()),
		KeyPrefix: "test:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	r := workflow.NewRunner(q, &fakeStateStore{}, execute, nil, workflow.DefaultPoolConfig(), logrus.NewEntry(logrus.StandardLogger()))
	r.Start()
	t.Cleanup(r.Stop)
	return r
}

func newTestAppWithRunner(runner *workflow.Runner) *App {
	return &App{
		log:    logrus.NewEntry(logrus.StandardLogger()),
		runner: runner,
	}
}

func TestRegisterWorkflowRoutesInFlight(t *testing.T) {
	release := make(chan struct{})
	r := newTestRunner(t, func(ctx context.Context, job workflow.Job) error {
		<-release
		return nil
	})
	defer close(release)

	a := newTestAppWithRunner(r)
	e := echo.New()
	a.RegisterWorkflowRoutes(e.Group("/v1/workflows"))

	id, err := r.Dispatch(context.Background(), workflow.Job{
		Kind:      workflow.KindCompaction,
		Namespace: "posts",
		WindowKey: "posts:1700000000000",
		Files:     []string{"data/posts/pending/1-shard-1.parquet"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/v1/workflows/in-flight", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code == http.StatusOK && assertContainsID(rec.Body.String(), id)
	}, 2*time.Second, 10*time.Millisecond)
}

func assertContainsID(body, id string) bool {
	return strings.Contains(body, id)
}

func TestRegisterWorkflowRoutesCancelUnknownJob(t *testing.T) {
	r := newTestRunner(t, func(ctx context.Context, job workflow.Job) error { return nil })
	a := newTestAppWithRunner(r)
	e := echo.New()
	a.RegisterWorkflowRoutes(e.Group("/v1/workflows"))

	req := httptest.NewRequest(http.MethodPost, "/v1/workflows/does-not-exist/cancel", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}
