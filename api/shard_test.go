package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parquedb/parquedb/objectstore"
	"github.com/parquedb/parquedb/shard"
)

func newTestShardApp(t *testing.T) (*App, *echo.Echo) {
	t.Helper()
	cfg := Config{
		Namespaces:   []string{"posts"},
		ShardDataDir: t.TempDir(),
		ShardConfig:  shard.DefaultConfig(),
	}
	a, err := NewApp(cfg, objectstore.NewMockStore(), nil, logrus.NewEntry(logrus.StandardLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	e := echo.New()
	a.RegisterShardRoutes(e)
	return a, e
}

func doRequest(e *echo.Echo, method, path string, body []byte) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandleAppendEventCreateAndDelete(t *testing.T) {
	_, e := newTestShardApp(t)

	reqBody, err := json.Marshal(rawEventRequest{Op: "CREATE", Body: map[string]interface{}{"$type": "post", "name": "raw"}, Actor: "alice"})
	require.NoError(t, err)
	rec := doRequest(e, http.MethodPost, "/v1/namespaces/posts/events", reqBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		ID  string `json:"id"`
		Seq int64  `json:"seq"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)

	delBody, err := json.Marshal(rawEventRequest{Op: "DELETE", TargetShortID: created.ID, Actor: "alice"})
	require.NoError(t, err)
	rec = doRequest(e, http.MethodPost, "/v1/namespaces/posts/events", delBody)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestHandleAppendEventRejectsUpdate(t *testing.T) {
	_, e := newTestShardApp(t)

	reqBody, err := json.Marshal(rawEventRequest{Op: "UPDATE", Actor: "alice"})
	require.NoError(t, err)
	rec := doRequest(e, http.MethodPost, "/v1/namespaces/posts/events", reqBody)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "raw append must reject UPDATE since it bypasses ValidateUpdate")
}

func TestHandleWalFlushRoutes(t *testing.T) {
	_, e := newTestShardApp(t)

	for i := 0; i < 3; i++ {
		body, _ := json.Marshal(createRequest{Body: map[string]interface{}{"$type": "post", "name": fmt.Sprintf("p%d", i)}, Actor: "alice"})
		rec := doRequest(e, http.MethodPost, "/v1/namespaces/posts", body)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doRequest(e, http.MethodPost, "/v1/namespaces/posts/wal/flush", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(e, http.MethodPost, "/v1/namespaces/posts/wal/flush-all", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(e, http.MethodDelete, "/v1/namespaces/posts/wal?upToSeq=1000", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(e, http.MethodDelete, "/v1/namespaces/posts/wal", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing upToSeq must be rejected")
}

func TestHandlePendingRowGroupLifecycle(t *testing.T) {
	_, e := newTestShardApp(t)

	bodies := make([]map[string]interface{}, 10)
	for i := range bodies {
		bodies[i] = map[string]interface{}{"$type": "post", "name": fmt.Sprintf("bulk-%d", i)}
	}
	body, _ := json.Marshal(createManyRequest{Bodies: bodies, Actor: "alice"})
	rec := doRequest(e, http.MethodPost, "/v1/namespaces/posts/bulk", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(e, http.MethodGet, "/v1/namespaces/posts/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var groups []struct {
		LastSeq int64 `json:"last_seq"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &groups))
	require.Len(t, groups, 1)

	rec = doRequest(e, http.MethodPost, "/v1/namespaces/posts/pending/flush", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var flushResp struct {
		Promoted int `json:"promoted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &flushResp))
	assert.Equal(t, 1, flushResp.Promoted)

	rec = doRequest(e, http.MethodDelete, fmt.Sprintf("/v1/namespaces/posts/pending?upToSeq=%d", groups[0].LastSeq), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(e, http.MethodGet, "/v1/namespaces/posts/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &groups))
	assert.Empty(t, groups, "deletePendingRowGroups must have removed the promoted group")
}

func TestHandleTransactionLifecycle(t *testing.T) {
	_, e := newTestShardApp(t)

	rec := doRequest(e, http.MethodPost, "/v1/namespaces/posts/transaction", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// A second begin while one is already open must conflict.
	rec = doRequest(e, http.MethodPost, "/v1/namespaces/posts/transaction", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(e, http.MethodPost, "/v1/namespaces/posts/transaction/rollback", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Commit with nothing open must also conflict.
	rec = doRequest(e, http.MethodPost, "/v1/namespaces/posts/transaction/commit", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(e, http.MethodPost, "/v1/namespaces/posts/transaction", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doRequest(e, http.MethodPost, "/v1/namespaces/posts/transaction/commit", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleUnknownNamespaceReturnsNotFound(t *testing.T) {
	_, e := newTestShardApp(t)

	rec := doRequest(e, http.MethodGet, "/v1/namespaces/unknown/pending", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
