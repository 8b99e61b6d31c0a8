//go:build integration

package db_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	containertest "github.com/parquedb/parquedb/containers/testing"
	"github.com/parquedb/parquedb/db"
)

const actionExecutionsSchema = `
CREATE EXTENSION IF NOT EXISTS pgcrypto;

CREATE TABLE service_action_executions (
	id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	workflow_id      TEXT NOT NULL,
	action_id        TEXT NOT NULL,
	phase            TEXT NOT NULL,
	status           TEXT NOT NULL,
	progress_pct     INT NOT NULL DEFAULT 0,
	progress_stage   TEXT,
	progress_message TEXT,
	checkpoint_id    TEXT,
	checkpoint_data  JSONB,
	error            TEXT,
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (workflow_id, action_id)
);`

// TestStateStoreLifecycleAgainstRealPostgres exercises the phase
// transitions a workflow.Runner drives (CreateAction -> Start -> Complete)
// against a real Postgres instance rather than a mock, since StateStore's
// queries are PostgreSQL-specific (RETURNING, JSONB, UUID defaults).
func TestStateStoreLifecycleAgainstRealPostgres(t *testing.T) {
	ctx := context.Background()

	connString, cleanup, err := containertest.SetupPostgres(ctx, t, nil)
	require.NoError(t, err)
	defer cleanup()

	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err)
	defer pool.Close()

	_, err = pool.Exec(ctx, actionExecutionsSchema)
	require.NoError(t, err)

	store := db.NewStateStore(pool, "parquedb_workflow_events")

	workflowID := "wf-1"
	actionID := "compact-ns1-window1"

	created, err := store.CreateAction(ctx, workflowID, actionID)
	require.NoError(t, err)
	require.Equal(t, db.PhasePending, created.Phase)

	require.NoError(t, store.Start(ctx, workflowID, actionID))
	fetched, err := store.GetAction(ctx, workflowID, actionID)
	require.NoError(t, err)
	require.Equal(t, "running", fetched.Status)

	require.NoError(t, store.Complete(ctx, workflowID, actionID))
	fetched, err = store.GetAction(ctx, workflowID, actionID)
	require.NoError(t, err)
	require.Equal(t, "completed", fetched.Status)
	require.NotNil(t, fetched.CompletedAt)
}
