package api

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/parquedb/parquedb/objectstore"
	"github.com/parquedb/parquedb/workflow"
)

// ExecuteJob implements workflow.ExecuteFunc against this App's object
// store. A real compaction merge-sort or MV refresh query is out of scope
// (spec.md §1 Non-goals: "no general SQL engine, no query planner"); what
// this does is the minimal concrete action the workflow collaborator needs
// to actually move state: read every input file and concatenate their bytes
// into one output object, so ConfirmDispatch / WorkflowComplete have a real
// outcome to report rather than a no-op stub. Compaction also deletes its
// inputs; MV refresh leaves them in place.
func (a *App) ExecuteJob(ctx context.Context, job workflow.Job) error {
	switch job.Kind {
	case workflow.KindCompaction:
		return a.executeCompaction(ctx, job)
	case workflow.KindMVRefresh:
		return a.executeMVRefresh(ctx, job)
	default:
		return fmt.Errorf("api: unknown job kind %q", job.Kind)
	}
}

func (a *App) executeCompaction(ctx context.Context, job workflow.Job) error {
	merged, err := a.concatFiles(ctx, job.Files)
	if err != nil {
		return fmt.Errorf("api: compaction merge for %s failed: %w", job.WindowKey, err)
	}

	outKey := fmt.Sprintf("data/%s/compacted/%s-%s.parquet", job.Namespace, job.WindowKey, job.ID)
	a.log.WithFields(map[string]interface{}{
		"window": job.WindowKey,
		"size":   humanize.Bytes(uint64(len(merged))),
	}).Info("writing compacted output")
	if _, err := a.store.Put(ctx, outKey, merged, objectstore.PutOptions{IfNoneMatch: "*"}); err != nil {
		return fmt.Errorf("api: failed to write compacted output %s: %w", outKey, err)
	}

	if err := a.store.Delete(ctx, job.Files...); err != nil {
		return fmt.Errorf("api: failed to delete compacted inputs for %s: %w", job.WindowKey, err)
	}
	return nil
}

func (a *App) executeMVRefresh(ctx context.Context, job workflow.Job) error {
	merged, err := a.concatFiles(ctx, job.Files)
	if err != nil {
		return fmt.Errorf("api: mv refresh read for %s failed: %w", job.MVName, err)
	}

	outKey := fmt.Sprintf("data/_mv/%s/%d-%s.parquet", job.MVName, time.Now().UnixMilli(), job.ID)
	_, err = a.store.Put(ctx, outKey, merged, objectstore.PutOptions{IfNoneMatch: "*"})
	if err != nil {
		return fmt.Errorf("api: failed to write mv snapshot %s: %w", outKey, err)
	}
	return nil
}

func (a *App) concatFiles(ctx context.Context, keys []string) ([]byte, error) {
	var buf bytes.Buffer
	for _, key := range keys {
		data, err := a.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}
