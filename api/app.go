// Package api wires the shard engine, compaction coordinator, MV refresh
// coordinator, and workflow runner together behind a single set of Echo
// routes -- the thin "internal RPC" surface spec.md §6 names without
// specifying transport, made concrete per SPEC_FULL.md §4.5.
package api

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/parquedb/parquedb/compaction"
	"github.com/parquedb/parquedb/mvengine"
	"github.com/parquedb/parquedb/mvrefresh"
	"github.com/parquedb/parquedb/notify"
	"github.com/parquedb/parquedb/objectstore"
	"github.com/parquedb/parquedb/shard"
	"github.com/parquedb/parquedb/statemanager"
	"github.com/parquedb/parquedb/workflow"
)

// Config carries the tunables App needs that don't belong to any one
// collaborator: the per-namespace window policy compaction.Update consumes
// on every call, and the debounce/max-wait pair GetReadyMVs consumes.
type Config struct {
	Namespaces   []string
	ShardDataDir string
	ShardConfig  shard.Config
	Window       compaction.WindowConfig
	MVDebounceMs int64
	MVMaxWaitMs  int64
}

// App owns one shard.Engine and one compaction.Coordinator per configured
// namespace, a single mvrefresh.Coordinator and mvengine.Engine shared
// across namespaces, and the workflow.Runner both coordinators dispatch
// through.
type App struct {
	cfg Config
	log *logrus.Entry

	store objectstore.Store

	shards     map[string]*shard.Engine
	compactors map[string]*compaction.Coordinator
	mv         *mvrefresh.Coordinator
	mvEngine   *mvengine.Engine
	runner     *workflow.Runner
	consumer   *notify.Consumer

	// ops tracks every dispatched compaction/MV refresh job as an
	// operation, surfaced read-only at /v1/ops for observability; it does
	// not gate or alter dispatch behavior.
	ops *statemanager.Manager
}

// NewApp opens a shard.Engine and compaction.Coordinator for every
// configured namespace, wires the MV engine as the shared event sink of
// every shard, and attaches runner as the dispatch target for both
// coordinators. Arrival notifications reach the App through the
// coordinator routes or a notify.Consumer (see AttachConsumer).
func NewApp(cfg Config, store objectstore.Store, runner *workflow.Runner, log *logrus.Entry) (*App, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if len(cfg.Namespaces) == 0 {
		return nil, fmt.Errorf("api: at least one namespace is required")
	}

	a := &App{
		cfg:        cfg,
		log:        log.WithField("component", "api"),
		store:      store,
		shards:     make(map[string]*shard.Engine),
		compactors: make(map[string]*compaction.Coordinator),
		mv:         mvrefresh.New(log),
		mvEngine:   mvengine.New(log),
		runner:     runner,
		ops:        statemanager.New(statemanager.Config{ServiceName: "parquedb"}),
	}

	for _, ns := range cfg.Namespaces {
		dbPath := fmt.Sprintf("%s/%s.db", cfg.ShardDataDir, ns)
		engine, err := shard.Open(ns, dbPath, store, cfg.ShardConfig, log)
		if err != nil {
			a.closeShards()
			return nil, fmt.Errorf("api: failed to open shard %s: %w", ns, err)
		}
		engine.SetEventSink(a.mvEngine)
		a.shards[ns] = engine
		a.compactors[ns] = compaction.New(ns, log)
	}

	return a, nil
}

func (a *App) closeShards() {
	for _, e := range a.shards {
		_ = e.Close()
	}
}

// Close flushes and closes every shard engine. It does not stop the
// workflow runner or notify consumer, which callers own independently.
func (a *App) Close() error {
	var firstErr error
	for ns, e := range a.shards {
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("api: failed to close shard %s: %w", ns, err)
		}
	}
	return firstErr
}

// AttachConsumer starts consuming arrival notifications from amqpURL/queueName
// in a background goroutine, routing each filtered Arrival to the matching
// namespace's compaction coordinator and to the MV refresh coordinator. The
// returned error is non-nil only if the initial connection fails; consumer
// run errors are logged, not returned, since Start blocks for the process
// lifetime.
func (a *App) AttachConsumer(amqpURL, queueName string) error {
	consumer, err := notify.NewConsumer(amqpURL, queueName, a.dispatchArrival, a.log)
	if err != nil {
		return err
	}
	a.consumer = consumer
	go func() {
		if err := consumer.Start(); err != nil {
			a.log.WithError(err).Error("notify consumer stopped")
		}
	}()
	return nil
}

// StopConsumer stops the attached notify.Consumer, if any.
func (a *App) StopConsumer() {
	if a.consumer != nil {
		a.consumer.Stop()
	}
}

func (a *App) dispatchArrival(arr notify.Arrival) {
	c, ok := a.compactors[arr.NS]
	if !ok {
		a.log.WithField("namespace", arr.NS).Warn("arrival for unconfigured namespace, ignoring")
		return
	}

	ready := c.Update(arr.Timestamp, []compaction.FileArrival{{
		WriterID:  arr.WriterID,
		File:      arr.File,
		Timestamp: arr.Timestamp,
		Size:      arr.Size,
	}}, a.cfg.Window)
	for _, w := range ready {
		a.dispatchCompactionWindow(w)
	}

	a.mv.NotifyChange(arr.NS, []string{arr.File}, arr.Timestamp, arr.Timestamp)
}

func (a *App) dispatchCompactionWindow(w compaction.WindowReadyEntry) {
	a.ops.StartOperation(w.WindowKey, "compaction", map[string]interface{}{
		"namespace": w.NS,
		"fileCount": len(w.Files),
	})

	id, err := a.runner.Dispatch(context.Background(), workflow.Job{
		Kind:      workflow.KindCompaction,
		Namespace: w.NS,
		WindowKey: w.WindowKey,
		Files:     w.Files,
	})
	compactor := a.compactors[w.NS]
	if err != nil {
		a.log.WithError(err).WithField("window", w.WindowKey).Error("failed to dispatch compaction window")
		a.ops.CompleteOperation(w.WindowKey, err)
		if rbErr := compactor.RollbackProcessing(w.WindowKey); rbErr != nil {
			a.log.WithError(rbErr).Warn("failed to roll back window after dispatch failure")
		}
		return
	}
	a.ops.UpdateMetadata(w.WindowKey, "workflowId", id)
	if err := compactor.ConfirmDispatch(w.WindowKey, id); err != nil {
		a.log.WithError(err).WithField("window", w.WindowKey).Error("failed to confirm compaction dispatch")
	}
}

func dispatchJobForMV(mv mvrefresh.ReadyMV) workflow.Job {
	return workflow.Job{
		Kind:   workflow.KindMVRefresh,
		MVName: mv.Name,
		Files:  mv.ChangedFiles,
	}
}

// WorkflowComplete routes a finished job back to the coordinator that
// dispatched it. The caller wires this as the workflow.Runner's
// CompletionFunc; since the Runner must be constructed before the App that
// owns this method, callers typically capture App in a closure declared
// before the Runner (see cli.runServer).
func (a *App) WorkflowComplete(job workflow.Job, success bool) {
	var opErr error
	if !success {
		opErr = fmt.Errorf("workflow %s reported failure", job.ID)
	}

	switch job.Kind {
	case workflow.KindCompaction:
		a.ops.CompleteOperation(job.WindowKey, opErr)
		c, ok := a.compactors[job.Namespace]
		if !ok {
			a.log.WithField("namespace", job.Namespace).Warn("workflowComplete for unconfigured namespace")
			return
		}
		if err := c.WorkflowComplete(job.WindowKey, job.ID, success); err != nil {
			a.log.WithError(err).WithField("window", job.WindowKey).Error("workflowComplete failed")
		}
	case workflow.KindMVRefresh:
		a.ops.CompleteOperation(job.MVName, opErr)
		if _, err := a.mv.WorkflowComplete(job.MVName, job.ID, success); err != nil {
			a.log.WithError(err).WithField("mv", job.MVName).Error("workflowComplete failed")
		}
	}
}
