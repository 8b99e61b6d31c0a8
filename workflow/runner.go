// Package workflow gives the compaction and MV refresh coordinators a
// concrete place to hand off ready work: jobs are enqueued on a Redis list,
// picked up by a worker pool, and their phase is tracked durably in
// Postgres so a crashed runner doesn't lose track of in-flight jobs.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/parquedb/parquedb/coordinator"
	"github.com/parquedb/parquedb/db"
	redisqueue "github.com/parquedb/parquedb/queue/redis"
	"github.com/parquedb/parquedb/worker"
)

// dbStateStore is an alias kept local to this file so PostgresStateStore's
// field type reads naturally without exporting a db.StateStore dependency
// in the Runner's own constructor signature.
type dbStateStore = db.StateStore

// NewPostgresStateStore wraps an existing db.StateStore for use by a Runner.
func NewPostgresStateStore(store *db.StateStore) *PostgresStateStore {
	return &PostgresStateStore{Store: store}
}

// StateStore is the subset of db.StateStore's phase-tracking behavior the
// Runner needs, narrowed to an interface so tests can inject an in-memory
// fake instead of a real Postgres connection. Wrap a *db.StateStore with
// PostgresStateStore to satisfy it in production.
type StateStore interface {
	CreateAction(ctx context.Context, workflowID, actionID string) error
	Start(ctx context.Context, workflowID, actionID string) error
	Complete(ctx context.Context, workflowID, actionID string) error
	Fail(ctx context.Context, workflowID, actionID, errorMsg string) error
}

// PostgresStateStore adapts *db.StateStore to the Runner's StateStore
// interface, discarding the full db.ActionState that CreateAction returns
// since the Runner only needs to know whether the record was created.
type PostgresStateStore struct {
	Store *dbStateStore
}

func (p *PostgresStateStore) CreateAction(ctx context.Context, workflowID, actionID string) error {
	_, err := p.Store.CreateAction(ctx, workflowID, actionID)
	return err
}

func (p *PostgresStateStore) Start(ctx context.Context, workflowID, actionID string) error {
	return p.Store.Start(ctx, workflowID, actionID)
}

func (p *PostgresStateStore) Complete(ctx context.Context, workflowID, actionID string) error {
	return p.Store.Complete(ctx, workflowID, actionID)
}

func (p *PostgresStateStore) Fail(ctx context.Context, workflowID, actionID, errorMsg string) error {
	return p.Store.Fail(ctx, workflowID, actionID, errorMsg)
}

// Kind discriminates the two shapes of job a coordinator can dispatch.
type Kind string

const (
	KindCompaction Kind = "compaction"
	KindMVRefresh  Kind = "mv_refresh"
)

// Job is a unit of dispatched work: either a compaction window's files or an
// MV's accumulated changed files, tagged with enough identity for the
// originating coordinator to later receive workflowComplete.
type Job struct {
	ID         string
	Kind       Kind
	Namespace  string // compaction jobs
	WindowKey  string // compaction jobs
	MVName     string // mv_refresh jobs
	Files      []string
	EnqueuedAt time.Time
	RetryCount int
}

// ExecuteFunc performs the actual work for a job (running the compaction
// merge or the MV's refresh query) and is supplied by the caller that wires
// up a Runner; Runner only owns dispatch and phase bookkeeping. A failed job
// is not retried; it is reported to onDone with success=false.
type ExecuteFunc func(ctx context.Context, job Job) error

// CompletionFunc is invoked once a job finishes, successfully or not, so the
// caller can route the result back to the owning coordinator's
// workflowComplete method.
type CompletionFunc func(job Job, success bool)

// Runner is a Dispatch/complete-callback collaborator for the compaction and
// MV refresh coordinators. One Runner serves both job kinds; the worker pool
// config determines how many goroutines drain each kind's queue.
type Runner struct {
	mu      sync.Mutex
	pending map[string]Job

	queue   *redisqueue.Queue
	states  StateStore
	pool    *worker.Pool
	execute ExecuteFunc
	onDone  CompletionFunc
	log     *logrus.Entry

	// phases tracks each job's in-process lifecycle (pending -> execution ->
	// completing -> completed/failed) independently of the durable
	// StateStore, so a caller can inspect or request cancellation of a job
	// that's still in flight without waiting on a Postgres round trip.
	phases *coordinator.PhaseManager
}

// NewRunner wires a Runner over an already-connected Redis queue and a
// phase state store (NewPostgresStateStore in production, an in-memory fake
// in tests). execute performs the job; onDone is called exactly once per
// dispatched job, after its phase has been recorded as completed or failed.
func NewRunner(q *redisqueue.Queue, states StateStore, execute ExecuteFunc, onDone CompletionFunc, cfg worker.Config, log *logrus.Entry) *Runner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	r := &Runner{
		pending: make(map[string]Job),
		queue:   q,
		states:  states,
		execute: execute,
		onDone:  onDone,
		log:     log.WithField("component", "workflow"),
		phases:  coordinator.NewPhaseManager(),
	}

	r.pool = worker.NewPool(&queueAdapter{q: q}, &jobProcessor{r: r}, cfg)
	return r
}

// DefaultPoolConfig returns two workers per job kind, mirroring how lightly
// loaded the compaction and MV refresh queues are compared to a general
// action-execution workload.
func DefaultPoolConfig() worker.Config {
	return worker.Config{
		Queues: map[string]int{
			string(KindCompaction): 2,
			string(KindMVRefresh):  2,
		},
	}
}

// Start begins draining both job queues in background goroutines.
func (r *Runner) Start() { r.pool.Start() }

// Stop halts all worker goroutines.
func (r *Runner) Stop() { r.pool.Stop() }

// InFlight returns the phase state of every job that hasn't yet reached a
// terminal state, for a /v1/ops-style introspection surface.
func (r *Runner) InFlight() []*coordinator.PhaseState {
	return r.phases.GetActiveWorkflows()
}

// RequestCancel marks a job as cancelling. The phase manager accepts this
// only once the job has reached the execution phase; a job still queued (or
// in pre-flight or planning) is rejected with an error. jobProcessor.Process
// does not consult the phase and runs execute to completion, so an accepted
// request does not change the job's outcome.
func (r *Runner) RequestCancel(jobID, reason string) error {
	return r.phases.Cancel(jobID, reason)
}

// Dispatch assigns job a fresh workflow ID, records it as pending in the
// state store, enqueues it, and returns the ID for the caller to pass to
// the coordinator's confirmDispatch.
func (r *Runner) Dispatch(ctx context.Context, job Job) (string, error) {
	job.ID = uuid.New().String()
	job.EnqueuedAt = time.Now()

	// service_action_executions models "one workflow, many actions"; a
	// dispatched job here is always exactly one workflow with one action,
	// so job.ID doubles as both columns and job.Kind discriminates them.
	if err := r.states.CreateAction(ctx, job.ID, string(job.Kind)); err != nil {
		return "", fmt.Errorf("workflow: failed to record job %s: %w", job.ID, err)
	}
	r.phases.RegisterWorkflow(job.ID, "", job.ID)

	r.mu.Lock()
	r.pending[job.ID] = job
	r.mu.Unlock()

	rq := redisqueue.Job{
		ActionID:   job.ID,
		QueueName:  string(job.Kind),
		WorkflowID: job.ID,
		RunID:      job.ID,
		EnqueuedAt: job.EnqueuedAt,
	}
	if err := r.queue.Enqueue(rq); err != nil {
		r.mu.Lock()
		delete(r.pending, job.ID)
		r.mu.Unlock()
		return "", fmt.Errorf("workflow: failed to enqueue job %s: %w", job.ID, err)
	}

	r.log.WithFields(logrus.Fields{"job_id": job.ID, "kind": job.Kind}).Info("dispatched job")
	return job.ID, nil
}

// queueAdapter satisfies worker.Queue over the concrete redisqueue.Queue,
// whose methods take/return redisqueue.Job rather than interface{}.
type queueAdapter struct {
	q *redisqueue.Queue
}

func (a *queueAdapter) Dequeue(queueName string, timeout time.Duration) (interface{}, error) {
	job, err := a.q.Dequeue(queueName, timeout)
	if err != nil || job == nil {
		return nil, err
	}
	return job, nil
}

func (a *queueAdapter) Enqueue(job interface{}) error {
	switch rq := job.(type) {
	case redisqueue.Job:
		return a.q.Enqueue(rq)
	case *redisqueue.Job:
		// Dequeue hands the worker pool a pointer, which is what it re-enqueues.
		return a.q.Enqueue(*rq)
	default:
		return fmt.Errorf("workflow: unexpected re-enqueue payload type %T", job)
	}
}

func (a *queueAdapter) MarkProcessing(jobID string, deadline time.Time) error {
	return a.q.MarkProcessing(jobID, deadline)
}

func (a *queueAdapter) CompleteJob(jobID string) error {
	return a.q.CompleteJob(jobID)
}

func (a *queueAdapter) FailJob(jobID string, requeue bool, queueName string, retryCount int) error {
	return a.q.FailJob(jobID, requeue, queueName, retryCount)
}

// jobProcessor satisfies worker.JobProcessor, bridging a dequeued
// redisqueue.Job back to the full workflow.Job the Runner still has pending
// in memory, then running it through execute and recording the outcome.
type jobProcessor struct {
	r *Runner
}

func (p *jobProcessor) GetJobID(job interface{}) string {
	rq := job.(*redisqueue.Job)
	return rq.ActionID
}

func (p *jobProcessor) GetTimeout(job interface{}) time.Duration {
	return 10 * time.Minute
}

func (p *jobProcessor) Process(ctx context.Context, job interface{}) error {
	rq := job.(*redisqueue.Job)

	p.r.mu.Lock()
	dj, ok := p.r.pending[rq.ActionID]
	p.r.mu.Unlock()
	if !ok {
		return fmt.Errorf("workflow: unknown job %s (runner restarted mid-flight?)", rq.ActionID)
	}

	if err := p.r.states.Start(ctx, dj.ID, string(dj.Kind)); err != nil {
		p.r.log.WithError(err).Warn("failed to record job start, proceeding anyway")
	}
	for _, transition := range []coordinator.Phase{coordinator.PhasePreFlight, coordinator.PhasePlanning, coordinator.PhaseExecution} {
		if err := p.r.phases.TransitionTo(dj.ID, transition, "dispatched to worker"); err != nil {
			p.r.log.WithError(err).Debug("phase transition skipped")
		}
	}

	execErr := p.r.execute(ctx, dj)
	success := execErr == nil

	if success {
		if err := p.r.states.Complete(ctx, dj.ID, string(dj.Kind)); err != nil {
			p.r.log.WithError(err).Warn("failed to record job completion")
		}
		if err := p.r.phases.Complete(dj.ID); err != nil {
			p.r.log.WithError(err).Debug("phase completion skipped")
		}
	} else {
		if err := p.r.states.Fail(ctx, dj.ID, string(dj.Kind), execErr.Error()); err != nil {
			p.r.log.WithError(err).Warn("failed to record job failure")
		}
		if err := p.r.phases.Fail(dj.ID, execErr.Error()); err != nil {
			p.r.log.WithError(err).Debug("phase failure skipped")
		}
	}

	p.r.mu.Lock()
	delete(p.r.pending, dj.ID)
	p.r.mu.Unlock()
	p.r.phases.RemoveWorkflow(dj.ID)

	if p.r.onDone != nil {
		p.r.onDone(dj, success)
	}

	return execErr
}
