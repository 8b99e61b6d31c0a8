package workflow

import "context"

// InMemoryStateStore is a StateStore that keeps phases in a process-local
// map instead of Postgres. It satisfies the Runner's durability contract
// for local development and single-process deployments only: phase history
// is lost on restart, so a crashed runner can no longer tell which jobs
// were mid-flight.
type InMemoryStateStore struct {
	phases map[string]string
}

// NewInMemoryStateStore returns a StateStore with no persistence backing.
func NewInMemoryStateStore() *InMemoryStateStore {
	return &InMemoryStateStore{phases: make(map[string]string)}
}

func (s *InMemoryStateStore) CreateAction(ctx context.Context, workflowID, actionID string) error {
	s.phases[workflowID+"/"+actionID] = "pending"
	return nil
}

func (s *InMemoryStateStore) Start(ctx context.Context, workflowID, actionID string) error {
	s.phases[workflowID+"/"+actionID] = "running"
	return nil
}

func (s *InMemoryStateStore) Complete(ctx context.Context, workflowID, actionID string) error {
	s.phases[workflowID+"/"+actionID] = "completed"
	return nil
}

func (s *InMemoryStateStore) Fail(ctx context.Context, workflowID, actionID, errorMsg string) error {
	s.phases[workflowID+"/"+actionID] = "failed: " + errorMsg
	return nil
}
