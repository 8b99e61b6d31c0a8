package shard

import "github.com/parquedb/parquedb/eventlog"

// CreateOptions configures create/createMany.
type CreateOptions struct {
	Actor string
}

// UpdateOptions configures update/delete.
type UpdateOptions struct {
	Actor           string
	ExpectedVersion int64 // 0 means "no optimistic-concurrency check"
}

// LinkOptions configures link/unlink.
type LinkOptions struct {
	Actor      string
	MatchMode  string
	Similarity float64
	Data       map[string]interface{}
}

// Mutation is an ordered set of update operators, built via NewMutation
// so that Fold always sees a declared application order rather than
// relying on Go's unordered map iteration.
type Mutation struct {
	order     []string
	operators map[string][]eventlog.MutationStep
}

// NewMutation starts an empty, ordered mutation.
func NewMutation() *Mutation {
	return &Mutation{operators: make(map[string][]eventlog.MutationStep)}
}

func (m *Mutation) add(op, field string, operand eventlog.Value) *Mutation {
	if _, exists := m.operators[op]; !exists {
		m.order = append(m.order, op)
	}
	m.operators[op] = append(m.operators[op], eventlog.MutationStep{Field: field, Operand: operand})
	return m
}

// Set appends a $set operator step.
func (m *Mutation) Set(field string, value eventlog.Value) *Mutation {
	return m.add(eventlog.OperatorSet, field, value)
}

// Inc appends an $inc operator step.
func (m *Mutation) Inc(field string, delta float64) *Mutation {
	return m.add(eventlog.OperatorInc, field, eventlog.FloatValue(delta))
}

// Push appends a $push operator step.
func (m *Mutation) Push(field string, value eventlog.Value) *Mutation {
	return m.add(eventlog.OperatorPush, field, value)
}

// Link appends a $link operator step.
func (m *Mutation) Link(predicate string, toID eventlog.Value) *Mutation {
	return m.add(eventlog.OperatorLink, predicate, toID)
}

// Unlink appends an $unlink operator step.
func (m *Mutation) Unlink(predicate string, toID eventlog.Value) *Mutation {
	return m.add(eventlog.OperatorUnlink, predicate, toID)
}

// IsEmpty reports whether no operators were declared.
func (m *Mutation) IsEmpty() bool { return len(m.order) == 0 }

// Entity is the public projection returned by create/get/update: the
// system attributes plus user attributes flattened to a plain map, ready
// for JSON encoding at an HTTP boundary.
type Entity struct {
	ID        string                 `json:"$id"`
	Type      string                 `json:"$type"`
	Name      string                 `json:"name,omitempty"`
	CreatedAt int64                  `json:"createdAt"`
	UpdatedAt int64                  `json:"updatedAt"`
	CreatedBy string                 `json:"createdBy,omitempty"`
	UpdatedBy string                 `json:"updatedBy,omitempty"`
	Version   int64                  `json:"version"`
	DeletedAt int64                  `json:"deletedAt,omitempty"`
	DeletedBy string                 `json:"deletedBy,omitempty"`
	Attrs     map[string]interface{} `json:"attrs"`
}

func entityFromProjection(proj *eventlog.Projection) *Entity {
	return &Entity{
		ID:        proj.ID,
		Type:      proj.Type,
		Name:      proj.Name,
		CreatedAt: proj.CreatedAt,
		UpdatedAt: proj.UpdatedAt,
		CreatedBy: proj.CreatedBy,
		UpdatedBy: proj.UpdatedBy,
		Version:   proj.Version,
		DeletedAt: proj.DeletedAt,
		DeletedBy: proj.DeletedBy,
		Attrs:     eventlog.ObjectValue(proj.Attrs).ToJSONMap(),
	}
}
