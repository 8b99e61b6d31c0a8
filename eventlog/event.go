package eventlog

import "time"

// Op enumerates the three event operation kinds.
type Op string

const (
	OpCreate Op = "CREATE"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Operator names accepted in an UPDATE mutation.
const (
	OperatorSet    = "$set"
	OperatorInc    = "$inc"
	OperatorPush   = "$push"
	OperatorLink   = "$link"
	OperatorUnlink = "$unlink"
)

// Payload is the tagged-variant event body: exactly one of Body (CREATE) or
// Operators (UPDATE) is populated; DELETE carries neither.
type Payload struct {
	Body      map[string]Value          // CREATE: the full entity body
	Operators map[string][]MutationStep // UPDATE: operator -> ordered steps

	operatorOrder []string // declared order of operator application, see OperatorOrder
}

// WithOperatorOrder records the order operators were declared in the
// original mutation request, so Fold applies them in that order rather than
// a fixed canonical order.
func (p *Payload) WithOperatorOrder(order []string) *Payload {
	p.operatorOrder = order
	return p
}

// MutationStep is one operator invocation: for $set it's {field: value}; for
// $inc {field: delta}; for $push {field: value}; for $link/$unlink
// {predicate: toId} (toId may itself be an array under Value semantics).
type MutationStep struct {
	Field   string
	Operand Value
}

// Event is the durable unit of change, per §3 of the data model.
type Event struct {
	ID      string // short sequence-encoded id, unique within (shard, ns)
	Seq     int64  // strictly monotonic per ns
	TS      int64  // wall-clock ms
	Op      Op
	Target  string // ns:entityShortId
	Before  *Payload
	After   *Payload
	Actor   string
}

// NowMS returns the current wall clock in milliseconds, the timestamp unit
// used throughout the event log.
func NowMS() int64 {
	return time.Now().UnixMilli()
}

// NewCreateEvent builds a CREATE event. Before is always nil for CREATE.
func NewCreateEvent(id string, seq int64, target string, body map[string]Value, actor string) Event {
	return Event{
		ID:     id,
		Seq:    seq,
		TS:     NowMS(),
		Op:     OpCreate,
		Target: target,
		After:  &Payload{Body: body},
		Actor:  actor,
	}
}

// NewUpdateEvent builds an UPDATE event carrying the operators applied, in
// the declared order supplied by the caller (the order attribute names were
// listed in the mutation request).
func NewUpdateEvent(id string, seq int64, target string, operators map[string][]MutationStep, order []string, actor string) Event {
	return Event{
		ID:     id,
		Seq:    seq,
		TS:     NowMS(),
		Op:     OpUpdate,
		Target: target,
		After:  (&Payload{Operators: operators}).WithOperatorOrder(order),
		Actor:  actor,
	}
}

// NewDeleteEvent builds a DELETE event. Per the resolved open question,
// DELETE never carries a Before image in this implementation: the entity's
// state at time of deletion is always recoverable by replaying prior events,
// so retaining a redundant snapshot would only risk drifting from the fold.
func NewDeleteEvent(id string, seq int64, target string, actor string) Event {
	return Event{
		ID:     id,
		Seq:    seq,
		TS:     NowMS(),
		Op:     OpDelete,
		Target: target,
		Actor:  actor,
	}
}
