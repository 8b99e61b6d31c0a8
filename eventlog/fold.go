package eventlog

import (
	"fmt"

	"github.com/parquedb/parquedb/perr"
)

// Projection is the reconstructed, left-folded state of one entity.
type Projection struct {
	ID        string
	Type      string
	Name      string
	Attrs     map[string]Value
	CreatedAt int64
	UpdatedAt int64
	CreatedBy string
	UpdatedBy string
	Version   int64
	DeletedAt int64
	DeletedBy string
}

// IsDeleted reports whether the projection has been soft-deleted.
func (p *Projection) IsDeleted() bool { return p.DeletedAt != 0 }

// Fold replays events (already merged and sorted by Seq from the buffer,
// WAL batches, pending row groups, and compacted files per the read path in
// §4.1) into a single entity projection. The first event MUST be a CREATE;
// Fold returns a perr.Internal error if it is not, or if a later event is a
// second CREATE, since that violates invariant 2 (every entity appears
// exactly once as a CREATE target). Event targets are not compared: every
// event passed in is applied to the one projection.
func Fold(events []Event) (*Projection, error) {
	if len(events) == 0 {
		return nil, nil
	}

	first := events[0]
	if first.Op != OpCreate {
		return nil, perr.Internal("eventlog.Fold", fmt.Sprintf("first event for %s is not CREATE", first.Target))
	}

	proj := &Projection{
		ID:        first.Target,
		Attrs:     map[string]Value{},
		CreatedAt: first.TS,
		UpdatedAt: first.TS,
		CreatedBy: first.Actor,
		UpdatedBy: first.Actor,
		Version:   1,
	}
	applyCreate(proj, first.After)

	for _, ev := range events[1:] {
		if ev.Op == OpCreate {
			return nil, perr.Internal("eventlog.Fold", fmt.Sprintf("duplicate CREATE for %s", ev.Target))
		}
		if err := ApplyEvent(proj, ev); err != nil {
			return nil, err
		}
	}

	return proj, nil
}

// ApplyEvent applies a single UPDATE or DELETE event onto an already-folded
// projection in place, used both by Fold's loop and by callers (the shard
// engine's update/delete path) that already hold the current projection and
// only need to advance it by one new event rather than re-fold full history.
func ApplyEvent(proj *Projection, ev Event) error {
	switch ev.Op {
	case OpUpdate:
		return applyUpdate(proj, ev)
	case OpDelete:
		proj.DeletedAt = ev.TS
		proj.DeletedBy = ev.Actor
		proj.UpdatedAt = ev.TS
		proj.UpdatedBy = ev.Actor
		proj.Version++
		return nil
	default:
		return perr.Internal("eventlog.ApplyEvent", fmt.Sprintf("unknown op %q", ev.Op))
	}
}

// ValidateUpdate checks whether applying operators (in the given declared
// order) to proj's current attributes would succeed, without mutating proj.
// Callers that hold a durable entity's current projection must call this
// before committing the UPDATE event that carries the same operators, so a
// validation failure (e.g. $inc against a non-numeric field) never produces
// a durable event -- per the documented failure semantics, validation MUST
// fail fast before any state change.
func ValidateUpdate(proj *Projection, operators map[string][]MutationStep, order []string) error {
	scratch := &Projection{Attrs: make(map[string]Value, len(proj.Attrs))}
	for k, v := range proj.Attrs {
		scratch.Attrs[k] = v
	}

	payload := (&Payload{Operators: operators}).WithOperatorOrder(order)
	for _, op := range payload.OperatorOrder() {
		for _, step := range payload.Operators[op] {
			if err := applyOperator(scratch, op, step); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyCreate(proj *Projection, payload *Payload) {
	if payload == nil {
		return
	}
	for k, v := range payload.Body {
		switch k {
		case "$type":
			if v.Str != nil {
				proj.Type = *v.Str
			}
		case "name":
			if v.Str != nil {
				proj.Name = *v.Str
			}
			proj.Attrs[k] = v
		case "$id", "createdAt", "updatedAt", "createdBy", "updatedBy", "version", "deletedAt", "deletedBy":
			// system attributes are derived, never taken from the body
		default:
			proj.Attrs[k] = v
		}
	}
}

// applyUpdate applies every operator in an UPDATE event's payload, in
// declared order, on the running projection, per "Multiple operators in one
// mutation are applied in declared order on a single snapshot and produce
// exactly one event."
func applyUpdate(proj *Projection, ev Event) error {
	proj.Version++
	proj.UpdatedAt = ev.TS
	proj.UpdatedBy = ev.Actor

	if ev.After == nil || len(ev.After.Operators) == 0 {
		// Empty operator set: version-bumping no-op per the resolved open
		// question (documented in SPEC_FULL.md §4.1).
		return nil
	}

	for _, op := range ev.After.OperatorOrder() {
		steps := ev.After.Operators[op]
		for _, step := range steps {
			if err := applyOperator(proj, op, step); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyOperator(proj *Projection, op string, step MutationStep) error {
	switch op {
	case OperatorSet:
		proj.Attrs[step.Field] = step.Operand
		if step.Field == "name" && step.Operand.Str != nil {
			proj.Name = *step.Operand.Str
		}
		return nil

	case OperatorInc:
		delta, ok := step.Operand.AsFloat64()
		if !ok {
			return perr.Validation("eventlog.applyOperator", fmt.Sprintf("$inc operand for %q is not numeric", step.Field))
		}
		current, exists := proj.Attrs[step.Field]
		if exists && !current.IsNumeric() && !current.Null {
			return perr.Validation("eventlog.applyOperator", fmt.Sprintf("$inc target %q is not numeric", step.Field))
		}
		proj.Attrs[step.Field] = current.AddNumeric(delta)
		return nil

	case OperatorPush:
		current := proj.Attrs[step.Field]
		var list []Value
		if current.Array != nil {
			list = append(list, current.Array...)
		}
		if step.Operand.Array != nil {
			list = append(list, step.Operand.Array...)
		} else {
			list = append(list, step.Operand)
		}
		proj.Attrs[step.Field] = ArrayValue(list)
		return nil

	case OperatorLink, OperatorUnlink:
		// Relationship side-effects are applied by the shard engine alongside
		// the event (see shard.Namespace.applyLinkOperators); the fold itself
		// only needs to record that the operator ran, it has no attribute effect.
		return nil

	default:
		return perr.Validation("eventlog.applyOperator", fmt.Sprintf("unknown mutation operator %q", op))
	}
}

// OperatorOrder returns operator names in a stable, declared order. Go maps
// have no iteration order, so mutations that need multiple operators applied
// in a specific sequence must record it with WithOperatorOrder; this
// accessor falls back to a fixed canonical order ($set, $inc, $push,
// $link, $unlink) when no order was recorded.
func (p *Payload) OperatorOrder() []string {
	if len(p.operatorOrder) > 0 {
		return p.operatorOrder
	}
	canonical := []string{OperatorSet, OperatorInc, OperatorPush, OperatorLink, OperatorUnlink}
	order := make([]string, 0, len(p.Operators))
	for _, name := range canonical {
		if _, ok := p.Operators[name]; ok {
			order = append(order, name)
		}
	}
	return order
}
