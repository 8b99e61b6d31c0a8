package shard

import (
	"context"
	"fmt"

	"github.com/parquedb/parquedb/embedded"
	"github.com/parquedb/parquedb/eventlog"
	"github.com/parquedb/parquedb/perr"
)

// Namespace is a capability handle scoped to one collection name, the
// typed replacement for proxy-style attribute access onto a shard (see
// design notes: callers get db.NS("posts").Create(...) rather than
// db.posts.create(...), so the compiler — not a runtime method_missing
// hook — enforces the operation surface).
type Namespace struct {
	engine *Engine
	name   string
}

// Create appends one CREATE event and returns the resulting entity.
func (ns *Namespace) Create(ctx context.Context, body map[string]eventlog.Value, opts CreateOptions) (*Entity, error) {
	if _, ok := body["$type"]; !ok {
		return nil, perr.Validation("shard.Create", "body is missing required $type attribute")
	}

	ev, err := ns.engine.AppendEventWithSeq(ns.name, "", func(seq int64, eventID string) eventlog.Event {
		return eventlog.NewCreateEvent(eventID, seq, "", body, opts.Actor)
	})
	if err != nil {
		return nil, err
	}

	proj, err := eventlog.Fold([]eventlog.Event{ev})
	if err != nil {
		return nil, err
	}
	return entityFromProjection(proj), nil
}

// CreateMany creates N entities, choosing bulk bypass when len(bodies) is
// at or above the configured BulkThreshold, and per-event buffering
// otherwise (spec: "createMany with exactly BULK_THRESHOLD rows MUST use
// bulk bypass"). An empty slice creates nothing and returns an empty slice.
func (ns *Namespace) CreateMany(ctx context.Context, bodies []map[string]eventlog.Value, opts CreateOptions) ([]*Entity, error) {
	if len(bodies) == 0 {
		return []*Entity{}, nil
	}
	for _, body := range bodies {
		if _, ok := body["$type"]; !ok {
			return nil, perr.Validation("shard.CreateMany", "body is missing required $type attribute")
		}
	}

	if len(bodies) >= ns.engine.cfg.BulkThreshold {
		return ns.engine.createManyBulk(ctx, ns.name, bodies, opts.Actor)
	}

	out := make([]*Entity, 0, len(bodies))
	for _, body := range bodies {
		e, err := ns.Create(ctx, body, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Get reconstructs the entity identified by shortID from every event source
// in seq order (§4.1's read path), or returns nil if it does not exist or
// has been deleted.
func (ns *Namespace) Get(ctx context.Context, shortID string) (*Entity, error) {
	ns.engine.mu.Lock()
	defer ns.engine.mu.Unlock()

	proj, err := ns.engine.replayTarget(ns.name, shortID)
	if err != nil {
		return nil, err
	}
	if proj == nil || proj.IsDeleted() {
		return nil, nil
	}
	return entityFromProjection(proj), nil
}

// Update applies a mutation's operators to the entity identified by
// shortID, enforcing optimistic concurrency when opts.ExpectedVersion is
// non-zero. Link/unlink operators also update the relationship graph.
func (ns *Namespace) Update(ctx context.Context, shortID string, mutation *Mutation, opts UpdateOptions) (*Entity, error) {
	ns.engine.mu.Lock()
	defer ns.engine.mu.Unlock()

	current, err := ns.engine.replayTarget(ns.name, shortID)
	if err != nil {
		return nil, err
	}
	if current == nil || current.IsDeleted() {
		return nil, perr.NotFound("shard.Update", fmt.Sprintf("%s:%s not found", ns.name, shortID))
	}
	if opts.ExpectedVersion != 0 && opts.ExpectedVersion != current.Version {
		return nil, perr.VersionMismatch("shard.Update", fmt.Sprintf("expected version %d, have %d", opts.ExpectedVersion, current.Version)).
			WithTarget(fmt.Sprintf("%s:%s", ns.name, shortID))
	}

	operators := map[string][]eventlog.MutationStep{}
	for op, steps := range mutation.operators {
		operators[op] = steps
	}

	// Validate against a scratch copy of the current projection before the
	// event is ever appended, so a bad operator (e.g. $inc on a field set to
	// a string by a prior $set) never becomes a durable event that every
	// future replay would re-fail on.
	if err := eventlog.ValidateUpdate(current, operators, mutation.order); err != nil {
		return nil, err
	}

	ev, err := ns.engine.appendEventWithSeqLocked(ns.name, shortID, func(seq int64, eventID string) eventlog.Event {
		return eventlog.NewUpdateEvent(eventID, seq, "", operators, mutation.order, opts.Actor)
	})
	if err != nil {
		return nil, err
	}

	if err := ns.applyLinkOperators(current, shortID, mutation, ev.TS, LinkOptions{Actor: opts.Actor}); err != nil {
		return nil, err
	}

	if err := eventlog.ApplyEvent(current, ev); err != nil {
		return nil, err
	}
	return entityFromProjection(current), nil
}

// Delete appends a DELETE event (soft delete; the entity's prior state
// remains reconstructable by replaying events before it).
func (ns *Namespace) Delete(ctx context.Context, shortID string, opts UpdateOptions) error {
	ns.engine.mu.Lock()
	defer ns.engine.mu.Unlock()

	current, err := ns.engine.replayTarget(ns.name, shortID)
	if err != nil {
		return err
	}
	if current == nil || current.IsDeleted() {
		return perr.NotFound("shard.Delete", fmt.Sprintf("%s:%s not found", ns.name, shortID))
	}
	if opts.ExpectedVersion != 0 && opts.ExpectedVersion != current.Version {
		return perr.VersionMismatch("shard.Delete", fmt.Sprintf("expected version %d, have %d", opts.ExpectedVersion, current.Version)).
			WithTarget(fmt.Sprintf("%s:%s", ns.name, shortID))
	}

	_, err = ns.engine.appendEventWithSeqLocked(ns.name, shortID, func(seq int64, eventID string) eventlog.Event {
		return eventlog.NewDeleteEvent(eventID, seq, "", opts.Actor)
	})
	return err
}

// Link creates or revives a relationship edge (fromId=shortID), recording a
// $link operator in an UPDATE event so the mutation is itself part of the
// event log, and denormalizing both endpoints' current type/name onto the
// edge as of write time.
func (ns *Namespace) Link(ctx context.Context, shortID, predicate, toNS, toID string, opts LinkOptions) error {
	return ns.linkOrUnlink(ctx, shortID, predicate, toNS, toID, opts, eventlog.OperatorLink)
}

// Unlink soft-deletes a relationship edge (fromId=shortID) and records an
// $unlink operator.
func (ns *Namespace) Unlink(ctx context.Context, shortID, predicate, toNS, toID string, opts LinkOptions) error {
	return ns.linkOrUnlink(ctx, shortID, predicate, toNS, toID, opts, eventlog.OperatorUnlink)
}

func (ns *Namespace) linkOrUnlink(ctx context.Context, shortID, predicate, toNS, toID string, opts LinkOptions, op string) error {
	ns.engine.mu.Lock()
	defer ns.engine.mu.Unlock()

	current, err := ns.engine.replayTarget(ns.name, shortID)
	if err != nil {
		return err
	}
	if current == nil || current.IsDeleted() {
		return perr.NotFound("shard.Link", fmt.Sprintf("%s:%s not found", ns.name, shortID))
	}

	toValue := eventlog.StringValue(fmt.Sprintf("%s:%s", toNS, toID))
	mutation := NewMutation().add(op, predicate, toValue)

	ev, err := ns.engine.appendEventWithSeqLocked(ns.name, shortID, func(seq int64, eventID string) eventlog.Event {
		operators := map[string][]eventlog.MutationStep{}
		for o, steps := range mutation.operators {
			operators[o] = steps
		}
		return eventlog.NewUpdateEvent(eventID, seq, "", operators, mutation.order, opts.Actor)
	})
	if err != nil {
		return err
	}

	if err := ns.applyLinkOperators(current, shortID, mutation, ev.TS, opts); err != nil {
		return err
	}
	return eventlog.ApplyEvent(current, ev)
}

// GetRelationships returns the relationship edges touching (ns, shortID).
func (ns *Namespace) GetRelationships(ctx context.Context, shortID, predicate string, direction embedded.Direction, includeDeleted bool) ([]embedded.Relationship, error) {
	return ns.engine.db.Relationships().ListByEntity(ns.name, shortID, predicate, direction, includeDeleted)
}

// applyLinkOperators walks a mutation's $link/$unlink steps and mirrors
// them into the relationship graph, denormalizing both endpoints' current
// type/name as of write time; must be called with engine.mu held.
func (ns *Namespace) applyLinkOperators(from *eventlog.Projection, fromShortID string, mutation *Mutation, ts int64, opts LinkOptions) error {
	for _, step := range mutation.operators[eventlog.OperatorLink] {
		toNS, toID, ok := splitTargetLoose(step.Operand)
		if !ok {
			continue
		}
		toProj, err := ns.engine.replayTarget(toNS, toID)
		if err != nil {
			return err
		}
		rel := embedded.Relationship{
			FromNS: ns.name, FromID: fromShortID, Predicate: step.Field,
			ToNS: toNS, ToID: toID, CreatedAt: ts, Version: 1,
			FromType: from.Type, FromName: from.Name,
			MatchMode: opts.MatchMode, Similarity: opts.Similarity, Data: opts.Data,
		}
		if toProj != nil {
			rel.ToType = toProj.Type
			rel.ToName = toProj.Name
		}
		if err := ns.engine.db.Relationships().Upsert(rel); err != nil {
			return err
		}
	}
	for _, step := range mutation.operators[eventlog.OperatorUnlink] {
		toNS, toID, ok := splitTargetLoose(step.Operand)
		if !ok {
			continue
		}
		if err := ns.engine.db.Relationships().SoftDelete(ns.name, fromShortID, step.Field, toNS, toID, ts); err != nil {
			return err
		}
	}
	return nil
}

func splitTargetLoose(v eventlog.Value) (string, string, bool) {
	if v.Str == nil {
		return "", "", false
	}
	target := *v.Str
	shortID, ok := splitTarget(target)
	if !ok {
		return "", "", false
	}
	return target[:len(target)-len(shortID)-1], shortID, true
}
