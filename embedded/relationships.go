package embedded

import (
	"encoding/json"
	"fmt"

	"github.com/parquedb/parquedb/perr"
)

// Relationship is a directed edge (fromNs, fromId, predicate, toNs, toId),
// with denormalized endpoint type/name populated at write time.
type Relationship struct {
	FromNS     string                 `json:"from_ns"`
	FromID     string                 `json:"from_id"`
	Predicate  string                 `json:"predicate"`
	ToNS       string                 `json:"to_ns"`
	ToID       string                 `json:"to_id"`
	FromType   string                 `json:"from_type"`
	FromName   string                 `json:"from_name"`
	ToType     string                 `json:"to_type"`
	ToName     string                 `json:"to_name"`
	MatchMode  string                 `json:"match_mode,omitempty"`
	Similarity float64                `json:"similarity,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	CreatedAt  int64                  `json:"created_at"`
	Version    int64                  `json:"version"`
	DeletedAt  int64                  `json:"deleted_at,omitempty"`
}

// Direction filters getRelationships traversal.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
	DirectionAny      Direction = "any"
)

// RelationshipsRepo persists the relationship graph, owned by the shard of
// each edge's fromId.
type RelationshipsRepo struct {
	db *DB
}

func (r *RelationshipsRepo) key(rel Relationship) string {
	return fmt.Sprintf("%s:%s/%s/%s:%s", rel.FromNS, rel.FromID, rel.Predicate, rel.ToNS, rel.ToID)
}

// Upsert inserts or revives a relationship row (link), reusing the same key
// so re-linking an unlinked edge clears DeletedAt rather than duplicating it.
func (r *RelationshipsRepo) Upsert(rel Relationship) error {
	return r.db.putJSON(BucketRelationships, r.key(rel), rel)
}

// SoftDelete marks a relationship as deleted (unlink) without removing the row.
func (r *RelationshipsRepo) SoftDelete(fromNS, fromID, predicate, toNS, toID string, deletedAt int64) error {
	key := r.key(Relationship{FromNS: fromNS, FromID: fromID, Predicate: predicate, ToNS: toNS, ToID: toID})
	var rel Relationship
	found, err := r.db.getJSON(BucketRelationships, key, &rel)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	rel.DeletedAt = deletedAt
	return r.db.putJSON(BucketRelationships, key, rel)
}

// Get returns a single relationship row if it exists (including soft-deleted ones).
func (r *RelationshipsRepo) Get(fromNS, fromID, predicate, toNS, toID string) (*Relationship, error) {
	key := r.key(Relationship{FromNS: fromNS, FromID: fromID, Predicate: predicate, ToNS: toNS, ToID: toID})
	var rel Relationship
	found, err := r.db.getJSON(BucketRelationships, key, &rel)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &rel, nil
}

// ListByEntity returns non-deleted-by-default relationships touching
// (ns, id) as either endpoint, filtered by predicate (if non-empty) and
// direction.
func (r *RelationshipsRepo) ListByEntity(ns, id string, predicate string, direction Direction, includeDeleted bool) ([]Relationship, error) {
	var out []Relationship
	err := r.db.forEach(BucketRelationships, func(_, v []byte) error {
		var rel Relationship
		if err := json.Unmarshal(v, &rel); err != nil {
			return err
		}

		outboundMatch := rel.FromNS == ns && rel.FromID == id
		inboundMatch := rel.ToNS == ns && rel.ToID == id

		switch direction {
		case DirectionOutbound:
			if !outboundMatch {
				return nil
			}
		case DirectionInbound:
			if !inboundMatch {
				return nil
			}
		default: // any
			if !outboundMatch && !inboundMatch {
				return nil
			}
		}

		if predicate != "" && rel.Predicate != predicate {
			return nil
		}
		if !includeDeleted && rel.DeletedAt != 0 {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, perr.Storage("embedded.RelationshipsRepo.ListByEntity", err)
	}
	return out, nil
}
