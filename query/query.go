// Package query is the small algebra handlers use to declare their data
// dependencies before they run. A handler describes the shape of what it needs
// (concrete ids, index lookups, fresh id reservations, ACL check domains) and
// the engine resolves the whole specification in one pass, against either the
// committed table or a pending change-set view. The two-phase contract lets
// the batch engine fetch dependencies for many pending events before deciding
// which of them actually run.
package query

import (
	"errors"

	"github.com/worldsync/worldsync/types"
)

var (
	// ErrUnresolved signals that a required id or index lookup came up empty
	// and the query did not opt into MissingOK. The owning event is dropped
	// for this tick, not retried: its preconditions are presumed false.
	ErrUnresolved = errors.New("query could not be resolved")

	// ErrNotReadonly is returned when a reservation or ACL query appears in a
	// readonly resolution, which only supports lookups.
	ErrNotReadonly = errors.New("query requires a mutable resolution")
)

// Query is the tagged union of dependency declarations.
type Query interface {
	isQuery()
}

// ByID asks for a concrete entity.
type ByID struct {
	ID        types.EntityID
	MissingOK bool
}

// ByIndex asks for the entities filed under a secondary-index key.
type ByIndex struct {
	Index     string
	Key       string
	MissingOK bool
}

// NewID reserves one freshly allocated entity id.
type NewID struct{}

// NewIDs reserves N freshly allocated entity ids.
type NewIDs struct {
	N int
}

// AclDomain asks for a permission checker scoped to the given actor and the
// world positions the event intends to touch.
type AclDomain struct {
	Actor types.EntityID
	At    []types.Vec3
}

func (ByID) isQuery()      {}
func (ByIndex) isQuery()   {}
func (NewID) isQuery()     {}
func (NewIDs) isQuery()    {}
func (AclDomain) isQuery() {}

// Spec maps a handler's logical role names (e.g. "player", "station") to the
// query that produces each role's value.
type Spec map[string]Query

// NewIDCount totals the fresh ids a spec reserves. The batch engine sums this
// across all prepared events to borrow one id-pool loan up front.
func (s Spec) NewIDCount() int {
	n := 0
	for _, q := range s {
		switch q := q.(type) {
		case NewID:
			n++
		case NewIDs:
			n += q.N
		}
	}
	return n
}
