package query

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/worldsync/worldsync/acl"
	"github.com/worldsync/worldsync/types"
)

// View is the read surface queries resolve against. Both the committed table
// and a pending change-set view satisfy it.
type View interface {
	Get(id types.EntityID) (types.Tick, types.Entity, bool)
	Scan(index, key string) ([]types.EntityID, error)
}

// Allocator hands out reserved entity ids. Ids are loaned, never returned:
// an aborted batch simply discards them.
type Allocator interface {
	Next() (types.EntityID, error)
}

// CheckerFactory builds a permission checker for an ACL domain. It is invoked
// at most once per distinct domain per batch.
type CheckerFactory func(domain AclDomain) (*acl.Checker, error)

// ResolvedEntity is a read snapshot of one resolved role.
type ResolvedEntity struct {
	ID     types.EntityID
	Tick   types.Tick
	Entity types.Entity
}

// Resolved holds the typed results of resolving a Spec. Mutation-capable
// handles are layered on top by the event framework; Resolved itself is
// read-only.
type Resolved struct {
	entities map[string]ResolvedEntity
	ids      map[string][]types.EntityID
	checkers map[string]*acl.Checker
}

// Entity returns the snapshot behind a ByID or single-hit ByIndex role.
func (r *Resolved) Entity(role string) (ResolvedEntity, bool) {
	e, ok := r.entities[role]
	return e, ok
}

// IDs returns the ids behind a ByIndex, NewID or NewIDs role.
func (r *Resolved) IDs(role string) []types.EntityID {
	return r.ids[role]
}

// Acl returns the checker behind an AclDomain role.
func (r *Resolved) Acl(role string) *acl.Checker {
	return r.checkers[role]
}

// Resolve satisfies every query in the spec against the given view. A failed
// required lookup aborts the whole resolution with ErrUnresolved.
func Resolve(spec Spec, view View, alloc Allocator, checkers CheckerFactory) (*Resolved, error) {
	out := &Resolved{
		entities: map[string]ResolvedEntity{},
		ids:      map[string][]types.EntityID{},
		checkers: map[string]*acl.Checker{},
	}
	for _, role := range sortedRoles(spec) {
		if err := resolveOne(out, role, spec[role], view, alloc, checkers); err != nil {
			return nil, err
		}
	}
	// Entity-local ACLs feed every checker in the spec, regardless of the
	// order roles resolved in.
	for _, checker := range out.checkers {
		for _, resolved := range out.entities {
			if err := checker.NoteEntityAcl(resolved.ID, resolved.Entity); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// ResolveReadonly satisfies lookup queries only. It is used for the cheap
// prepare phase that runs before any ids are consumed.
func ResolveReadonly(spec Spec, view View) (*Resolved, error) {
	out := &Resolved{
		entities: map[string]ResolvedEntity{},
		ids:      map[string][]types.EntityID{},
		checkers: map[string]*acl.Checker{},
	}
	for _, role := range sortedRoles(spec) {
		switch spec[role].(type) {
		case NewID, NewIDs, AclDomain:
			return nil, eris.Wrap(ErrNotReadonly, role)
		}
		if err := resolveOne(out, role, spec[role], view, nil, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func resolveOne(
	out *Resolved,
	role string,
	q Query,
	view View,
	alloc Allocator,
	checkers CheckerFactory,
) error {
	switch q := q.(type) {
	case ByID:
		tick, entity, ok := view.Get(q.ID)
		if !ok {
			if q.MissingOK {
				return nil
			}
			return eris.Wrapf(ErrUnresolved, "role %q: entity %d not found", role, q.ID)
		}
		out.entities[role] = ResolvedEntity{ID: q.ID, Tick: tick, Entity: entity}
		out.ids[role] = []types.EntityID{q.ID}

	case ByIndex:
		ids, err := view.Scan(q.Index, q.Key)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			if q.MissingOK {
				return nil
			}
			return eris.Wrapf(ErrUnresolved, "role %q: index %s[%s] empty", role, q.Index, q.Key)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		out.ids[role] = ids
		if len(ids) == 1 {
			if tick, entity, ok := view.Get(ids[0]); ok {
				out.entities[role] = ResolvedEntity{ID: ids[0], Tick: tick, Entity: entity}
			}
		}

	case NewID:
		id, err := alloc.Next()
		if err != nil {
			return err
		}
		out.ids[role] = []types.EntityID{id}

	case NewIDs:
		ids := make([]types.EntityID, q.N)
		for i := range ids {
			id, err := alloc.Next()
			if err != nil {
				return err
			}
			ids[i] = id
		}
		out.ids[role] = ids

	case AclDomain:
		checker, err := checkers(q)
		if err != nil {
			return err
		}
		out.checkers[role] = checker

	default:
		return eris.Errorf("role %q: unknown query type %T", role, q)
	}
	return nil
}

// sortedRoles gives resolution a deterministic order so id reservations are
// reproducible across replays of the same batch.
func sortedRoles(spec Spec) []string {
	roles := make([]string, 0, len(spec))
	for role := range spec {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}
