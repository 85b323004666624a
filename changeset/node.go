package changeset

import (
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"

	"github.com/worldsync/worldsync/types"
)

// Node is the mutation handle one event's handler writes through. All writes
// are buffered; nothing reaches the committed table until the forest is built
// and the resulting transactions are applied by the backing store.
type Node struct {
	forest *Forest
	node   *node
}

// Index is the node's position in the forest arena.
func (n *Node) Index() int {
	return n.node.index
}

// SetHandled tags the node with the event that produced it, for audit.
func (n *Node) SetHandled(eventName string) {
	n.node.handledBy = eventName
}

// HandledBy returns the audit tag set by SetHandled.
func (n *Node) HandledBy() string {
	return n.node.handledBy
}

// Discard abandons every write buffered in this node. The node stays in the
// arena (its index remains valid) but contributes nothing to Build and is
// invisible to later nodes' reads.
func (n *Node) Discard() {
	n.node.discarded = true
}

func (n *Node) Discarded() bool {
	return n.node.discarded
}

// Get implements the query.View read surface: the node's own writes first,
// then earlier live nodes' speculative state, then the committed base.
func (n *Node) Get(id types.EntityID) (types.Tick, types.Entity, bool) {
	entity, exists := n.forest.speculative(n.node.index, id)
	delta, touched := n.node.deltas[id]
	if touched {
		if delta.deleted {
			return 0, nil, false
		}
		if delta.created {
			exists = true
			entity = types.Entity{}
		}
		if entity == nil {
			entity = types.Entity{}
		}
		for name, value := range delta.sets {
			entity[name] = value
		}
		for name := range delta.removes {
			delete(entity, name)
		}
		exists = exists || delta.created
	}
	if !exists {
		return 0, nil, false
	}
	obs := n.forest.observe(id)
	return obs.tick, entity, true
}

// Scan passes through to the base view. Index lookups intentionally do not
// see speculative writes: an entity created this batch is not yet indexed.
func (n *Node) Scan(index, key string) ([]types.EntityID, error) {
	return n.forest.base.Scan(index, key)
}

func (n *Node) delta(id types.EntityID) *entityDelta {
	delta, ok := n.node.deltas[id]
	if !ok {
		delta = &entityDelta{
			sets:    map[types.ComponentName]json.RawMessage{},
			removes: map[types.ComponentName]bool{},
		}
		n.node.deltas[id] = delta
		n.forest.recordWriter(id, n.node)
	}
	return delta
}

// Create buffers the creation of a brand-new entity with the given component
// set. The id must have been reserved through the id pool and must not exist
// in the node's view. An id deleted earlier in the batch cannot be recreated.
func (n *Node) Create(id types.EntityID, components types.Entity) error {
	if n.node.discarded {
		return eris.Wrap(ErrNodeDiscarded, "create")
	}
	if delta, ok := n.node.deltas[id]; ok && delta.deleted {
		return eris.Wrapf(ErrEntityDeleted, "entity %d", id)
	}
	if _, _, exists := n.Get(id); exists {
		return eris.Wrapf(ErrEntityExists, "entity %d", id)
	}
	delta := n.delta(id)
	delta.created = true
	for name, value := range components {
		delta.sets[name] = value
	}
	return nil
}

// SetComponent buffers a component write on an existing entity.
func (n *Node) SetComponent(id types.EntityID, name types.ComponentName, value json.RawMessage) error {
	if n.node.discarded {
		return eris.Wrap(ErrNodeDiscarded, "set component")
	}
	if _, _, exists := n.Get(id); !exists {
		return eris.Wrapf(ErrEntityMissing, "entity %d", id)
	}
	delta := n.delta(id)
	if delta.deleted {
		return eris.Wrapf(ErrEntityDeleted, "entity %d", id)
	}
	delta.sets[name] = value
	delete(delta.removes, name)
	return nil
}

// RemoveComponent buffers the removal of a component the entity currently
// holds.
func (n *Node) RemoveComponent(id types.EntityID, name types.ComponentName) error {
	if n.node.discarded {
		return eris.Wrap(ErrNodeDiscarded, "remove component")
	}
	_, entity, exists := n.Get(id)
	if !exists {
		return eris.Wrapf(ErrEntityMissing, "entity %d", id)
	}
	if _, ok := entity[name]; !ok {
		return eris.Wrapf(ErrComponentAbsent, "entity %d component %s", id, name)
	}
	delta := n.delta(id)
	delete(delta.sets, name)
	delta.removes[name] = true
	return nil
}

// Delete buffers the terminal removal of an entity.
func (n *Node) Delete(id types.EntityID) error {
	if n.node.discarded {
		return eris.Wrap(ErrNodeDiscarded, "delete")
	}
	if _, _, exists := n.Get(id); !exists {
		return eris.Wrapf(ErrEntityMissing, "entity %d", id)
	}
	delta := n.delta(id)
	delta.deleted = true
	clear(delta.sets)
	clear(delta.removes)
	return nil
}
