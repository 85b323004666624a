// Package changeset accumulates proposed mutations from event handlers into a
// forest of change-set nodes and flattens them into independently committable
// transactions. Nodes are held in an arena with index-based dependency
// pointers so merge/commit order can be inspected and tested directly.
//
// Each node is built against a frozen read view of the committed table layered
// under the writes of earlier nodes that touched the same entities: two nodes
// on disjoint entities commit independently, nodes sharing an entity are
// chained into one atomic transaction whose later writes see the earlier
// node's speculative state.
package changeset

import (
	"errors"
	"sort"

	"github.com/goccy/go-json"

	"github.com/worldsync/worldsync/storage"
	"github.com/worldsync/worldsync/types"
)

var (
	ErrEntityExists    = errors.New("entity already exists")
	ErrEntityMissing   = errors.New("entity does not exist")
	ErrEntityDeleted   = errors.New("entity was deleted earlier in this batch")
	ErrNodeDiscarded   = errors.New("change-set node was discarded")
	ErrComponentAbsent = errors.New("component not present on entity")
)

// BaseView is the committed read surface a forest is frozen over.
type BaseView interface {
	Get(id types.EntityID) (types.Tick, types.Entity, bool)
	Scan(index, key string) ([]types.EntityID, error)
}

type entityDelta struct {
	created bool
	deleted bool
	sets    map[types.ComponentName]json.RawMessage
	removes map[types.ComponentName]bool
}

type node struct {
	index     int
	deltas    map[types.EntityID]*entityDelta
	deps      []int // indexes of earlier nodes this one reads through
	discarded bool
	handledBy string
}

type baseObservation struct {
	exists bool
	tick   types.Tick
}

// Forest owns the arena of change-set nodes produced while executing one
// batch of events.
type Forest struct {
	base    BaseView
	nodes   []*node
	writers map[types.EntityID][]int
	// observed pins each entity's committed tick at first touch; these become
	// the transaction preconditions.
	observed map[types.EntityID]baseObservation
}

func NewForest(base BaseView) *Forest {
	return &Forest{
		base:     base,
		writers:  map[types.EntityID][]int{},
		observed: map[types.EntityID]baseObservation{},
	}
}

// NewNode appends a fresh change-set node to the arena.
func (f *Forest) NewNode() *Node {
	n := &node{
		index:  len(f.nodes),
		deltas: map[types.EntityID]*entityDelta{},
	}
	f.nodes = append(f.nodes, n)
	return &Node{forest: f, node: n}
}

// Len reports the number of nodes in the arena, discarded included.
func (f *Forest) Len() int {
	return len(f.nodes)
}

// Deps exposes a node's dependency edges for inspection.
func (f *Forest) Deps(nodeIndex int) []int {
	return f.nodes[nodeIndex].deps
}

func (f *Forest) observe(id types.EntityID) baseObservation {
	if obs, ok := f.observed[id]; ok {
		return obs
	}
	tick, _, exists := f.base.Get(id)
	obs := baseObservation{exists: exists, tick: tick}
	f.observed[id] = obs
	return obs
}

// speculative resolves the entity state visible to the node at the given
// arena index: earlier live writers first, the committed base last.
func (f *Forest) speculative(before int, id types.EntityID) (types.Entity, bool) {
	_, entity, exists := f.base.Get(id)
	if !exists {
		entity = types.Entity{}
	}
	for _, writerIdx := range f.writers[id] {
		if writerIdx >= before {
			break
		}
		writer := f.nodes[writerIdx]
		if writer.discarded {
			continue
		}
		delta := writer.deltas[id]
		if delta.created {
			exists = true
			entity = types.Entity{}
		}
		if delta.deleted {
			exists = false
			entity = types.Entity{}
			continue
		}
		for name, value := range delta.sets {
			entity[name] = value
		}
		for name := range delta.removes {
			delete(entity, name)
		}
	}
	if !exists {
		return nil, false
	}
	return entity, true
}

func (f *Forest) recordWriter(id types.EntityID, n *node) {
	writers := f.writers[id]
	for i := len(writers) - 1; i >= 0; i-- {
		prior := f.nodes[writers[i]]
		if prior.index == n.index {
			return // already recorded
		}
		if !prior.discarded {
			n.addDep(prior.index)
			break
		}
	}
	f.writers[id] = append(writers, n.index)
	f.observe(id)
}

func (n *node) addDep(dep int) {
	for _, existing := range n.deps {
		if existing == dep {
			return
		}
	}
	n.deps = append(n.deps, dep)
}

// Build flattens the forest into transactions. Nodes that transitively share
// entities form one transaction (their writes must land atomically together);
// disjoint groups are independent and may be committed in parallel. Within a
// group, writes merge in arena order and collapse to a single change per
// entity at the commit tick.
func (f *Forest) Build(commitTick types.Tick) []storage.Transaction {
	groups := f.groupNodes()
	txs := make([]storage.Transaction, 0, len(groups))
	for _, group := range groups {
		tx := f.buildGroup(group, commitTick)
		if len(tx.Changes) > 0 {
			txs = append(txs, tx)
		}
	}
	return txs
}

// groupNodes unions live nodes that touch a common entity. Groups come out
// ordered by their smallest member index so commit order is deterministic.
func (f *Forest) groupNodes() [][]int {
	parent := make([]int, len(f.nodes))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			if ra > rb {
				ra, rb = rb, ra
			}
			parent[rb] = ra
		}
	}

	for _, writerList := range f.writers {
		prev := -1
		for _, idx := range writerList {
			if f.nodes[idx].discarded {
				continue
			}
			if prev >= 0 {
				union(prev, idx)
			}
			prev = idx
		}
	}

	byRoot := map[int][]int{}
	for i, n := range f.nodes {
		if n.discarded || len(n.deltas) == 0 {
			continue
		}
		root := find(i)
		byRoot[root] = append(byRoot[root], i)
	}

	roots := make([]int, 0, len(byRoot))
	for root := range byRoot {
		roots = append(roots, root)
	}
	sort.Ints(roots)

	groups := make([][]int, 0, len(roots))
	for _, root := range roots {
		members := byRoot[root]
		sort.Ints(members)
		groups = append(groups, members)
	}
	return groups
}

func (f *Forest) buildGroup(members []int, commitTick types.Tick) storage.Transaction {
	type merged struct {
		created bool
		deleted bool
		sets    map[types.ComponentName]json.RawMessage
		removes map[types.ComponentName]bool
	}
	perEntity := map[types.EntityID]*merged{}
	var order []types.EntityID

	for _, idx := range members {
		n := f.nodes[idx]
		ids := make([]types.EntityID, 0, len(n.deltas))
		for id := range n.deltas {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			delta := n.deltas[id]
			m := perEntity[id]
			if m == nil {
				m = &merged{
					sets:    map[types.ComponentName]json.RawMessage{},
					removes: map[types.ComponentName]bool{},
				}
				perEntity[id] = m
				order = append(order, id)
			}
			if delta.created {
				m.created = true
				m.deleted = false
			}
			if delta.deleted {
				m.deleted = true
				clear(m.sets)
				clear(m.removes)
				continue
			}
			for name, value := range delta.sets {
				m.sets[name] = value
				delete(m.removes, name)
			}
			for name := range delta.removes {
				delete(m.sets, name)
				m.removes[name] = true
			}
		}
	}

	tx := storage.Transaction{}
	for _, id := range order {
		m := perEntity[id]
		obs := f.observed[id]

		switch {
		case m.deleted && !m.created:
			if obs.exists {
				tx.Iffs = append(tx.Iffs, storage.Iff{EntityID: id, HasTick: true, Tick: obs.tick})
				tx.Changes = append(tx.Changes, types.Change{
					Kind:     types.ChangeDelete,
					Tick:     commitTick,
					EntityID: id,
				})
			}
			// Created-then-deleted within the batch collapses to nothing.

		case m.created:
			if m.deleted {
				continue
			}
			tx.Iffs = append(tx.Iffs, storage.Iff{EntityID: id, MustNotExist: true})
			components := types.Entity{}
			for name, value := range m.sets {
				components[name] = value
			}
			tx.Changes = append(tx.Changes, types.Change{
				Kind:       types.ChangeCreate,
				Tick:       commitTick,
				EntityID:   id,
				Components: components,
			})

		default:
			tx.Iffs = append(tx.Iffs, storage.Iff{EntityID: id, HasTick: true, Tick: obs.tick})
			change := types.Change{
				Kind:     types.ChangeUpdate,
				Tick:     commitTick,
				EntityID: id,
			}
			if len(m.sets) > 0 {
				change.Components = types.Entity{}
				for name, value := range m.sets {
					change.Components[name] = value
				}
			}
			for name := range m.removes {
				change.Removed = append(change.Removed, name)
			}
			sort.Slice(change.Removed, func(i, j int) bool { return change.Removed[i] < change.Removed[j] })
			tx.Changes = append(tx.Changes, change)
		}
	}
	return tx
}
