// Package gamestate holds the in-memory versioned entity table. The table is
// the single authoritative copy of world state inside a shard process: every
// committed change flows through Table.Apply, and every dependent index is
// notified synchronously inside that same call so no reader can observe a
// change without the matching index update.
package gamestate

import (
	"errors"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/worldsync/worldsync/types"
)

var (
	ErrUnknownIndex   = errors.New("index was not registered at table construction")
	ErrBadChangeKind  = errors.New("unknown change kind")
	ErrEntityNotFound = errors.New("entity does not exist")
)

// Observer is notified synchronously from inside Apply and Clear. PreApply
// fires before any state is modified, PostApply fires with the changes that
// actually took effect (ticks that lost last-writer-wins are omitted).
type Observer interface {
	PreApply(ids []types.EntityID)
	PostApply(changes []types.Change)
	OnClear()
}

// IndexExtractor derives a secondary-index key from an entity's components.
// Returning ok=false removes the entity from the index.
type IndexExtractor func(types.Entity) (key string, ok bool)

type record struct {
	tick       types.Tick
	components types.Entity
	versions   map[types.ComponentName]types.Tick
}

type index struct {
	extract IndexExtractor
	byKey   map[string]map[types.EntityID]bool
	keyOf   map[types.EntityID]string
}

// Table maps entity id to component set with a per-component version stamp.
// It is written by a single logical writer (the committing batch); the mutex
// makes concurrent readers safe rather than enabling concurrent writers.
type Table struct {
	mu         sync.RWMutex
	tick       types.Tick
	entities   map[types.EntityID]*record
	tombstones map[types.EntityID]types.Tick
	indexes    map[string]*index
	observers  []Observer
	logger     *zerolog.Logger
}

type Option func(*Table)

// WithIndex declares a secondary index. Indexes can only be declared at
// construction time; they are recomputed on every change that touches the
// entity.
func WithIndex(name string, extract IndexExtractor) Option {
	return func(t *Table) {
		t.indexes[name] = &index{
			extract: extract,
			byKey:   map[string]map[types.EntityID]bool{},
			keyOf:   map[types.EntityID]string{},
		}
	}
}

func WithLogger(logger *zerolog.Logger) Option {
	return func(t *Table) {
		t.logger = logger
	}
}

func NewTable(opts ...Option) *Table {
	t := &Table{
		entities:   map[types.EntityID]*record{},
		tombstones: map[types.EntityID]types.Tick{},
		indexes:    map[string]*index{},
		logger:     &log.Logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AddObserver registers an observer. Observers are invoked in registration
// order, synchronously, while the table's write lock is held.
func (t *Table) AddObserver(obs Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, obs)
}

// CurrentTick returns the highest tick the table has applied.
func (t *Table) CurrentTick() types.Tick {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tick
}

// Get returns the entity's last-write tick and a copy of its component set.
func (t *Table) Get(id types.EntityID) (types.Tick, types.Entity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.entities[id]
	if !ok {
		return 0, nil, false
	}
	return rec.tick, rec.components.Clone(), true
}

// GetWithVersion returns the entity along with its full version stamp.
func (t *Table) GetWithVersion(id types.EntityID) (types.Entity, types.EntityVersion, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.entities[id]
	if !ok {
		return nil, types.EntityVersion{}, false
	}
	version := types.EntityVersion{Tick: rec.tick, Components: rec.versions}
	return rec.components.Clone(), version.Clone(), true
}

func (t *Table) Has(id types.EntityID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entities[id]
	return ok
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entities)
}

// Scan returns the ids currently filed under the given index key.
func (t *Table) Scan(indexName, key string) ([]types.EntityID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.indexes[indexName]
	if !ok {
		return nil, eris.Wrap(ErrUnknownIndex, indexName)
	}
	ids := make([]types.EntityID, 0, len(idx.byKey[key]))
	for id := range idx.byKey[key] {
		ids = append(ids, id)
	}
	return ids, nil
}

// ScanAll returns every id present in the given index regardless of key.
func (t *Table) ScanAll(indexName string) ([]types.EntityID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.indexes[indexName]
	if !ok {
		return nil, eris.Wrap(ErrUnknownIndex, indexName)
	}
	var ids []types.EntityID
	for id := range idx.keyOf {
		ids = append(ids, id)
	}
	return ids, nil
}

// Apply applies the changes in order. Per entity the write is last-writer-wins
// by tick: a change whose tick is not newer than the entity's recorded tick is
// a no-op, which makes replaying a snapshot plus a live feed safe. The global
// tick only moves forward.
func (t *Table) Apply(changes []types.Change) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := types.EntityIDsOf(changes)
	for _, obs := range t.observers {
		obs.PreApply(ids)
	}

	applied := make([]types.Change, 0, len(changes))
	for _, change := range changes {
		ok, err := t.applyOne(change)
		if err != nil {
			return err
		}
		if ok {
			applied = append(applied, change)
		}
		if change.Tick > t.tick {
			t.tick = change.Tick
		}
	}

	for _, obs := range t.observers {
		obs.PostApply(applied)
	}
	return nil
}

func (t *Table) applyOne(change types.Change) (bool, error) {
	if tomb, ok := t.tombstones[change.EntityID]; ok && change.Tick <= tomb {
		return false, nil
	}
	rec, exists := t.entities[change.EntityID]
	if exists && change.Tick <= rec.tick {
		return false, nil
	}

	switch change.Kind {
	case types.ChangeCreate:
		rec = &record{
			tick:       change.Tick,
			components: change.Components.Clone(),
			versions:   map[types.ComponentName]types.Tick{},
		}
		for name := range change.Components {
			rec.versions[name] = change.Tick
		}
		t.entities[change.EntityID] = rec
		delete(t.tombstones, change.EntityID)
		t.reindex(change.EntityID, rec.components)

	case types.ChangeUpdate:
		if !exists {
			// An update for an entity we have never seen is treated as a
			// partial create; replication feeds may deliver updates for
			// entities bootstrapped elsewhere.
			rec = &record{
				components: types.Entity{},
				versions:   map[types.ComponentName]types.Tick{},
			}
			t.entities[change.EntityID] = rec
		}
		rec.tick = change.Tick
		for name, value := range change.Components {
			cp := make([]byte, len(value))
			copy(cp, value)
			rec.components[name] = cp
			rec.versions[name] = change.Tick
		}
		for _, name := range change.Removed {
			delete(rec.components, name)
			rec.versions[name] = change.Tick
		}
		t.reindex(change.EntityID, rec.components)

	case types.ChangeDelete:
		if exists {
			// Deletion stamps every held component before the map is
			// dropped, so version queries made mid-apply stay consistent.
			for name := range rec.components {
				rec.versions[name] = change.Tick
			}
			clear(rec.components)
			delete(t.entities, change.EntityID)
		}
		t.tombstones[change.EntityID] = change.Tick
		t.reindex(change.EntityID, nil)

	default:
		return false, eris.Wrap(ErrBadChangeKind, string(change.Kind))
	}
	return true, nil
}

func (t *Table) reindex(id types.EntityID, components types.Entity) {
	for _, idx := range t.indexes {
		if oldKey, ok := idx.keyOf[id]; ok {
			delete(idx.byKey[oldKey], id)
			if len(idx.byKey[oldKey]) == 0 {
				delete(idx.byKey, oldKey)
			}
			delete(idx.keyOf, id)
		}
		if components == nil {
			continue
		}
		key, ok := idx.extract(components)
		if !ok {
			continue
		}
		bucket := idx.byKey[key]
		if bucket == nil {
			bucket = map[types.EntityID]bool{}
			idx.byKey[key] = bucket
		}
		bucket[id] = true
		idx.keyOf[id] = key
	}
}

// SnapshotEntity produces a create-shaped change capturing the entity's
// current state, used for catchup/bootstrap replication.
func (t *Table) SnapshotEntity(id types.EntityID) (types.Change, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.entities[id]
	if !ok {
		return types.Change{}, false
	}
	return types.Change{
		Kind:       types.ChangeCreate,
		Tick:       rec.tick,
		EntityID:   id,
		Components: rec.components.Clone(),
	}, true
}

// Clear drops all entities, tombstones and index contents. The global tick is
// preserved so a cleared table cannot accept stale replays.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.entities)
	clear(t.tombstones)
	for _, idx := range t.indexes {
		clear(idx.byKey)
		clear(idx.keyOf)
	}
	for _, obs := range t.observers {
		obs.OnClear()
	}
	t.logger.Debug().Msg("table cleared")
}
