// Package interest maintains the spatial interest index: every entity is
// filed into one coarse grid bucket (or a positionless shelf), and each
// subscriber holds a WatchedShape over a set of buckets. The index derives
// everything from the committed change feed; it holds no independent truth
// and can be rebuilt by replaying changes.
package interest

import (
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/worldsync/worldsync/codec"
	"github.com/worldsync/worldsync/types"
)

// Class is the coarse entity category derived from component presence.
type Class string

const (
	ClassPlayer       Class = "player"
	ClassRobot        Class = "robot"
	ClassNPC          Class = "npc"
	ClassTerrain      Class = "terrain"
	ClassPlaceable    Class = "placeable"
	ClassUnclassified Class = "unclassified"
)

// bucketKey addresses one grid cell. None marks the positionless shelf;
// entities there are invisible to shapes and only reachable through the
// world-global force-include.
type bucketKey struct {
	X, Y, Z int32
	None    bool
}

type entityState struct {
	class     Class
	bucket    bucketKey
	global    bool
	pos       types.Vec3
	hasPos    bool
	boxCenter types.Vec3
	hasBox    bool
	present   map[types.ComponentName]bool
}

func (e *entityState) effectivePosition() (types.Vec3, bool) {
	if e.hasPos {
		return e.pos, true
	}
	if e.hasBox {
		return e.boxCenter, true
	}
	return types.Vec3{}, false
}

// SyncIndex is a gamestate observer. PostApply runs synchronously inside the
// table's commit, so membership can never lag the table; it must not call
// back into the table.
type SyncIndex struct {
	mu         sync.Mutex
	bucketSize float64
	entities   map[types.EntityID]*entityState
	buckets    map[bucketKey]map[types.EntityID]bool
	globals    map[types.EntityID]bool
	watches    map[*WatchedShape]bool
	batch      []types.Change
	logger     *zerolog.Logger
}

func NewSyncIndex(bucketSize float64, logger *zerolog.Logger) *SyncIndex {
	return &SyncIndex{
		bucketSize: bucketSize,
		entities:   map[types.EntityID]*entityState{},
		buckets:    map[bucketKey]map[types.EntityID]bool{},
		globals:    map[types.EntityID]bool{},
		watches:    map[*WatchedShape]bool{},
		logger:     logger,
	}
}

func (s *SyncIndex) PreApply([]types.EntityID) {}

func (s *SyncIndex) PostApply(changes []types.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch = append(s.batch, changes...)
	for _, change := range changes {
		switch change.Kind {
		case types.ChangeDelete:
			s.dropEntity(change.EntityID)
		default:
			s.absorb(change)
		}
	}
}

func (s *SyncIndex) OnClear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.entities {
		s.dropEntity(id)
	}
	s.batch = nil
}

// Class reports the current classification of an entity.
func (s *SyncIndex) Class(id types.EntityID) Class {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.entities[id]
	if !ok {
		return ClassUnclassified
	}
	return state.class
}

// absorb merges one create/update into the cached entity facts and refiles
// the entity if its bucket moved.
func (s *SyncIndex) absorb(change types.Change) {
	state, ok := s.entities[change.EntityID]
	if !ok {
		state = &entityState{
			bucket:  bucketKey{None: true},
			present: map[types.ComponentName]bool{},
		}
		s.entities[change.EntityID] = state
		s.buckets[state.bucket] = ensureBucket(s.buckets, state.bucket)
		s.buckets[state.bucket][change.EntityID] = true
	}
	if change.Kind == types.ChangeCreate {
		clear(state.present)
		state.hasPos = false
		state.hasBox = false
	}

	for name, value := range change.Components {
		state.present[name] = true
		switch name {
		case types.CompPosition:
			pos, err := codec.Decode[types.PositionComponent](value)
			if err != nil {
				s.logger.Warn().Uint64("entity", uint64(change.EntityID)).Err(err).Msg("undecodable position component")
				continue
			}
			state.pos = pos.V
			state.hasPos = true
		case types.CompBox:
			box, err := codec.Decode[types.BoxComponent](value)
			if err != nil {
				s.logger.Warn().Uint64("entity", uint64(change.EntityID)).Err(err).Msg("undecodable box component")
				continue
			}
			state.boxCenter = box.AABB.Center()
			state.hasBox = true
		}
	}
	for _, name := range change.Removed {
		delete(state.present, name)
		switch name {
		case types.CompPosition:
			state.hasPos = false
		case types.CompBox:
			state.hasBox = false
		}
	}

	state.class = classify(state.present)
	s.setGlobal(change.EntityID, state.present[types.CompWorldMetadata])
	s.refile(change.EntityID, state)
}

func classify(present map[types.ComponentName]bool) Class {
	switch {
	case present[types.CompPlayerBehavior] || present[types.CompRemoteConnection]:
		return ClassPlayer
	case present[types.CompRobotComponent]:
		return ClassRobot
	case present[types.CompNPCMetadata]:
		return ClassNPC
	case present[types.CompTerrainShard]:
		return ClassTerrain
	case present[types.CompPlaceableBy]:
		return ClassPlaceable
	default:
		return ClassUnclassified
	}
}

func (s *SyncIndex) bucketOf(state *entityState) bucketKey {
	pos, ok := state.effectivePosition()
	if !ok {
		return bucketKey{None: true}
	}
	return bucketKey{
		X: int32(math.Floor(pos.X / s.bucketSize)),
		Y: int32(math.Floor(pos.Y / s.bucketSize)),
		Z: int32(math.Floor(pos.Z / s.bucketSize)),
	}
}

// refile moves the entity between buckets, notifying only the shapes that
// actually gain or lose sight of it.
func (s *SyncIndex) refile(id types.EntityID, state *entityState) {
	next := s.bucketOf(state)
	if next == state.bucket {
		return
	}
	prev := state.bucket
	delete(s.buckets[prev], id)
	if len(s.buckets[prev]) == 0 {
		delete(s.buckets, prev)
	}
	s.buckets[next] = ensureBucket(s.buckets, next)
	s.buckets[next][id] = true
	state.bucket = next

	if s.globals[id] {
		// Force-included regardless of bucket; no watch gains or loses it.
		return
	}
	for watch := range s.watches {
		sawBefore := !prev.None && watch.watched[prev]
		seesNow := !next.None && watch.watched[next]
		if sawBefore == seesNow {
			continue
		}
		if seesNow {
			watch.markAdded(id)
		} else {
			watch.markRemoved(id)
		}
	}
}

func (s *SyncIndex) setGlobal(id types.EntityID, global bool) {
	was := s.globals[id]
	if was == global {
		return
	}
	if global {
		s.globals[id] = true
		for watch := range s.watches {
			watch.markAdded(id)
		}
		return
	}
	delete(s.globals, id)
	state := s.entities[id]
	for watch := range s.watches {
		if state != nil && !state.bucket.None && watch.watched[state.bucket] {
			continue
		}
		watch.markRemoved(id)
	}
}

func (s *SyncIndex) dropEntity(id types.EntityID) {
	state, ok := s.entities[id]
	if !ok {
		return
	}
	delete(s.buckets[state.bucket], id)
	if len(s.buckets[state.bucket]) == 0 {
		delete(s.buckets, state.bucket)
	}
	for watch := range s.watches {
		if s.globals[id] || (!state.bucket.None && watch.watched[state.bucket]) {
			watch.markRemoved(id)
		}
	}
	delete(s.globals, id)
	delete(s.entities, id)
}

func ensureBucket(buckets map[bucketKey]map[types.EntityID]bool, key bucketKey) map[types.EntityID]bool {
	bucket := buckets[key]
	if bucket == nil {
		bucket = map[types.EntityID]bool{}
		buckets[key] = bucket
	}
	return bucket
}

// Delta is what one WatchedShape learns at flush time: the raw changes of the
// processed batch that concern it, plus entities that entered (true) or left
// (false) its interest set since its last flush.
type Delta struct {
	Changes  []types.Change
	Entities map[types.EntityID]bool
}

// Flush emits at most one Delta per WatchedShape for everything since the
// previous flush. Call it once per processed batch of world changes.
func (s *SyncIndex) Flush() {
	s.mu.Lock()
	batch := s.batch
	s.batch = nil

	type emission struct {
		sink  func(Delta)
		delta Delta
	}
	var emissions []emission
	for watch := range s.watches {
		relevant := watch.relevantChanges(batch)
		if len(relevant) == 0 && len(watch.pending) == 0 {
			continue
		}
		emissions = append(emissions, emission{
			sink:  watch.sink,
			delta: Delta{Changes: relevant, Entities: watch.pending},
		})
		watch.pending = map[types.EntityID]bool{}
	}
	s.mu.Unlock()

	// Sinks run outside the index lock so a consumer can query the index.
	for _, e := range emissions {
		if e.sink != nil {
			e.sink(e.delta)
		}
	}
}
