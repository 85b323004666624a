package types

import (
	"github.com/goccy/go-json"
)

// EntityID is the opaque 64-bit identifier of an entity. An entity never
// changes its ID; once deleted the ID is never resurrected with the same
// identity.
type EntityID uint64

// Tick identifies a single commit point of the world. It is also recorded
// per-entity and per-component as a version stamp.
type Tick uint64

// ComponentName identifies a component kind on an entity.
type ComponentName string

// Entity is the component set of a single entity. Component values are kept as
// raw JSON so that a committed change re-applied to a fresh table reproduces
// bit-identical state.
type Entity map[ComponentName]json.RawMessage

// Clone returns a deep copy of the entity's component map. The raw component
// bytes are copied as well since callers may retain them across ticks.
func (e Entity) Clone() Entity {
	out := make(Entity, len(e))
	for name, value := range e {
		cp := make(json.RawMessage, len(value))
		copy(cp, value)
		out[name] = cp
	}
	return out
}

// Names returns the component kinds present on the entity.
func (e Entity) Names() []ComponentName {
	names := make([]ComponentName, 0, len(e))
	for name := range e {
		names = append(names, name)
	}
	return names
}

// EntityVersion records the last tick an entity was written, plus the tick at
// which each individual component last changed. A component's version is
// always <= the entity tick.
type EntityVersion struct {
	Tick       Tick                   `json:"tick"`
	Components map[ComponentName]Tick `json:"components"`
}

func (v EntityVersion) Clone() EntityVersion {
	comps := make(map[ComponentName]Tick, len(v.Components))
	for name, tick := range v.Components {
		comps[name] = tick
	}
	return EntityVersion{Tick: v.Tick, Components: comps}
}
