package types

// ChangeKind discriminates the three mutations an entity can undergo.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Change is the atomic unit of mutation and replication. The whole system is
// built around diffing entity state into changes and re-applying those changes
// elsewhere: the versioned table, subscriber caches, and spatial indexes.
//
// For ChangeCreate, Components holds the full entity. For ChangeUpdate it
// holds only the components that changed, and Removed lists components that
// were dropped. For ChangeDelete both are empty.
type Change struct {
	Kind       ChangeKind      `json:"kind"`
	Tick       Tick            `json:"tick"`
	EntityID   EntityID        `json:"entityId"`
	Components Entity          `json:"components,omitempty"`
	Removed    []ComponentName `json:"removed,omitempty"`
}

// TouchedComponents returns every component kind the change writes or removes.
// For deletes the caller must consult the table for the entity's current set.
func (c Change) TouchedComponents() []ComponentName {
	names := make([]ComponentName, 0, len(c.Components)+len(c.Removed))
	for name := range c.Components {
		names = append(names, name)
	}
	names = append(names, c.Removed...)
	return names
}

// EntityIDsOf collects the distinct entity ids referenced by a batch of
// changes, preserving first-seen order.
func EntityIDsOf(changes []Change) []EntityID {
	seen := make(map[EntityID]bool, len(changes))
	ids := make([]EntityID, 0, len(changes))
	for _, change := range changes {
		if seen[change.EntityID] {
			continue
		}
		seen[change.EntityID] = true
		ids = append(ids, change.EntityID)
	}
	return ids
}
